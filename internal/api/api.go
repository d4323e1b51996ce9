// Package api exposes the ingestion, ban-check and security-event endpoints.
// Every content-creation route goes through the same admission pipeline.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/developingchet/postguard/internal/admission"
	"github.com/developingchet/postguard/internal/ban"
	"github.com/developingchet/postguard/internal/event"
	"github.com/developingchet/postguard/internal/post"
)

const (
	maxBodyBytes      = 64 << 10
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// Evaluator is the admission pipeline as seen by handlers.
type Evaluator interface {
	Evaluate(ctx context.Context, sub admission.Submission, opts admission.Options) admission.Verdict
}

// BanService answers ban checks and lists active bans.
type BanService interface {
	Check(ctx context.Context, fingerprint string) (ban.Result, error)
	Active(ctx context.Context) ([]ban.Entry, error)
}

// EventReader returns recorded security events, newest first.
type EventReader interface {
	Recent(ctx context.Context, limit int) ([]event.Event, error)
}

// Config wires the handlers.
type Config struct {
	Pipeline Evaluator
	Posts    post.Store
	Bans     BanService
	Events   EventReader

	// AdminToken guards the event feed; empty disables the route.
	AdminToken         string
	ChallengeOnReplies bool

	// Ready backs /readyz; nil always reports ready.
	Ready func(ctx context.Context) error
}

type handlers struct {
	cfg      Config
	validate *validator.Validate
}

// NewRouter builds the HTTP handler.
func NewRouter(cfg Config) http.Handler {
	h := &handlers{cfg: cfg, validate: validator.New(validator.WithRequiredStructEnabled())}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.readyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/threads", h.createThread)
		r.Post("/threads/{threadID}/replies", h.createReply)
		r.Post("/check-ban", h.checkBan)
		r.Get("/security-events", h.securityEvents)
	})
	return r
}

type threadRequest struct {
	IPHash       string `json:"ip_hash" validate:"omitempty,max=128"`
	CaptchaToken string `json:"captcha_token" validate:"omitempty,max=8192"`
	BoardID      string `json:"board_id" validate:"required,max=64"`
	Title        string `json:"title" validate:"max=20000"`
	Content      string `json:"content" validate:"max=100000"`
	ImageURL     string `json:"image_url" validate:"omitempty,url,max=2048"`
	ImageName    string `json:"image_name" validate:"max=255"`
}

type replyRequest struct {
	IPHash       string `json:"ip_hash" validate:"omitempty,max=128"`
	CaptchaToken string `json:"captcha_token" validate:"omitempty,max=8192"`
	Content      string `json:"content" validate:"max=100000"`
	ImageURL     string `json:"image_url" validate:"omitempty,url,max=2048"`
	ImageName    string `json:"image_name" validate:"max=255"`
}

type checkBanRequest struct {
	IPHash string `json:"ip_hash" validate:"omitempty,max=128"`
}

type checkBanResponse struct {
	Banned    bool       `json:"banned"`
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

func (h *handlers) createThread(w http.ResponseWriter, r *http.Request) {
	var req threadRequest
	if !h.decode(w, r, &req) {
		return
	}

	v := h.cfg.Pipeline.Evaluate(r.Context(), admission.Submission{
		Headers:        r.Header,
		Fingerprint:    req.IPHash,
		ChallengeToken: req.CaptchaToken,
		Title:          req.Title,
		Content:        req.Content,
	}, admission.Options{RequireChallenge: true})
	if !v.Admitted() {
		writeVerdict(w, v)
		return
	}

	h.store(w, r, post.Record{
		Kind:        post.KindThread,
		BoardID:     req.BoardID,
		Title:       v.Title,
		Content:     v.Content,
		ImageURL:    req.ImageURL,
		ImageName:   req.ImageName,
		Fingerprint: strings.TrimSpace(req.IPHash),
	})
}

func (h *handlers) createReply(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	var req replyRequest
	if !h.decode(w, r, &req) {
		return
	}

	v := h.cfg.Pipeline.Evaluate(r.Context(), admission.Submission{
		Headers:        r.Header,
		Fingerprint:    req.IPHash,
		ChallengeToken: req.CaptchaToken,
		Content:        req.Content,
	}, admission.Options{RequireChallenge: h.cfg.ChallengeOnReplies})
	if !v.Admitted() {
		writeVerdict(w, v)
		return
	}

	h.store(w, r, post.Record{
		Kind:        post.KindReply,
		ThreadID:    threadID,
		Content:     v.Content,
		ImageURL:    req.ImageURL,
		ImageName:   req.ImageName,
		Fingerprint: strings.TrimSpace(req.IPHash),
	})
}

func (h *handlers) store(w http.ResponseWriter, r *http.Request, rec post.Record) {
	stored, err := h.cfg.Posts.Insert(r.Context(), rec)
	switch {
	case errors.Is(err, post.ErrThreadNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "thread not found"})
		return
	case err != nil:
		log.Error().Err(err).Str("kind", string(rec.Kind)).Msg("content store insert failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": stored})
}

func (h *handlers) checkBan(w http.ResponseWriter, r *http.Request) {
	var req checkBanRequest
	if !h.decode(w, r, &req) {
		return
	}
	fp := strings.TrimSpace(req.IPHash)
	if fp == "" {
		writeJSON(w, http.StatusOK, checkBanResponse{})
		return
	}

	res, err := h.cfg.Bans.Check(r.Context(), fp)
	if err != nil {
		log.Error().Err(err).Str("ip_hash", fp).Msg("ban check unavailable")
		writeJSON(w, http.StatusServiceUnavailable, checkBanResponse{Error: admission.MsgUnavailable})
		return
	}
	if res.Allowed {
		writeJSON(w, http.StatusOK, checkBanResponse{})
		return
	}
	resp := checkBanResponse{Banned: true, Reason: res.Reason}
	if res.Entry != nil {
		resp.ExpiresAt = res.Entry.ExpiresAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) securityEvents(w http.ResponseWriter, r *http.Request) {
	if h.cfg.AdminToken == "" || h.cfg.Events == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
		return
	}
	if !h.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Unauthorized"})
		return
	}

	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxEventLimit)
	}

	events, err := h.cfg.Events.Recent(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("security event read failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}
	bans, err := h.cfg.Bans.Active(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("active ban list failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	if bans == nil {
		bans = []ban.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"events": events,
			"bans":   bans,
		},
	})
}

func (h *handlers) authorized(r *http.Request) bool {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(h.cfg.AdminToken)) == 1
}

func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *handlers) readyz(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Ready != nil {
		if err := h.cfg.Ready(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// decode reads a JSON body into dst and validates it, writing a 400 on
// failure.
func (h *handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": validationMessage(err)})
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	return "invalid field " + strings.ToLower(fe.Field()) + ": " + fe.Tag()
}

// writeVerdict maps a denial to its HTTP status and body.
func writeVerdict(w http.ResponseWriter, v admission.Verdict) {
	switch v.Outcome {
	case admission.Throttle:
		secs := int((v.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": v.Reason, "retry_after": secs})
	case admission.Reject:
		switch v.Code {
		case admission.CodeBanned:
			writeJSON(w, http.StatusForbidden, map[string]any{"error": v.Reason, "banned": true})
		case admission.CodeAnonymizingNetwork:
			writeJSON(w, http.StatusForbidden, map[string]any{"error": v.Reason})
		case admission.CodeBanLookupUnavailable:
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": admission.MsgUnavailable})
		default:
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": v.Reason})
		}
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Msg("response write failed")
	}
}
