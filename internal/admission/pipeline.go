// Package admission runs every content submission through one ordered chain
// of checks and returns a single Verdict. The chain is
// identity → rate → flood → ban → reputation → sanitize → content → challenge,
// and the first stage to deny ends it.
package admission

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/developingchet/postguard/internal/ban"
	"github.com/developingchet/postguard/internal/content"
	"github.com/developingchet/postguard/internal/event"
	"github.com/developingchet/postguard/internal/identity"
	"github.com/developingchet/postguard/internal/metrics"
	"github.com/developingchet/postguard/internal/ratelimit"
	"github.com/developingchet/postguard/internal/reputation"
)

// RateChecker charges one request to a key.
type RateChecker interface {
	Allow(key string) ratelimit.Result
}

// BanChecker looks up a fingerprint in the ban list.
type BanChecker interface {
	Check(ctx context.Context, fingerprint string) (ban.Result, error)
}

// ReputationChecker matches an address against anonymizer lists.
type ReputationChecker interface {
	Check(addr string) reputation.Result
}

// ContentChecker classifies sanitized text.
type ContentChecker interface {
	Classify(text string) content.Result
}

// ChallengeChecker verifies a human-verification token.
type ChallengeChecker interface {
	Enabled() bool
	Verify(ctx context.Context, token, remoteIP string) bool
}

// Config wires the stages. A nil checker skips its stage; a nil Events sink
// discards events.
type Config struct {
	Rate       RateChecker
	Flood      RateChecker
	Bans       BanChecker
	Reputation ReputationChecker
	Content    ContentChecker
	Challenge  ChallengeChecker
	Events     event.Sink

	// MaxContentLength caps sanitized title and content, in runes.
	MaxContentLength int
	// AuditAdmitted records an admitted event for every ADMIT.
	AuditAdmitted bool
}

// Submission is one content-creation request as seen by the pipeline.
type Submission struct {
	Headers        http.Header
	Fingerprint    string
	ChallengeToken string
	Title          string
	Content        string
}

// Options selects which optional checks apply to an entry point.
type Options struct {
	RequireChallenge bool
}

// Pipeline is safe for concurrent use; all shared state lives in the
// injected checkers.
type Pipeline struct {
	cfg Config
}

// New returns a Pipeline over cfg.
func New(cfg Config) *Pipeline {
	if cfg.Events == nil {
		cfg.Events = event.Discard{}
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = content.DefaultMaxLength
	}
	return &Pipeline{cfg: cfg}
}

// request carries per-submission state between stages.
type request struct {
	id      identity.ClientIdentity
	sub     Submission
	opts    Options
	title   string
	content string
}

type stage struct {
	name string
	next State
	run  func(p *Pipeline, ctx context.Context, r *request) *Denial
}

var stages = []stage{
	{StageRate, StateRateOK, (*Pipeline).checkRate},
	{StageFlood, StateFloodOK, (*Pipeline).checkFlood},
	{StageBan, StateBanOK, (*Pipeline).checkBan},
	{StageReputation, StateReputationOK, (*Pipeline).checkReputation},
	{StageSanitize, StateReputationOK, (*Pipeline).sanitize},
	{StageContent, StateContentOK, (*Pipeline).checkContent},
	{StageChallenge, StateChallengeOK, (*Pipeline).checkChallenge},
}

// Evaluate runs sub through every stage in order and returns the verdict.
// Side effects of stages already run (counter charges, expired-ban removal)
// are kept when a later stage denies or ctx is cancelled. A denial is
// recorded to the event sink before Evaluate returns.
func (p *Pipeline) Evaluate(ctx context.Context, sub Submission, opts Options) Verdict {
	r := &request{
		id:   identity.FromHeaders(sub.Headers, sub.Fingerprint),
		sub:  sub,
		opts: opts,
	}
	state := StateIdentityResolved

	for _, s := range stages {
		if d := s.run(p, ctx, r); d != nil {
			if d.Stage == "" {
				d.Stage = s.name
			}
			return p.deny(r, d)
		}
		state = s.next
	}

	metrics.Submissions.WithLabelValues("admit").Inc()
	if p.cfg.AuditAdmitted {
		p.cfg.Events.Record(event.New(event.KindAdmitted, r.id.Address, r.id.Fingerprint, nil))
	}
	log.Debug().Str("ip", r.id.Address).Str("state", string(state)).Msg("submission admitted")
	return Verdict{
		Outcome: Admit,
		Code:    CodeAdmitted,
		State:   StateAdmitted,
		Title:   r.title,
		Content: r.content,
	}
}

func (p *Pipeline) deny(r *request, d *Denial) Verdict {
	metrics.Submissions.WithLabelValues(strings.ToLower(d.Outcome.String())).Inc()
	metrics.Denials.WithLabelValues(d.Stage).Inc()

	if d.Event != "" {
		p.cfg.Events.Record(event.New(d.Event, r.id.Address, r.id.Fingerprint, d.Detail))
	}
	log.Info().
		Str("ip", r.id.Address).
		Str("stage", d.Stage).
		Str("code", d.Code).
		Dur("retry_after", d.RetryAfter).
		Msg("submission denied")

	return Verdict{
		Outcome:    d.Outcome,
		Code:       d.Code,
		Reason:     d.Reason,
		RetryAfter: d.RetryAfter,
		Stage:      d.Stage,
		State:      StateDenied,
	}
}

func (p *Pipeline) checkRate(_ context.Context, r *request) *Denial {
	if p.cfg.Rate == nil {
		return nil
	}
	res := p.cfg.Rate.Allow(r.id.Address)
	if res.Allowed {
		return nil
	}
	return &Denial{
		Outcome:    Throttle,
		Code:       CodeRateLimited,
		Reason:     MsgRateLimited,
		RetryAfter: res.RetryAfter,
		Event:      event.KindRateLimit,
		Detail: map[string]string{
			"strikes":     strconv.Itoa(res.Strikes),
			"retry_after": res.RetryAfter.String(),
		},
	}
}

func (p *Pipeline) checkFlood(_ context.Context, r *request) *Denial {
	if p.cfg.Flood == nil {
		return nil
	}
	res := p.cfg.Flood.Allow(r.id.Address)
	if res.Allowed {
		return nil
	}
	return &Denial{
		Outcome:    Throttle,
		Code:       CodeFlood,
		Reason:     MsgFlood,
		RetryAfter: res.RetryAfter,
		Event:      event.KindFlood,
		Detail:     map[string]string{"retry_after": res.RetryAfter.String()},
	}
}

// checkBan fails closed: a source error rejects the submission.
func (p *Pipeline) checkBan(ctx context.Context, r *request) *Denial {
	if p.cfg.Bans == nil {
		return nil
	}
	res, err := p.cfg.Bans.Check(ctx, r.id.Fingerprint)
	if err != nil {
		log.Error().Err(err).Str("ip_hash", r.id.Fingerprint).Msg("ban lookup unavailable, rejecting submission")
		return &Denial{
			Outcome: Reject,
			Code:    CodeBanLookupUnavailable,
			Reason:  MsgUnavailable,
			Event:   event.KindDependency,
			Detail:  map[string]string{"dependency": "ban_source", "error": err.Error()},
		}
	}
	if res.Allowed {
		return nil
	}
	detail := map[string]string{"reason": res.Reason}
	if res.Entry != nil {
		detail["ban_id"] = res.Entry.ID
		if res.Entry.ExpiresAt != nil {
			detail["expires_at"] = res.Entry.ExpiresAt.UTC().Format(time.RFC3339)
		}
	}
	return &Denial{
		Outcome: Reject,
		Code:    CodeBanned,
		Reason:  res.Reason,
		Event:   event.KindBannedIP,
		Detail:  detail,
	}
}

func (p *Pipeline) checkReputation(_ context.Context, r *request) *Denial {
	if p.cfg.Reputation == nil {
		return nil
	}
	res := p.cfg.Reputation.Check(r.id.Address)
	if res.Allowed {
		return nil
	}
	return &Denial{
		Outcome: Reject,
		Code:    CodeAnonymizingNetwork,
		Reason:  res.Reason,
		Event:   event.KindReputation,
		Detail:  map[string]string{"list": res.List},
	}
}

// sanitize rejects content that is empty once markup is stripped.
func (p *Pipeline) sanitize(_ context.Context, r *request) *Denial {
	r.title = content.Sanitize(r.sub.Title, p.cfg.MaxContentLength)
	r.content = content.Sanitize(r.sub.Content, p.cfg.MaxContentLength)
	if r.content == "" {
		return &Denial{
			Outcome: Reject,
			Code:    CodeInvalidContent,
			Reason:  MsgInvalidContent,
			Event:   event.KindContent,
			Detail: map[string]string{
				"match":   "empty_after_sanitize",
				"excerpt": excerpt(r.sub.Content, 100),
			},
		}
	}
	return nil
}

func (p *Pipeline) checkContent(_ context.Context, r *request) *Denial {
	if p.cfg.Content == nil {
		return nil
	}
	res := p.cfg.Content.Classify(r.content)
	if res.Allowed {
		return nil
	}
	code := CodeProhibitedContent
	if res.Reason == content.ReasonSpam {
		code = CodeSpam
	}
	return &Denial{
		Outcome: Reject,
		Code:    code,
		Reason:  res.Reason,
		Event:   event.KindContent,
		Detail: map[string]string{
			"match":   res.Detail,
			"excerpt": excerpt(r.content, 100),
		},
	}
}

func (p *Pipeline) checkChallenge(ctx context.Context, r *request) *Denial {
	if !r.opts.RequireChallenge || p.cfg.Challenge == nil || !p.cfg.Challenge.Enabled() {
		return nil
	}
	remote := r.id.Address
	if remote == identity.Unknown {
		remote = ""
	}
	if p.cfg.Challenge.Verify(ctx, r.sub.ChallengeToken, remote) {
		return nil
	}
	return &Denial{
		Outcome: Reject,
		Code:    CodeChallengeFailed,
		Reason:  MsgChallengeFailed,
		Event:   event.KindChallenge,
		Detail:  map[string]string{"token_present": strconv.FormatBool(strings.TrimSpace(r.sub.ChallengeToken) != "")},
	}
}

func excerpt(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n])
}
