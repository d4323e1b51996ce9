// Package guard wires the admission pipeline, its state stores and the HTTP
// surface into one runnable service.
package guard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/developingchet/postguard/internal/admission"
	"github.com/developingchet/postguard/internal/api"
	"github.com/developingchet/postguard/internal/ban"
	"github.com/developingchet/postguard/internal/challenge"
	"github.com/developingchet/postguard/internal/config"
	"github.com/developingchet/postguard/internal/content"
	"github.com/developingchet/postguard/internal/event"
	"github.com/developingchet/postguard/internal/post"
	"github.com/developingchet/postguard/internal/ratelimit"
	"github.com/developingchet/postguard/internal/reputation"
	"github.com/developingchet/postguard/internal/storage"
)

// StateFile is the bbolt database name under DataDir.
const StateFile = "state.db"

// Options are the collaborators that do not come from configuration.
type Options struct {
	// Posts receives admitted submissions; nil uses an in-memory store.
	Posts post.Store
	// UserAgent is sent to CrowdSec LAPI.
	UserAgent string
	// Now overrides the clock for counters and ban expiry.
	Now func() time.Time
}

// Guard is the assembled service.
type Guard struct {
	cfg      *config.Config
	now      func() time.Time
	db       *storage.BoltStore
	bans     storage.BanStore
	registry *ban.Registry
	counters *ratelimit.CounterStore
	rep      *reputation.Filter
	feed     *reputation.Feed // nil when CrowdSec is not configured
	recorder *event.Recorder
	pipeline *admission.Pipeline
	httpSrv  *http.Server

	mu   sync.Mutex
	addr net.Addr
}

// New opens state and builds every component. Nothing runs until Run.
func New(cfg *config.Config, opts Options) (*Guard, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	db, err := storage.Open(filepath.Join(cfg.DataDir, StateFile))
	if err != nil {
		return nil, err
	}

	var bans storage.BanStore = db
	if cfg.BanBackend == config.BanBackendRedis {
		rs, err := storage.DialRedis(storage.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		bans = rs
	}

	sources, err := reputation.ParseSources(cfg.ReputationLists)
	if err != nil {
		closeStores(db, bans)
		return nil, err
	}
	var feed *reputation.Feed
	var dynamic []reputation.Matcher
	if cfg.LAPIURL != "" {
		feed = reputation.NewFeed(reputation.FeedConfig{
			LAPIURL:       cfg.LAPIURL,
			LAPIKey:       cfg.LAPIKey,
			PollInterval:  cfg.PollInterval.String(),
			TLSSkipVerify: cfg.TLSSkipVerify,
			UserAgent:     opts.UserAgent,
		})
		dynamic = append(dynamic, feed.List())
	}

	backends := []event.Backend{db.EventBackend()}
	if cfg.EventLogDir != "" {
		fb, err := event.NewFileBackend(cfg.EventLogDir)
		if err != nil {
			closeStores(db, bans)
			return nil, err
		}
		backends = append(backends, fb)
	}

	g := &Guard{
		cfg:      cfg,
		now:      now,
		db:       db,
		bans:     bans,
		registry: ban.NewRegistry(bans, cfg.BanLookupTimeout, now),
		counters: ratelimit.NewCounterStore(ratelimit.DefaultShards),
		rep:      reputation.NewFilter(sources, dynamic...),
		feed:     feed,
		recorder: event.NewRecorder(backends, event.RecorderOptions{
			Buffer:  cfg.EventBuffer,
			Workers: cfg.EventWorkers,
		}),
	}

	g.pipeline = admission.New(admission.Config{
		Rate: ratelimit.NewLimiter(g.counters,
			ratelimit.RatePolicy(cfg.RateLimit, cfg.RateWindow, cfg.RateStrikePenalty, cfg.RateMaxPenalty), now),
		Flood: ratelimit.NewLimiter(g.counters,
			ratelimit.FloodPolicy(cfg.FloodLimit, cfg.FloodWindow, cfg.FloodPenalty), now),
		Bans:       g.registry,
		Reputation: g.rep,
		Content: content.NewClassifier(content.Config{
			Denylist:        cfg.Denylist(),
			RepeatThreshold: cfg.ContentRepeatThreshold,
			MinTokenLength:  cfg.ContentMinTokenLength,
		}),
		Challenge: challenge.NewVerifier(challenge.Config{
			HCaptchaSecret:  cfg.HCaptchaSecret,
			ReCaptchaSecret: cfg.ReCaptchaSecret,
			VerifyURL:       cfg.ChallengeVerifyURL,
			Timeout:         cfg.ChallengeTimeout,
			TLSSkipVerify:   cfg.TLSSkipVerify,
		}),
		Events:           g.recorder,
		MaxContentLength: cfg.ContentMaxLength,
		AuditAdmitted:    cfg.AuditAdmitted,
	})

	posts := opts.Posts
	if posts == nil {
		posts = post.NewMemStore()
	}
	g.httpSrv = &http.Server{
		Addr: cfg.ListenAddr,
		Handler: api.NewRouter(api.Config{
			Pipeline:           g.pipeline,
			Posts:              posts,
			Bans:               g.registry,
			Events:             db,
			AdminToken:         cfg.AdminToken,
			ChallengeOnReplies: cfg.ChallengeOnReplies,
			Ready:              g.Healthy,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return g, nil
}

func closeStores(db *storage.BoltStore, bans storage.BanStore) {
	if bans != nil && bans != storage.BanStore(db) {
		_ = bans.Close()
	}
	_ = db.Close()
}

// Handler returns the HTTP handler without starting a listener.
func (g *Guard) Handler() http.Handler { return g.httpSrv.Handler }

// Pipeline returns the shared admission pipeline.
func (g *Guard) Pipeline() *admission.Pipeline { return g.pipeline }

// Registry returns the ban registry.
func (g *Guard) Registry() *ban.Registry { return g.registry }

// Addr returns the bound listen address once Run has started, or nil.
func (g *Guard) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addr
}

// Run serves HTTP and runs background maintenance until ctx is cancelled.
// It returns after every background goroutine has stopped.
func (g *Guard) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("guard: listen %s: %w", g.cfg.ListenAddr, err)
	}
	g.mu.Lock()
	g.addr = ln.Addr()
	g.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	goBackground := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	srvErr := make(chan error, 1)
	goBackground(func() {
		if err := g.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	})
	goBackground(func() {
		runJanitor(ctx, g, g.cfg.CounterSweepInterval)
	})
	goBackground(func() {
		g.rep.Run(ctx, g.cfg.ReputationRefreshInterval)
	})
	if g.feed != nil {
		goBackground(func() {
			if err := g.feed.Run(ctx); err != nil {
				log.Error().Err(err).Msg("crowdsec feed stopped, continuing with static lists")
			}
		})
	}

	log.Info().
		Str("addr", ln.Addr().String()).
		Int("rate_limit", g.cfg.RateLimit).
		Str("rate_window", g.cfg.RateWindow.String()).
		Int("flood_limit", g.cfg.FloodLimit).
		Str("flood_window", g.cfg.FloodWindow.String()).
		Str("ban_backend", g.cfg.BanBackend).
		Int("reputation_entries", g.rep.Len()).
		Bool("crowdsec_feed", g.feed != nil).
		Bool("challenge", g.cfg.ChallengeEnabled()).
		Msg("postguard started")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-srvErr:
		log.Error().Err(runErr).Msg("http server error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := g.httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown error")
	}
	cancel()
	wg.Wait()
	log.Info().Msg("postguard stopped")
	return runErr
}

// Healthy checks the ban source and the state database.
func (g *Guard) Healthy(ctx context.Context) error {
	if err := g.registry.Ping(ctx); err != nil {
		return fmt.Errorf("ban source: %w", err)
	}
	if g.bans != storage.BanStore(g.db) {
		if err := g.db.Ping(ctx); err != nil {
			return fmt.Errorf("state db: %w", err)
		}
	}
	return nil
}

// Close drains the event recorder and closes the stores. Call after Run has
// returned.
func (g *Guard) Close() {
	if err := g.recorder.Close(); err != nil {
		log.Warn().Err(err).Msg("event recorder close failed")
	}
	if g.bans != storage.BanStore(g.db) {
		if err := g.bans.Close(); err != nil {
			log.Warn().Err(err).Msg("ban store close failed")
		}
	}
	if err := g.db.Close(); err != nil {
		log.Warn().Err(err).Msg("state db close failed")
	}
}
