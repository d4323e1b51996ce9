// Package ban implements the revocable, optionally expiring ban list keyed by
// client fingerprint.
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/developingchet/postguard/internal/metrics"
)

// DefaultReason is reported for active bans that carry no reason.
const DefaultReason = "IP banned"

// ErrNotFound is returned by Source.Delete when no entry has the given ID.
var ErrNotFound = errors.New("ban: entry not found")

// Entry is one ban. A nil ExpiresAt means the ban never expires.
type Entry struct {
	ID          string     `json:"id"`
	Fingerprint string     `json:"ip_hash"`
	Reason      string     `json:"reason,omitempty"`
	BannedAt    time.Time  `json:"banned_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// NewEntry builds an entry with a fresh ID. A zero d creates a permanent ban.
func NewEntry(fingerprint, reason string, now time.Time, d time.Duration) Entry {
	e := Entry{
		ID:          uuid.NewString(),
		Fingerprint: fingerprint,
		Reason:      reason,
		BannedAt:    now.UTC(),
	}
	if d > 0 {
		exp := now.Add(d).UTC()
		e.ExpiresAt = &exp
	}
	return e
}

// Expired reports whether the entry's expiry lies in the past at now.
func (e Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && e.ExpiresAt.Before(now)
}

// DisplayReason returns the entry's reason or DefaultReason.
func (e Entry) DisplayReason() string {
	if e.Reason == "" {
		return DefaultReason
	}
	return e.Reason
}

// Source is the ban storage contract. Implementations must be safe for
// concurrent use.
type Source interface {
	// Lookup returns the entry for fingerprint, or (nil, nil) when absent.
	Lookup(ctx context.Context, fingerprint string) (*Entry, error)
	// Delete removes the entry with the given ID. It returns ErrNotFound when
	// the ID is unknown, including when the fingerprint was re-banned since.
	Delete(ctx context.Context, id string) error
	Put(ctx context.Context, e Entry) error
	List(ctx context.Context) ([]Entry, error)
}

// Pinger is implemented by sources that can report their own availability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Result is the outcome of a ban check.
type Result struct {
	Allowed bool
	Reason  string
	Entry   *Entry
	// Expired is set when an expired entry was observed and removed.
	Expired bool
}

// Registry enforces bans from a Source with bounded lookups and lazy expiry.
type Registry struct {
	source  Source
	timeout time.Duration
	now     func() time.Time
}

// NewRegistry returns a Registry. timeout bounds every source call (zero
// disables the bound); a nil now uses time.Now.
func NewRegistry(source Source, timeout time.Duration, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{source: source, timeout: timeout, now: now}
}

func (r *Registry) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

// Check reports whether fingerprint may proceed. An empty fingerprint is
// always allowed. An expired entry is deleted and treated as absent even if
// the delete fails. Lookup failures are returned as errors for the caller to
// apply its failure policy.
func (r *Registry) Check(ctx context.Context, fingerprint string) (Result, error) {
	if fingerprint == "" {
		return Result{Allowed: true}, nil
	}

	lctx, cancel := r.bounded(ctx)
	entry, err := r.source.Lookup(lctx, fingerprint)
	cancel()
	if err != nil {
		metrics.BanLookupErrors.Inc()
		return Result{}, fmt.Errorf("ban: lookup: %w", err)
	}
	if entry == nil {
		return Result{Allowed: true}, nil
	}

	if entry.Expired(r.now()) {
		dctx, cancel := r.bounded(ctx)
		defer cancel()
		switch err := r.source.Delete(dctx, entry.ID); {
		case err == nil:
			metrics.BansExpired.Inc()
		case errors.Is(err, ErrNotFound):
			// Removed concurrently.
		default:
			log.Warn().Err(err).Str("ban_id", entry.ID).Msg("expired ban delete failed")
		}
		return Result{Allowed: true, Expired: true}, nil
	}

	return Result{Allowed: false, Reason: entry.DisplayReason(), Entry: entry}, nil
}

// Ban stores a new entry for fingerprint. A zero d creates a permanent ban.
func (r *Registry) Ban(ctx context.Context, fingerprint, reason string, d time.Duration) (Entry, error) {
	if fingerprint == "" {
		return Entry{}, errors.New("ban: fingerprint is required")
	}
	e := NewEntry(fingerprint, reason, r.now(), d)
	pctx, cancel := r.bounded(ctx)
	defer cancel()
	if err := r.source.Put(pctx, e); err != nil {
		return Entry{}, fmt.Errorf("ban: put: %w", err)
	}
	return e, nil
}

// Unban removes the entry with the given ID.
func (r *Registry) Unban(ctx context.Context, id string) error {
	dctx, cancel := r.bounded(ctx)
	defer cancel()
	return r.source.Delete(dctx, id)
}

// Active lists non-expired entries. Expired entries are skipped, not deleted.
func (r *Registry) Active(ctx context.Context) ([]Entry, error) {
	lctx, cancel := r.bounded(ctx)
	defer cancel()
	all, err := r.source.List(lctx)
	if err != nil {
		return nil, fmt.Errorf("ban: list: %w", err)
	}
	now := r.now()
	out := make([]Entry, 0, len(all))
	for _, e := range all {
		if !e.Expired(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Ping checks source availability when the source supports it.
func (r *Registry) Ping(ctx context.Context) error {
	p, ok := r.source.(Pinger)
	if !ok {
		return nil
	}
	pctx, cancel := r.bounded(ctx)
	defer cancel()
	return p.Ping(pctx)
}
