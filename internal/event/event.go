// Package event records security events best-effort. Recording never blocks
// the caller and never reports failure to it.
package event

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind tags a security event.
type Kind string

const (
	KindRateLimit  Kind = "rate_limit"
	KindFlood      Kind = "flood"
	KindBannedIP   Kind = "banned_ip"
	KindReputation Kind = "reputation_blocked"
	KindContent    Kind = "content_blocked"
	KindChallenge  Kind = "challenge_failed"
	KindAdmitted   Kind = "admitted"
	KindDependency Kind = "dependency_failure"
)

// Kinds lists every kind in a stable order.
var Kinds = []Kind{
	KindRateLimit,
	KindFlood,
	KindBannedIP,
	KindReputation,
	KindContent,
	KindChallenge,
	KindAdmitted,
	KindDependency,
}

// Event is one append-only security record.
type Event struct {
	ID          string            `json:"id"`
	Kind        Kind              `json:"type"`
	Address     string            `json:"ip"`
	Fingerprint string            `json:"ip_hash,omitempty"`
	Detail      map[string]string `json:"details,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// New builds an event stamped with a fresh ID and the current UTC time.
func New(kind Kind, address, fingerprint string, detail map[string]string) Event {
	return Event{
		ID:          uuid.NewString(),
		Kind:        kind,
		Address:     address,
		Fingerprint: fingerprint,
		Detail:      detail,
		Timestamp:   time.Now().UTC(),
	}
}

// Sink accepts events fire-and-forget.
type Sink interface {
	Record(ev Event)
}

// Backend is one durable destination behind a Recorder.
type Backend interface {
	Name() string
	Write(ctx context.Context, ev Event) error
	Close() error
}

// Discard is a Sink that drops every event.
type Discard struct{}

func (Discard) Record(Event) {}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Record(ev Event) { f(ev) }
