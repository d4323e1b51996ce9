// Package storage provides the persistent ban sources and the structured
// security-event store.
package storage

import (
	"context"
	"time"

	"github.com/developingchet/postguard/internal/ban"
	"github.com/developingchet/postguard/internal/event"
)

// BanStore is a ban.Source that owns a connection and must be closed.
type BanStore interface {
	ban.Source
	ban.Pinger
	Close() error
}

// EventStore is the read side of the structured event log, consumed by the
// reporting endpoint and the retention janitor.
type EventStore interface {
	Recent(ctx context.Context, limit int) ([]event.Event, error)
	Prune(ctx context.Context, before time.Time) (int, error)
}
