// Package post is the content store the ingestion handlers hand admitted
// submissions to. Durable storage lives outside this service; MemStore keeps
// records for a single process.
package post

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes thread openers from replies.
type Kind string

const (
	KindThread Kind = "thread"
	KindReply  Kind = "reply"
)

// ErrThreadNotFound is returned when a reply targets an unknown thread.
var ErrThreadNotFound = errors.New("post: thread not found")

// Record is one stored post.
type Record struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	BoardID     string    `json:"board_id,omitempty"`
	ThreadID    string    `json:"thread_id,omitempty"`
	Title       string    `json:"title,omitempty"`
	Content     string    `json:"content"`
	ImageURL    string    `json:"image_url,omitempty"`
	ImageName   string    `json:"image_name,omitempty"`
	Fingerprint string    `json:"ip_hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store inserts admitted records and returns the stored copy.
type Store interface {
	Insert(ctx context.Context, rec Record) (Record, error)
}

// MemStore is an in-memory Store.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]Record), now: time.Now}
}

// Insert assigns an ID and timestamp. A reply must reference an existing
// thread.
func (m *MemStore) Insert(ctx context.Context, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.Kind == KindReply {
		parent, ok := m.records[rec.ThreadID]
		if !ok || parent.Kind != KindThread {
			return Record{}, ErrThreadNotFound
		}
		if rec.BoardID == "" {
			rec.BoardID = parent.BoardID
		}
	}
	rec.ID = uuid.NewString()
	rec.CreatedAt = m.now().UTC()
	m.records[rec.ID] = rec
	return rec, nil
}

// Get returns the record with id.
func (m *MemStore) Get(id string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	return rec, ok
}

// Len returns the number of stored records.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
