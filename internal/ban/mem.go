package ban

import (
	"context"
	"sort"
	"sync"
)

var _ Source = (*MemSource)(nil)

// MemSource is an in-memory Source for tests and single-process demos.
type MemSource struct {
	mu    sync.Mutex
	byFP  map[string]Entry
	idxID map[string]string // ID → fingerprint
}

// NewMemSource returns an empty MemSource.
func NewMemSource() *MemSource {
	return &MemSource{
		byFP:  make(map[string]Entry),
		idxID: make(map[string]string),
	}
}

func (m *MemSource) Lookup(_ context.Context, fingerprint string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byFP[fingerprint]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *MemSource) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fp, ok := m.idxID[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.idxID, id)
	delete(m.byFP, fp)
	return nil
}

func (m *MemSource) Put(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.byFP[e.Fingerprint]; ok {
		delete(m.idxID, old.ID)
	}
	m.byFP[e.Fingerprint] = e
	m.idxID[e.ID] = e.Fingerprint
	return nil
}

func (m *MemSource) List(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.byFP))
	for _, e := range m.byFP {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BannedAt.After(out[j].BannedAt) })
	return out, nil
}

// Len returns the number of stored entries, expired or not.
func (m *MemSource) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byFP)
}
