package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/developingchet/postguard/internal/ban"
	"github.com/developingchet/postguard/internal/event"
)

// Compile-time proof that BoltStore satisfies the storage interfaces.
var (
	_ BanStore   = (*BoltStore)(nil)
	_ EventStore = (*BoltStore)(nil)
)

var (
	bucketBans   = []byte("bans")    // fingerprint → JSON ban.Entry
	bucketBanIDs = []byte("ban_ids") // ban ID → fingerprint
	bucketEvents = []byte("events")  // big-endian sequence → JSON event.Event
)

// BoltStore is an ACID bbolt-backed ban source and event store.
// It is safe for concurrent use.
type BoltStore struct {
	db   *bolt.DB
	path string
}

// Open opens (or creates) a bbolt database at path and initialises the
// required buckets.
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketBans, bucketBanIDs, bucketEvents} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: init buckets: %w", err)
	}

	return &BoltStore{db: db, path: path}, nil
}

// --- Bans ---

func (s *BoltStore) Lookup(_ context.Context, fingerprint string) (*ban.Entry, error) {
	var entry *ban.Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBans).Get([]byte(fingerprint))
		if data == nil {
			return nil
		}
		var e ban.Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("decode ban: %w", err)
		}
		entry = &e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: lookup ban: %w", err)
	}
	return entry, nil
}

// Delete removes the ban with the given ID in one transaction. A fingerprint
// re-banned under a new ID is left untouched.
func (s *BoltStore) Delete(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		ids := tx.Bucket(bucketBanIDs)
		fp := ids.Get([]byte(id))
		if fp == nil {
			return ban.ErrNotFound
		}
		fpKey := append([]byte{}, fp...)
		if err := ids.Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketBans).Delete(fpKey)
	})
}

// Put stores e, replacing any previous ban for the same fingerprint.
func (s *BoltStore) Put(_ context.Context, e ban.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("storage: encode ban: %w", err)
	}
	fpKey := []byte(e.Fingerprint)
	return s.db.Update(func(tx *bolt.Tx) error {
		bans := tx.Bucket(bucketBans)
		ids := tx.Bucket(bucketBanIDs)
		if old := bans.Get(fpKey); old != nil {
			var prev ban.Entry
			if json.Unmarshal(old, &prev) == nil && prev.ID != "" {
				if err := ids.Delete([]byte(prev.ID)); err != nil {
					return err
				}
			}
		}
		if err := bans.Put(fpKey, data); err != nil {
			return err
		}
		return ids.Put([]byte(e.ID), fpKey)
	})
}

// List returns every stored ban, newest first.
func (s *BoltStore) List(_ context.Context) ([]ban.Entry, error) {
	var out []ban.Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBans).ForEach(func(_, v []byte) error {
			var e ban.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil // skip corrupt records
			}
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list bans: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BannedAt.After(out[j].BannedAt) })
	return out, nil
}

// Ping verifies the database is still readable.
func (s *BoltStore) Ping(_ context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketBans) == nil {
			return fmt.Errorf("storage: bucket %s missing", bucketBans)
		}
		return nil
	})
}

// --- Events ---

// AppendEvent stores ev under the next sequence number.
func (s *BoltStore) AppendEvent(ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("storage: encode event: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, data)
	})
}

// Recent returns up to limit events, newest first.
func (s *BoltStore) Recent(_ context.Context, limit int) ([]event.Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	out := make([]event.Event, 0, limit)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var ev event.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				continue
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: recent events: %w", err)
	}
	return out, nil
}

// Prune deletes events older than before and returns how many were removed.
// Keys are insertion-ordered, so the scan stops at the first newer event.
func (s *BoltStore) Prune(_ context.Context, before time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var ev event.Event
			if err := json.Unmarshal(v, &ev); err == nil && !ev.Timestamp.Before(before) {
				break
			}
			toDelete = append(toDelete, append([]byte{}, k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(toDelete)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("storage: prune events: %w", err)
	}
	return removed, nil
}

// EventBackend exposes the event bucket as an event.Backend. Closing the
// backend does not close the store.
func (s *BoltStore) EventBackend() event.Backend { return boltEvents{s} }

type boltEvents struct{ s *BoltStore }

func (b boltEvents) Name() string { return "bolt" }

func (b boltEvents) Write(_ context.Context, ev event.Event) error {
	return b.s.AppendEvent(ev)
}

func (boltEvents) Close() error { return nil }

// DBPath returns the filesystem path of the database file.
func (s *BoltStore) DBPath() string { return s.path }

func (s *BoltStore) Close() error { return s.db.Close() }
