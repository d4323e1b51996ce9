// inject_state writes a ban entry straight into state.db for smoke testing
// lazy expiry and the ban-check endpoint. It is a standalone tool, not part
// of the module's test suite. Stop the service first: it holds the database
// lock.
//
// Usage:
//
//	go run scripts/inject_state/main.go --db /data/state.db --fingerprint a1b2c3 --expires-in -1h
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// banRecord mirrors the JSON form of ban.Entry.
type banRecord struct {
	ID          string     `json:"id"`
	Fingerprint string     `json:"ip_hash"`
	Reason      string     `json:"reason,omitempty"`
	BannedAt    time.Time  `json:"banned_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// newRecord builds a ban. A zero expiresIn is permanent; a negative one
// produces an already-expired entry.
func newRecord(fingerprint, reason string, now time.Time, expiresIn time.Duration) banRecord {
	rec := banRecord{
		ID:          uuid.NewString(),
		Fingerprint: fingerprint,
		Reason:      reason,
		BannedAt:    now.UTC(),
	}
	if expiresIn != 0 {
		exp := now.Add(expiresIn).UTC()
		rec.ExpiresAt = &exp
		if expiresIn < 0 {
			rec.BannedAt = exp.Add(-time.Hour)
		}
	}
	return rec
}

func main() {
	dbPath := flag.String("db", "", "Path to state.db (required)")
	fingerprint := flag.String("fingerprint", "", "Client fingerprint to ban (required)")
	reason := flag.String("reason", "", "Ban reason")
	expiresIn := flag.Duration("expires-in", 0, "Expiry relative to now; negative for an already-expired ban, 0 for permanent")
	flag.Parse()

	if *dbPath == "" {
		log.Fatal("--db is required")
	}
	if *fingerprint == "" {
		log.Fatal("--fingerprint is required")
	}

	db, err := bolt.Open(*dbPath, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		log.Fatalf("open %s: %v", *dbPath, err)
	}
	defer db.Close()

	rec := newRecord(*fingerprint, *reason, time.Now(), *expiresIn)
	data, err := json.Marshal(rec)
	if err != nil {
		log.Fatalf("marshal ban: %v", err)
	}
	key := []byte(rec.Fingerprint)

	err = db.Update(func(tx *bolt.Tx) error {
		bans, err := tx.CreateBucketIfNotExists([]byte("bans"))
		if err != nil {
			return fmt.Errorf("create bans bucket: %w", err)
		}
		ids, err := tx.CreateBucketIfNotExists([]byte("ban_ids"))
		if err != nil {
			return fmt.Errorf("create ban_ids bucket: %w", err)
		}
		if old := bans.Get(key); old != nil {
			var prev banRecord
			if json.Unmarshal(old, &prev) == nil && prev.ID != "" {
				if err := ids.Delete([]byte(prev.ID)); err != nil {
					return err
				}
			}
		}
		if err := bans.Put(key, data); err != nil {
			return err
		}
		return ids.Put([]byte(rec.ID), key)
	})
	if err != nil {
		log.Fatalf("write ban: %v", err)
	}

	expires := "never"
	if rec.ExpiresAt != nil {
		expires = rec.ExpiresAt.Format(time.RFC3339)
	}
	fmt.Printf("[inject_state] bans bucket: key=%s id=%s expires=%s\n", key, rec.ID, expires)
	fmt.Println("[inject_state] done, start the service and POST /api/check-ban to observe it")
}
