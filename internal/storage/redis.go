package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/developingchet/postguard/internal/ban"
)

var _ BanStore = (*RedisBanStore)(nil)

// ExpiredBanGrace is how long an expired ban stays in Redis before the key
// TTL removes it. Until then lazy expiry in ban.Registry deletes it first.
const ExpiredBanGrace = time.Hour

// DefaultRedisPrefix namespaces every key written by RedisBanStore.
const DefaultRedisPrefix = "postguard:"

// RedisConfig holds connection settings for DialRedis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisBanStore keeps bans in Redis so several instances share one ban list.
// Layout: <prefix>ban:<fingerprint> → JSON entry, <prefix>banid:<id> → fingerprint.
type RedisBanStore struct {
	client *redis.Client
	prefix string
}

// DialRedis connects and pings with a 5s bound.
func DialRedis(cfg RedisConfig) (*RedisBanStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("storage: redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("storage: redis ping failed: %w", err)
	}
	return NewRedisBanStore(client, cfg.Prefix), nil
}

// NewRedisBanStore wraps an existing client. An empty prefix uses
// DefaultRedisPrefix.
func NewRedisBanStore(client *redis.Client, prefix string) *RedisBanStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBanStore{client: client, prefix: prefix}
}

func (s *RedisBanStore) banKey(fingerprint string) string {
	return s.prefix + "ban:" + fingerprint
}

func (s *RedisBanStore) idKey(id string) string {
	return s.prefix + "banid:" + id
}

func (s *RedisBanStore) Lookup(ctx context.Context, fingerprint string) (*ban.Entry, error) {
	data, err := s.client.Get(ctx, s.banKey(fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: redis lookup: %w", err)
	}
	var e ban.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("storage: decode ban: %w", err)
	}
	return &e, nil
}

// Delete removes the ban with the given ID. The ID key is watched so a
// concurrent re-ban under a new ID is never removed.
func (s *RedisBanStore) Delete(ctx context.Context, id string) error {
	idKey := s.idKey(id)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		fp, err := tx.Get(ctx, idKey).Result()
		if errors.Is(err, redis.Nil) {
			return ban.ErrNotFound
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, idKey)
			pipe.Del(ctx, s.banKey(fp))
			return nil
		})
		return err
	}, idKey)
	if errors.Is(err, redis.TxFailedErr) {
		return ban.ErrNotFound
	}
	return err
}

// Put stores e, replacing any previous ban for the same fingerprint.
func (s *RedisBanStore) Put(ctx context.Context, e ban.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("storage: encode ban: %w", err)
	}
	key := s.banKey(e.Fingerprint)
	ttl := keyTTL(e, time.Now())
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		var prevID string
		if old, err := tx.Get(ctx, key).Bytes(); err == nil {
			var prev ban.Entry
			if json.Unmarshal(old, &prev) == nil {
				prevID = prev.ID
			}
		} else if !errors.Is(err, redis.Nil) {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if prevID != "" && prevID != e.ID {
				pipe.Del(ctx, s.idKey(prevID))
			}
			pipe.Set(ctx, key, data, ttl)
			pipe.Set(ctx, s.idKey(e.ID), e.Fingerprint, ttl)
			return nil
		})
		return err
	}, key)
}

// List scans every ban key, newest first.
func (s *RedisBanStore) List(ctx context.Context) ([]ban.Entry, error) {
	var out []ban.Entry
	iter := s.client.Scan(ctx, 0, s.prefix+"ban:*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue // deleted between SCAN and GET
		}
		var e ban.Entry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("storage: redis scan: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BannedAt.After(out[j].BannedAt) })
	return out, nil
}

func (s *RedisBanStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisBanStore) Close() error {
	return s.client.Close()
}

// keyTTL returns the Redis expiry for e's keys: zero for a permanent ban,
// otherwise the time left plus ExpiredBanGrace, never below one second.
func keyTTL(e ban.Entry, now time.Time) time.Duration {
	if e.ExpiresAt == nil {
		return 0
	}
	ttl := e.ExpiresAt.Sub(now) + ExpiredBanGrace
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}
