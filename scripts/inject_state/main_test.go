// Package main, unit tests for inject_state helper functions.
//
// main() needs a real bbolt database and is exercised by hand; the helpers
// that decide the record shape are tested here.
package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecord_Permanent(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := newRecord("abc", "spam", now, 0)
	assert.NotEmpty(t, rec.ID)
	assert.Nil(t, rec.ExpiresAt)
	assert.Equal(t, now, rec.BannedAt)
}

func TestNewRecord_AlreadyExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := newRecord("abc", "", now, -time.Hour)
	require.NotNil(t, rec.ExpiresAt)
	assert.True(t, rec.ExpiresAt.Before(now))
	assert.True(t, rec.BannedAt.Before(*rec.ExpiresAt))
}

func TestNewRecord_JSONMatchesBanEntry(t *testing.T) {
	rec := newRecord("abc", "", time.Now(), time.Hour)
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	for _, k := range []string{"id", "ip_hash", "banned_at", "expires_at"} {
		assert.Contains(t, fields, k)
	}
	assert.NotContains(t, fields, "reason", "empty reason is omitted")
}
