// Package store exposes read-only projections of domain entities for the Ready snapshot, plus the two presence writes
// and the session quota the gateway owns. The backing schema is a wide-column database maintained by other services;
// rows are surfaced as raw maps so the codec's integer normalization applies uniformly.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record does not exist. It is never a protocol error: callers synthesize defaults for
// optional records (presence, settings, quota) and treat it as fatal only where a record is mandatory.
var ErrNotFound = errors.New("record not found")

// Row is a raw wide-column record keyed by column name.
type Row = map[string]any

// Relationship pairs a relationship payload with the target's id so the caller can look up friend presences. The Row
// holds the wire shape: the relationship type plus an embedded, redacted user object.
type Relationship struct {
	TargetID uint64
	Type     int
	Row      Row
}

// Relationship types as stored in the relationships table.
const (
	RelationshipFriend = 0
	RelationshipBlock  = 1
)

// Store provides the selectors used while assembling the Ready snapshot and the presence writes tied to the session
// lifecycle. All methods may block on the database and must be called off the socket read/write goroutines' hot path.
type Store interface {
	UserByID(ctx context.Context, userID uint64) (Row, error)
	UserPasswordHash(ctx context.Context, userID uint64) (string, error)

	JoinedGuildIDs(ctx context.Context, userID uint64) ([]uint64, error)
	Guild(ctx context.Context, guildID uint64) (Row, error)
	GuildChannels(ctx context.Context, guildID uint64) ([]Row, error)
	GuildRoles(ctx context.Context, guildID uint64) ([]Row, error)
	GuildFeatures(ctx context.Context, guildID uint64) ([]string, error)

	Relationships(ctx context.Context, userID uint64) ([]Relationship, error)
	Presence(ctx context.Context, userID uint64) (Row, error)
	Activities(ctx context.Context, userID uint64) ([]Row, error)
	ReadStates(ctx context.Context, userID uint64) ([]Row, error)
	Settings(ctx context.Context, userID uint64) (Row, error)
	UserDMChannels(ctx context.Context, userID uint64) (direct, grouped []Row, err error)

	PresenceUpsert(ctx context.Context, userID uint64, status, clientStatus string) error
	PresenceMarkInvisible(ctx context.Context, userID uint64) error
}

// SessionLimiter tracks the per-user session quota. SessionLimitDec atomically decrements the remaining allowance,
// creating the record with the default quota on first use, and returns false when the quota is exhausted.
type SessionLimiter interface {
	SessionLimitDec(ctx context.Context, userID uint64) (bool, error)
}

// Presence statuses.
const (
	StatusOnline    = "online"
	StatusInvisible = "invisible"
)

// redactUser strips credentials from an embedded user row. Returns a copy; stored rows are never mutated.
func redactUser(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		if k == "password" || k == "email" {
			continue
		}
		out[k] = v
	}
	return out
}

// redactSettings strips the MFA secret from a settings row.
func redactSettings(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		if k == "mfa_code" {
			continue
		}
		out[k] = v
	}
	return out
}

// rowString reads a string column, tolerating missing or null values.
func rowString(row Row, key string) string {
	s, _ := row[key].(string)
	return s
}

// rowInt reads an integer column. Scylla integers scan as int or int64 depending on column width.
func rowInt(row Row, key string) int {
	switch v := row[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	default:
		return 0
	}
}

// rowUint64 reads a bigint id column.
func rowUint64(row Row, key string) uint64 {
	switch v := row[key].(type) {
	case int64:
		return uint64(v)
	case int:
		return uint64(v)
	case uint64:
		return v
	default:
		return 0
	}
}
