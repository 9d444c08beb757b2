package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// sessionData is the JSON structure persisted in Valkey for a disconnected session.
type sessionData struct {
	UserID         uint64 `json:"user_id"`
	LastSeq        uint64 `json:"last_seq"`
	DisconnectedAt int64  `json:"disconnected_at"`
}

// SessionStore persists disconnected sessions and their replay buffers in Valkey. A session is saved when a
// resumable close happens and loaded when the client comes back with op 6. Replay entries store the event name and
// payload rather than wire bytes, because the resumed connection may negotiate a different encoding than the one the
// event was originally sent over.
type SessionStore struct {
	rdb       redis.UniversalClient
	ttl       time.Duration
	maxReplay int
}

// NewSessionStore creates a session store backed by the given Valkey client. ttl bounds how long a dropped session
// stays resumable; maxReplay caps the per-session replay buffer length.
func NewSessionStore(rdb redis.UniversalClient, ttl time.Duration, maxReplay int) *SessionStore {
	return &SessionStore{rdb: rdb, ttl: ttl, maxReplay: maxReplay}
}

func sessionKey(sessionID string) string { return "gwsession:" + sessionID }
func replayKey(sessionID string) string  { return "gwreplay:" + sessionID }

// Save persists a session at disconnect. The session record and replay buffer share the same TTL so they expire
// together.
func (s *SessionStore) Save(ctx context.Context, sessionID string, userID, lastSeq uint64) error {
	data, err := json.Marshal(sessionData{
		UserID:         userID,
		LastSeq:        lastSeq,
		DisconnectedAt: time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, sessionKey(sessionID), data, s.ttl)
	pipe.Expire(ctx, replayKey(sessionID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LoadedSession is the restored state for a resuming session.
type LoadedSession struct {
	UserID  uint64
	LastSeq uint64
}

// Load retrieves a saved session. Returns ErrSessionNotFound when the session does not exist or has expired.
func (s *SessionStore) Load(ctx context.Context, sessionID string) (*LoadedSession, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(sessionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	var sd sessionData
	if err := json.Unmarshal(raw, &sd); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &LoadedSession{UserID: sd.UserID, LastSeq: sd.LastSeq}, nil
}

// Delete removes a session record and its replay buffer after a successful resume.
func (s *SessionStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, sessionKey(sessionID), replayKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ReplayedEvent is one buffered dispatch restored for a resuming session. It is re-encoded with the new connection's
// codec but keeps its original sequence number.
type ReplayedEvent struct {
	Seq  uint64 `json:"s"`
	Name string `json:"t"`
	Data any    `json:"d"`
}

// AppendReplay records a dispatched event in the session's replay buffer. The buffer is capped with LTRIM and its
// TTL refreshed on each append.
func (s *SessionStore) AppendReplay(ctx context.Context, sessionID string, seq uint64, name string, data any) error {
	entry, err := json.Marshal(ReplayedEvent{Seq: seq, Name: name, Data: data})
	if err != nil {
		return fmt.Errorf("marshal replay entry: %w", err)
	}

	key := replayKey(sessionID)
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, key, entry)
	pipe.LTrim(ctx, key, int64(-s.maxReplay), -1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append replay: %w", err)
	}
	return nil
}

// Replay returns buffered events with sequence numbers strictly greater than afterSeq, oldest first.
func (s *SessionStore) Replay(ctx context.Context, sessionID string, afterSeq uint64) ([]ReplayedEvent, error) {
	raw, err := s.rdb.LRange(ctx, replayKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read replay buffer: %w", err)
	}

	var result []ReplayedEvent
	for _, item := range raw {
		var entry ReplayedEvent
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		if entry.Seq > afterSeq {
			result = append(result, entry)
		}
	}
	return result, nil
}
