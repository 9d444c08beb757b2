package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/discend-chat/discend-gateway/internal/codec"
	"github.com/discend-chat/discend-gateway/internal/config"
	"github.com/discend-chat/discend-gateway/internal/event"
	"github.com/discend-chat/discend-gateway/internal/store"
)

// Registry is the central session registry and event distributor. It owns the guild index used for addressed
// dispatch, buffers events for sessions that are still loading or within their resume grace, and drives the
// identify/resume flows through the store and limiter.
type Registry struct {
	store   store.Store
	limiter store.SessionLimiter
	resume  *SessionStore
	cfg     *config.Config
	log     zerolog.Logger

	mu         sync.Mutex
	sessions   map[string]*Session
	tombstones map[string]*tombstone
	guildIndex map[uint64]map[string]struct{}
	pending    map[string]*pendingQueue
}

// tombstone keeps a dropped session addressable during its resume grace so events keep accumulating in its pending
// queue.
type tombstone struct {
	userID   uint64
	guildIDs []uint64
	intents  uint64
	timer    *time.Timer
}

// pendingQueue buffers events for a session whose floodgates are closed. When the buffer hits the configured cap the
// queue goes lossy and the session can no longer be brought up to date.
type pendingQueue struct {
	events []*event.Event
	lossy  bool
}

// NewRegistry creates the registry. resume may be nil, which disables session resumption entirely.
func NewRegistry(st store.Store, limiter store.SessionLimiter, resume *SessionStore, cfg *config.Config, logger zerolog.Logger) *Registry {
	return &Registry{
		store:      st,
		limiter:    limiter,
		resume:     resume,
		cfg:        cfg,
		log:        logger.With().Str("component", "gateway").Logger(),
		sessions:   make(map[string]*Session),
		tombstones: make(map[string]*tombstone),
		guildIndex: make(map[uint64]map[string]struct{}),
		pending:    make(map[string]*pendingQueue),
	}
}

// ServeWebSocket runs the protocol on an upgraded connection. The handshake query parameters are validated here so a
// bad handshake gets a proper 4001 close instead of a silent drop.
func (r *Registry) ServeWebSocket(conn *websocket.Conn, version, encoding, compressRaw string) {
	if version != "1" {
		closeHandshake(conn, "invalid api version")
		return
	}
	if !codec.ValidEncoding(encoding) {
		closeHandshake(conn, "invalid encoding type")
		return
	}
	var compress bool
	switch compressRaw {
	case "true":
		compress = true
	case "", "false":
	default:
		closeHandshake(conn, "invalid compress type")
		return
	}

	s := newSession(r, conn, codec.New(encoding, compress))
	go s.writePump()

	if err := s.sendOp(OpHello, HelloData{RateLimit: r.cfg.CommandRateLimit}); err != nil {
		_ = conn.Close()
		return
	}
	s.readPump()
}

func closeHandshake(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(CloseInvalidHandshake, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

// Dispatch routes an event to the sessions it addresses. Exactly one addressing field is honored: guild_id wins over
// guild_ids, which wins over user_id, which wins over user_ids. Plural fields fan out as singular copies so each
// delivery looks the same on the wire.
func (r *Registry) Dispatch(ev *event.Event) {
	switch {
	case ev.GuildID != nil:
		r.dispatchGuild(ev)
	case len(ev.GuildIDs) > 0:
		for _, gid := range ev.GuildIDs {
			r.dispatchGuild(ev.ForGuild(gid))
		}
	case ev.UserID != nil:
		r.dispatchUser(ev)
	case len(ev.UserIDs) > 0:
		for _, uid := range ev.UserIDs {
			r.dispatchUser(ev.ForUser(uid))
		}
	default:
		r.log.Debug().Str("event", ev.Name).Msg("event carries no addressing, dropped")
	}
}

func (r *Registry) dispatchGuild(ev *event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sessionID := range r.guildIndex[*ev.GuildID] {
		r.deliverLocked(sessionID, ev)
	}
}

func (r *Registry) dispatchUser(ev *event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// A user may hold several sessions; every one of them gets the event.
	for sessionID, s := range r.sessions {
		if s.UserID() == *ev.UserID {
			r.deliverLocked(sessionID, ev)
		}
	}
	for sessionID, ts := range r.tombstones {
		if ts.userID == *ev.UserID {
			r.appendPendingLocked(sessionID, ev)
		}
	}
}

// deliverLocked sends an event to a live session with open floodgates, or buffers it otherwise. Callers hold r.mu.
func (r *Registry) deliverLocked(sessionID string, ev *event.Event) {
	if s, ok := r.sessions[sessionID]; ok {
		if s.floodgates.Load() {
			_ = s.sendEvent(ev.Name, ev.Data)
			return
		}
	} else if _, ok := r.tombstones[sessionID]; !ok {
		return
	}
	r.appendPendingLocked(sessionID, ev)
}

func (r *Registry) appendPendingLocked(sessionID string, ev *event.Event) {
	q := r.pending[sessionID]
	if q == nil {
		q = &pendingQueue{}
		r.pending[sessionID] = q
	}
	if q.lossy {
		return
	}
	if len(q.events) >= r.cfg.PendingQueueCap {
		q.lossy = true
		r.log.Warn().Str("session_id", sessionID).Msg("pending queue overflowed, session marked lossy")
		return
	}
	q.events = append(q.events, ev)
}

// Bind registers an identified session and indexes it under each of its guilds. Events start buffering from this
// point; the session drains them after its snapshot.
func (r *Registry) Bind(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID := s.SessionID()
	r.sessions[sessionID] = s
	for _, gid := range s.GuildIDs() {
		set := r.guildIndex[gid]
		if set == nil {
			set = make(map[string]struct{})
			r.guildIndex[gid] = set
		}
		set[sessionID] = struct{}{}
	}
	r.log.Debug().Str("session_id", sessionID).Int("total", len(r.sessions)).Msg("session bound")
}

// Rebind attaches a new connection to a tombstoned session, adopting its identity and guild memberships. Returns
// ErrSessionNotFound when the tombstone is missing, expired, or belongs to another user.
func (r *Registry) Rebind(s *Session, sessionID string, userID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts, ok := r.tombstones[sessionID]
	if !ok || ts.userID != userID {
		return ErrSessionNotFound
	}
	ts.timer.Stop()
	delete(r.tombstones, sessionID)

	s.mu.Lock()
	s.userID = userID
	s.sessionID = sessionID
	s.guildIDs = ts.guildIDs
	s.intents = ts.intents
	s.identified = true
	s.mu.Unlock()

	r.sessions[sessionID] = s
	r.log.Debug().Str("session_id", sessionID).Msg("session rebound")
	return nil
}

// Drain flushes the session's pending queue and opens its floodgates. Events that arrive mid-drain land at the tail
// and are flushed on the next pass; the floodgates flip inside the same critical section that observes the queue
// empty, so no event can slip between the last flush and live delivery. Returns ErrPendingOverflow when the queue
// went lossy, in which case the session cannot be brought up to date and must be closed non-resumable.
func (r *Registry) Drain(s *Session) error {
	sessionID := s.SessionID()
	for {
		r.mu.Lock()
		q := r.pending[sessionID]
		if q != nil && q.lossy {
			delete(r.pending, sessionID)
			r.mu.Unlock()
			return ErrPendingOverflow
		}
		if q == nil || len(q.events) == 0 {
			s.floodgates.Store(true)
			delete(r.pending, sessionID)
			r.mu.Unlock()
			return nil
		}
		batch := q.events
		q.events = nil
		r.mu.Unlock()

		for _, ev := range batch {
			if err := s.sendEvent(ev.Name, ev.Data); err != nil {
				return err
			}
		}
	}
}

// Close removes a session from the registry. A resumable close leaves a tombstone holding the guild index entries
// and pending queue for the resume grace; anything else tears the session down immediately.
func (r *Registry) Close(s *Session, resumable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID := s.SessionID()
	if cur, ok := r.sessions[sessionID]; !ok || cur != s {
		return
	}
	delete(r.sessions, sessionID)

	if resumable {
		ts := &tombstone{userID: s.UserID(), guildIDs: s.GuildIDs(), intents: s.Intents()}
		ts.timer = time.AfterFunc(r.cfg.ResumeGrace, func() { r.reap(sessionID) })
		r.tombstones[sessionID] = ts
		r.log.Debug().Str("session_id", sessionID).Msg("session tombstoned for resume")
		return
	}

	r.dropIndexLocked(sessionID, s.GuildIDs())
	delete(r.pending, sessionID)
	r.log.Debug().Str("session_id", sessionID).Msg("session removed")
}

// reap discards an expired tombstone along with its index entries and pending queue.
func (r *Registry) reap(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts, ok := r.tombstones[sessionID]
	if !ok {
		return
	}
	delete(r.tombstones, sessionID)
	r.dropIndexLocked(sessionID, ts.guildIDs)
	delete(r.pending, sessionID)
	r.log.Debug().Str("session_id", sessionID).Msg("resume grace expired, session reaped")
}

// dropIndexLocked removes a session from the guild index, pruning guilds with no sessions left. Callers hold r.mu.
func (r *Registry) dropIndexLocked(sessionID string, guildIDs []uint64) {
	for _, gid := range guildIDs {
		set := r.guildIndex[gid]
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.guildIndex, gid)
		}
	}
}

// Shutdown closes every live session with a Going Away status. Resumable state is persisted so clients can resume
// against the next process. Sessions are detached under the lock but closed outside it, because a concurrently
// closing session re-enters the registry.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	for sessionID, ts := range r.tombstones {
		ts.timer.Stop()
		delete(r.tombstones, sessionID)
	}
	detached := make([]*Session, 0, len(r.sessions))
	for sessionID, s := range r.sessions {
		detached = append(detached, s)
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()

	for _, s := range detached {
		if r.resume != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.resume.Save(ctx, s.SessionID(), s.UserID(), s.seq.Load()); err != nil {
				r.log.Warn().Err(err).Str("session_id", s.SessionID()).Msg("failed to save session at shutdown")
			}
			cancel()
		}
		s.shutdown()
	}
	r.log.Info().Msg("gateway registry shut down")
}

// SessionCount returns the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
