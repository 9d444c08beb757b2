package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/discend-chat/discend-gateway/internal/codec"
	"github.com/discend-chat/discend-gateway/internal/token"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound WebSocket message.
	maxMessageSize = 4096

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// storeTimeout bounds individual best-effort store and replay writes.
	storeTimeout = 5 * time.Second
)

// frameReq is one outbound frame waiting in the session's send buffer. Sequenced frames get their sequence number
// stamped at write time by the single writer goroutine; replayed frames arrive with their original number pre-set.
type frameReq struct {
	op        int
	name      string
	data      any
	sequenced bool
	seq       *uint64
}

// Session is a single WebSocket connection. It runs two goroutines: readPump routes inbound frames by opcode and
// writePump owns the codec, the sequence counter, and the socket writes.
type Session struct {
	reg   *Registry
	conn  *websocket.Conn
	codec *codec.Codec
	log   zerolog.Logger

	out    chan frameReq
	closed chan struct{}

	mu         sync.RWMutex
	userID     uint64
	sessionID  string
	guildIDs   []uint64
	intents    uint64
	identified bool

	floodgates atomic.Bool
	seq        atomic.Uint64
	closeOnce  sync.Once
}

func newSession(reg *Registry, conn *websocket.Conn, cdc *codec.Codec) *Session {
	return &Session{
		reg:   reg,
		conn:  conn,
		codec: cdc,
		// The connection id correlates log lines before the session has an identity.
		log:    reg.log.With().Str("conn_id", uuid.NewString()).Logger(),
		out:    make(chan frameReq, reg.cfg.SendBufferSize),
		closed: make(chan struct{}),
	}
}

// UserID returns the authenticated user id, zero until identified.
func (s *Session) UserID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// SessionID returns the session identifier, empty until identified.
func (s *Session) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// GuildIDs returns the guilds the session is subscribed to.
func (s *Session) GuildIDs() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.guildIDs
}

// Intents returns the event-intent bitfield bound at identify.
func (s *Session) Intents() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.intents
}

// Identified reports whether the session has completed identify or resume.
func (s *Session) Identified() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identified
}

// sendOp enqueues a control frame.
func (s *Session) sendOp(op int, data any) error {
	return s.enqueue(frameReq{op: op, data: data})
}

// sendEvent enqueues a sequenced dispatch frame.
func (s *Session) sendEvent(name string, data any) error {
	return s.enqueue(frameReq{op: OpDispatch, name: name, data: data, sequenced: true})
}

// sendReplay enqueues a replayed dispatch carrying its original sequence number.
func (s *Session) sendReplay(ev ReplayedEvent) error {
	seq := ev.Seq
	return s.enqueue(frameReq{op: OpDispatch, name: ev.Name, data: ev.Data, sequenced: true, seq: &seq})
}

// enqueue hands a frame to the writer. A full buffer means the client is not keeping up; the session is closed
// resumable rather than letting backpressure stall dispatch.
func (s *Session) enqueue(req frameReq) error {
	select {
	case <-s.closed:
		return ErrSendBufferFull
	default:
	}
	select {
	case s.out <- req:
		return nil
	default:
		s.log.Warn().Str("session_id", s.SessionID()).Msg("send buffer full, closing session")
		go s.close(CloseUnknownError, "send buffer overflow", true)
		return ErrSendBufferFull
	}
}

// writePump writes buffered frames to the socket and keeps the connection alive with periodic pings. It is the only
// goroutine touching the codec and the sequence counter.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.reg.cfg.PingInterval)
	defer ticker.Stop()
	defer func() { _ = s.conn.Close() }()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			_ = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		case req := <-s.out:
			if err := s.writeFrame(req); err != nil {
				s.log.Debug().Err(err).Msg("websocket write error")
				return
			}
		}
	}
}

// stampFrame turns a queued request into a wire frame. Sequenced frames without a pre-set number consume the next
// value of the session counter; control frames consume none.
func (s *Session) stampFrame(req frameReq) codec.Frame {
	f := codec.Frame{Op: req.op, Data: req.data}
	if !req.sequenced {
		return f
	}
	var seq uint64
	if req.seq != nil {
		seq = *req.seq
	} else {
		seq = s.seq.Add(1)
	}
	f.Seq = &seq
	f.Type = &req.name
	return f
}

func (s *Session) writeFrame(req frameReq) error {
	f := s.stampFrame(req)
	payload, binary, err := s.codec.EncodeFrame(f)
	if err != nil {
		return err
	}
	messageType := websocket.TextMessage
	if binary {
		messageType = websocket.BinaryMessage
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(messageType, payload); err != nil {
		return err
	}

	// Record freshly sequenced dispatches for resume. Replayed frames are already in the buffer.
	if req.sequenced && req.seq == nil && s.reg.resume != nil {
		if sessionID := s.SessionID(); sessionID != "" {
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			if err := s.reg.resume.AppendReplay(ctx, sessionID, *f.Seq, req.name, req.data); err != nil {
				s.log.Warn().Err(err).Msg("failed to append to replay buffer")
			}
			cancel()
		}
	}
	return nil
}

// readPump reads frames from the socket and routes them by opcode. It runs on the upgrade handler's goroutine and
// owns session teardown when the loop exits.
func (s *Session) readPump() {
	defer func() {
		if rec := recover(); rec != nil {
			sentry.CurrentHub().Recover(rec)
			s.log.Error().Interface("panic", rec).Msg("session panicked")
			s.close(CloseUnknownError, "unknown error, please reconnect", true)
		}
		s.close(CloseUnknownError, "connection closed", true)
	}()

	cfg := s.reg.cfg
	s.conn.SetReadLimit(maxMessageSize)
	readDeadline := cfg.PingInterval + cfg.PingTimeout
	_ = s.conn.SetReadDeadline(time.Now().Add(readDeadline))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	identifyTimer := time.AfterFunc(cfg.IdentifyTimeout, func() {
		if !s.Identified() {
			s.close(CloseSessionTimedOut, "identify timeout", false)
		}
	})
	defer identifyTimer.Stop()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}

		msg, err := s.codec.Decode(raw)
		if err != nil {
			s.close(CloseDecodeError, "invalid frame payload", false)
			return
		}

		switch msg.Op {
		case OpIdentify:
			identifyTimer.Stop()
			if err := s.handleIdentify(msg.Data); err != nil {
				return
			}
		case OpResume:
			identifyTimer.Stop()
			if err := s.handleResume(msg.Data); err != nil {
				return
			}
		default:
			s.close(CloseUnknownOpcode, "invalid opcode", false)
			return
		}
	}
}

// handleIdentify processes an op 2 payload: authenticate, bind, snapshot, drain, open floodgates. A non-nil return
// means the session is closed and the read loop must exit.
func (s *Session) handleIdentify(raw []byte) error {
	if s.Identified() {
		s.close(CloseAlreadyIdentified, "already identified", true)
		return ErrAlreadyIdentified
	}

	var id IdentifyData
	if err := s.codec.DecodeData(raw, &id); err != nil || !id.Validate() {
		s.close(CloseInvalidData, "invalid identify payload", false)
		return fmt.Errorf("identify: %w", codec.ErrBadFrame)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	userID, err := token.Validate(ctx, id.Token, s.reg.store.UserPasswordHash)
	if err != nil {
		s.close(CloseInvalidToken, "invalid token", false)
		return err
	}

	allowed, err := s.reg.limiter.SessionLimitDec(ctx, userID)
	if err != nil {
		return s.internalError(err, "session quota check failed")
	}
	if !allowed {
		s.close(CloseSessionLimited, "session limit for today reached", false)
		return fmt.Errorf("user %d exhausted session quota", userID)
	}

	guildIDs, err := s.reg.store.JoinedGuildIDs(ctx, userID)
	if err != nil {
		return s.internalError(err, "failed to load joined guilds")
	}

	s.mu.Lock()
	s.userID = userID
	s.sessionID = NewSessionID()
	s.guildIDs = guildIDs
	s.intents = id.Intents
	s.identified = true
	s.mu.Unlock()

	s.reg.Bind(s)

	if err := s.reg.applyPresence(ctx, userID, id.Properties.ClientStatus()); err != nil {
		s.log.Warn().Err(err).Uint64("user_id", userID).Msg("failed to apply presence")
	}

	ready, err := s.reg.assembleReady(ctx, userID, s.SessionID(), guildIDs)
	if err != nil {
		return s.internalError(err, "failed to assemble ready payload")
	}
	if err := s.sendEvent("READY", ready); err != nil {
		return err
	}

	for _, guildID := range guildIDs {
		guild, err := s.reg.assembleGuild(ctx, guildID)
		if err != nil {
			return s.internalError(err, "failed to assemble guild payload")
		}
		if err := s.sendEvent("GUILD_CREATE", guild); err != nil {
			return err
		}
	}

	if err := s.goLive(); err != nil {
		return err
	}

	s.log.Info().Uint64("user_id", userID).Str("session_id", s.SessionID()).Msg("session identified")
	return nil
}

// handleResume processes an op 6 payload: validate the token and saved session, rebind, replay missed events, then
// drain and open floodgates. An unknown, expired, or mismatched session closes with CloseSessionTimedOut and
// requires a fresh identify.
func (s *Session) handleResume(raw []byte) error {
	if s.Identified() {
		s.close(CloseAlreadyIdentified, "already identified", true)
		return ErrAlreadyIdentified
	}

	var rd ResumeData
	if err := s.codec.DecodeData(raw, &rd); err != nil || !rd.Validate() {
		s.close(CloseInvalidData, "invalid resume payload", false)
		return fmt.Errorf("resume: %w", codec.ErrBadFrame)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	userID, err := token.Validate(ctx, rd.Token, s.reg.store.UserPasswordHash)
	if err != nil {
		s.close(CloseInvalidToken, "invalid token", false)
		return err
	}

	if s.reg.resume == nil {
		s.close(CloseSessionTimedOut, "session expired or unknown", false)
		return ErrSessionNotFound
	}

	loaded, err := s.reg.resume.Load(ctx, rd.SessionID)
	if err != nil {
		s.close(CloseSessionTimedOut, "session expired or unknown", false)
		return err
	}
	if loaded.UserID != userID || rd.Seq > loaded.LastSeq {
		s.close(CloseSessionTimedOut, "session expired or unknown", false)
		return ErrSessionNotFound
	}

	if err := s.reg.Rebind(s, rd.SessionID, userID); err != nil {
		s.close(CloseSessionTimedOut, "session expired or unknown", false)
		return err
	}
	s.seq.Store(loaded.LastSeq)

	replays, err := s.reg.resume.Replay(ctx, rd.SessionID, rd.Seq)
	if err != nil {
		return s.internalError(err, "failed to load replay buffer")
	}
	for _, ev := range replays {
		if err := s.sendReplay(ev); err != nil {
			return err
		}
	}
	if err := s.reg.resume.Delete(ctx, rd.SessionID); err != nil {
		s.log.Warn().Err(err).Msg("failed to delete session after resume")
	}

	if err := s.sendEvent("RESUMED", map[string]any{}); err != nil {
		return err
	}

	// Keep whatever client_status the presence row already carries; resume payloads do not repeat the properties.
	if err := s.reg.applyPresence(ctx, userID, ""); err != nil {
		s.log.Warn().Err(err).Uint64("user_id", userID).Msg("failed to apply presence")
	}

	if err := s.goLive(); err != nil {
		return err
	}

	s.log.Info().Uint64("user_id", userID).Str("session_id", rd.SessionID).
		Int("replayed", len(replays)).Msg("session resumed")
	return nil
}

// goLive drains the session's pending queue and opens its floodgates. An overflowed queue cannot be replayed, so the
// session is closed with a code that sends the client back to a fresh identify instead of a doomed resume.
func (s *Session) goLive() error {
	if err := s.reg.Drain(s); err != nil {
		if errors.Is(err, ErrPendingOverflow) {
			s.close(CloseSessionTimedOut, "event buffer overflow", false)
		}
		return err
	}
	return nil
}

// internalError reports an unexpected failure and closes the session resumable.
func (s *Session) internalError(err error, msg string) error {
	sentry.CaptureException(err)
	s.log.Error().Err(err).Msg(msg)
	s.close(CloseUnknownError, "internal error, please reconnect", true)
	return err
}

// close tears the session down exactly once: close frame, socket close, session persistence, presence, and registry
// removal. Safe to call from any goroutine.
func (s *Session) close(code int, reason string, resumable bool) {
	s.closeOnce.Do(func() {
		if s.conn != nil {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		}
		close(s.closed)
		if s.conn != nil {
			_ = s.conn.Close()
		}

		if !s.Identified() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()

		if resumable && s.reg.resume != nil {
			if err := s.reg.resume.Save(ctx, s.SessionID(), s.UserID(), s.seq.Load()); err != nil {
				s.log.Warn().Err(err).Str("session_id", s.SessionID()).Msg("failed to save session on close")
			}
		}
		if err := s.reg.store.PresenceMarkInvisible(ctx, s.UserID()); err != nil {
			s.log.Warn().Err(err).Uint64("user_id", s.UserID()).Msg("failed to mark presence invisible")
		}
		s.reg.Close(s, resumable)
	})
}

// shutdown closes the connection without touching the registry. Called by Registry.Shutdown after it has detached
// the session from its own maps.
func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		if s.conn != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		}
		close(s.closed)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}
