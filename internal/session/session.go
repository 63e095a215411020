package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

var ErrSessionClosed = errors.New("session closed")

type State int32

const (
	StateConnecting State = iota
	StateSnapshotting
	StateLive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSnapshotting:
		return "snapshotting"
	case StateLive:
		return "live"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Conn is the transport connection a session is bound to.
type Conn interface {
	ID() string
	Close() error
}

// Emitter delivers a named event to every connection joined to room.
type Emitter interface {
	EmitToRoom(room, event string, payload any) error
}

// Detacher is a feed subscription owned by a session.
type Detacher interface {
	Detach()
}

// Session ties a user id to one live connection and the feed subscriptions
// opened for it. Events are addressed to the room named after the
// connection id, which only that connection ever joins. Once closed it
// emits nothing further.
type Session struct {
	ID     string
	UserID string

	conn    Conn
	emitter Emitter
	ctx     context.Context
	cancel  context.CancelFunc

	state  atomic.Int32
	closed atomic.Bool

	mu      sync.Mutex
	handles []Detacher

	closeOnce sync.Once
	closeErr  error
}

func New(ctx context.Context, userID string, conn Conn, emitter Emitter) *Session {
	sctx, cancel := context.WithCancel(ctx)
	return &Session{
		ID:      uuid.NewString(),
		UserID:  userID,
		conn:    conn,
		emitter: emitter,
		ctx:     sctx,
		cancel:  cancel,
	}
}

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context { return s.ctx }

func (s *Session) Conn() Conn { return s.conn }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) Closed() bool { return s.closed.Load() }

// Advance moves the session forward to next. It reports false when the
// session is already at or past next, which includes any closed session.
func (s *Session) Advance(next State) bool {
	for {
		cur := s.state.Load()
		if State(cur) >= next || State(cur) == StateDisconnected {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

// Attach hands h to the session. When the session is already closed h is
// detached immediately and Attach reports false.
func (s *Session) Attach(h Detacher) bool {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		h.Detach()
		return false
	}
	s.handles = append(s.handles, h)
	s.mu.Unlock()
	return true
}

// Emit writes the event to the session's own connection. A write racing
// with Close can only reach that connection, which Close tears down.
func (s *Session) Emit(event string, payload any) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return s.emitter.EmitToRoom(s.conn.ID(), event, payload)
}

// Close detaches every subscription, cancels the session context and closes
// the connection. It does not wait for an emit in progress. Only the first
// call has any effect.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed.Store(true)
		s.state.Store(int32(StateDisconnected))
		handles := s.handles
		s.handles = nil
		s.mu.Unlock()

		for _, h := range handles {
			h.Detach()
		}
		s.cancel()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
