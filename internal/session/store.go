// Package session keeps one live backend connection per client session.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vanshika/graphlens/internal/domain"
	"github.com/vanshika/graphlens/internal/graph"
)

// closeTimeout bounds handle teardown performed in the background.
const closeTimeout = 10 * time.Second

// Connection is a live handle bound to a session.
type Connection struct {
	Session    string
	Descriptor domain.Descriptor
	Handle     graph.Handle
	Adapter    graph.Adapter
	OpenedAt   time.Time

	// running is closed when the backend call using the handle returns.
	// Guarded by the slot mutex.
	running   <-chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// busy reports whether a backend call is still using the handle.
func (c *Connection) busy() bool {
	if c == nil || c.running == nil {
		return false
	}
	select {
	case <-c.running:
		return false
	default:
		return true
	}
}

// close closes the handle once, however many paths release it.
func (c *Connection) close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Handle.Close(ctx)
	})
	return c.closeErr
}

// slot holds the state of one session. A dead slot has been removed from the
// store; whoever locks it afterwards must look the session up again.
type slot struct {
	mu       sync.Mutex
	conn     *Connection
	desc     domain.Descriptor
	lastUsed time.Time
	dead     bool

	seeded bool
	saved  []Saved
	active string
}

// Store maps session ids to live connections. Sessions never share a
// connection and there is no global lock: each session is serialized by its
// own slot mutex.
type Store struct {
	backends     graph.Backends
	logger       *slog.Logger
	slots        sync.Map // session id -> *slot
	closeWorkers int
	seeds        []Seed
	now          func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithCloseWorkers sets the concurrency used by CloseAll and EvictIdle.
func WithCloseWorkers(n int) Option {
	return func(s *Store) { s.closeWorkers = n }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore builds an empty store opening handles through backends.
func NewStore(backends graph.Backends, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		backends:     backends,
		logger:       logger,
		closeWorkers: defaultCloseWorkers,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lock returns the live slot of session, locked. A new slot is seeded with
// the store's saved connections.
func (s *Store) lock(session string) *slot {
	for {
		v, _ := s.slots.LoadOrStore(session, &slot{})
		sl := v.(*slot)
		sl.mu.Lock()
		if !sl.dead {
			if !sl.seeded {
				s.seed(sl)
			}
			return sl
		}
		sl.mu.Unlock()
	}
}

// retire removes a locked slot from the store.
func (s *Store) retire(session string, sl *slot) {
	sl.dead = true
	sl.conn = nil
	sl.desc = nil
	sl.saved = nil
	sl.active = ""
	s.slots.CompareAndDelete(session, sl)
}

// retireIfEmpty drops a locked slot that holds nothing worth keeping.
func (s *Store) retireIfEmpty(session string, sl *slot) {
	if sl.conn == nil && sl.desc == nil && len(sl.saved) == 0 {
		s.retire(session, sl)
	}
}

// release closes conn now, or once its backend call returns when it is busy.
// conn must already be detached from its slot.
func (s *Store) release(ctx context.Context, conn *Connection) error {
	if conn == nil {
		return nil
	}
	if conn.busy() {
		s.closeAfter(conn, conn.running)
		return nil
	}
	return closeConnections(ctx, []*Connection{conn}, 1)
}

// closeAfter closes conn in the background once after is closed, or
// immediately when after is nil.
func (s *Store) closeAfter(conn *Connection, after <-chan struct{}) {
	go func() {
		if after != nil {
			<-after
		}
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := conn.close(ctx); err != nil {
			s.logger.Warn("closing released connection failed", "session", conn.Session, "error", err)
			return
		}
		s.logger.Debug("released connection closed", "session", conn.Session)
	}()
}

// GetOrCreate returns the session's connection, opening one if needed.
//
// An existing connection is returned even when d describes a different
// backend. A nil d falls back to the descriptor on file for the session.
// When the open fails the error is a ConnectionError and nothing is stored.
func (s *Store) GetOrCreate(ctx context.Context, session string, d domain.Descriptor) (*Connection, error) {
	return s.acquire(ctx, session, d, nil)
}

// Acquire is GetOrCreate for a caller about to run a backend call on the
// connection. Until done is closed the connection counts as busy: Register
// refuses to switch targets and Close, EvictIdle and CloseAll defer the
// handle's close until the call returns.
func (s *Store) Acquire(ctx context.Context, session string, d domain.Descriptor, done <-chan struct{}) (*Connection, error) {
	return s.acquire(ctx, session, d, done)
}

func (s *Store) acquire(ctx context.Context, session string, d domain.Descriptor, done <-chan struct{}) (*Connection, error) {
	if session == "" {
		return nil, domain.Validationf("session id is required")
	}
	if d != nil {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}

	sl := s.lock(session)
	defer sl.mu.Unlock()

	sl.lastUsed = s.now()
	if sl.conn != nil {
		if done != nil {
			sl.conn.running = done
		}
		return sl.conn, nil
	}
	if d == nil {
		d = sl.desc
	}
	if d == nil {
		s.retireIfEmpty(session, sl)
		return nil, domain.Validationf("no connection configured for session")
	}

	adapter, err := s.backends.For(d)
	if err != nil {
		s.retireIfEmpty(session, sl)
		return nil, domain.ConnectionFailed(err.Error(), err)
	}

	start := s.now()
	h, err := adapter.Open(ctx, d)
	if err != nil {
		s.retireIfEmpty(session, sl)
		s.logger.Warn("failed to open connection", "session", session, "backend", d.Kind(), "error", err)
		return nil, domain.ConnectionFailed(fmt.Sprintf("connect to %s: %s", d.Kind(), graph.Explain(err).Message), err)
	}

	conn := &Connection{
		Session:    session,
		Descriptor: d,
		Handle:     h,
		Adapter:    adapter,
		OpenedAt:   s.now(),
		running:    done,
	}
	sl.conn = conn
	sl.desc = d
	s.logger.Info("connection opened",
		"session", session,
		"backend", d.Kind(),
		"durationMs", s.now().Sub(start).Milliseconds(),
	)
	return conn, nil
}

// Register records the descriptor used when a session next needs a
// connection. A live connection to a different target is closed; one to the
// same target is kept. While a query is running on the live connection a
// different target is refused with a ConflictError.
func (s *Store) Register(ctx context.Context, session string, d domain.Descriptor) error {
	if session == "" {
		return domain.Validationf("session id is required")
	}
	if d == nil {
		return domain.Validationf("connection descriptor is required")
	}
	if err := d.Validate(); err != nil {
		return err
	}

	sl := s.lock(session)
	defer sl.mu.Unlock()
	if err := s.switchTo(ctx, session, sl, d); err != nil {
		return err
	}
	sl.active = ""
	return nil
}

// switchTo points a locked slot at d, closing a live connection to another
// target.
func (s *Store) switchTo(ctx context.Context, session string, sl *slot, d domain.Descriptor) error {
	var stale *Connection
	if sl.conn != nil && sl.conn.Descriptor.Key() != d.Key() {
		if sl.conn.busy() {
			return domain.Conflictf("a query is running for this session, cancel it before switching connections")
		}
		stale = sl.conn
		sl.conn = nil
	}
	sl.desc = d
	sl.lastUsed = s.now()

	if stale == nil {
		return nil
	}
	s.logger.Info("connection replaced", "session", session, "backend", d.Kind())
	if err := closeConnections(ctx, []*Connection{stale}, 1); err != nil {
		s.logger.Warn("closing replaced connection failed", "session", session, "error", err)
	}
	return nil
}

// Descriptor returns the descriptor on file for session.
func (s *Store) Descriptor(session string) (domain.Descriptor, bool) {
	v, ok := s.slots.Load(session)
	if !ok {
		return nil, false
	}
	sl := v.(*slot)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.dead || sl.desc == nil {
		return nil, false
	}
	return sl.desc, true
}

// Close ends a session: its connection is closed and its descriptor and
// saved connections forgotten. A connection still running a query is closed
// once the query's backend call returns. Closing an unknown session is a
// no-op.
func (s *Store) Close(ctx context.Context, session string) error {
	v, ok := s.slots.Load(session)
	if !ok {
		return nil
	}
	sl := v.(*slot)
	sl.mu.Lock()
	if sl.dead {
		sl.mu.Unlock()
		return nil
	}
	conn := sl.conn
	s.retire(session, sl)
	sl.mu.Unlock()

	if conn == nil {
		return nil
	}
	s.logger.Info("connection closed", "session", session, "backend", conn.Descriptor.Kind(), "deferred", conn.busy())
	return s.release(ctx, conn)
}

// Discard detaches conn from its session if it is still the session's
// connection, so the next GetOrCreate opens a fresh one. The descriptor stays
// on file. The handle is closed in the background once after is closed, or
// immediately when after is nil.
func (s *Store) Discard(conn *Connection, after <-chan struct{}) {
	if conn == nil {
		return
	}
	if v, ok := s.slots.Load(conn.Session); ok {
		sl := v.(*slot)
		sl.mu.Lock()
		if !sl.dead && sl.conn == conn {
			sl.conn = nil
		}
		sl.mu.Unlock()
	}
	s.closeAfter(conn, after)
}

// EvictIdle ends sessions unused for longer than maxIdle. Sessions for which
// busy reports true, or whose connection is running a query, are skipped. It
// returns the number of sessions evicted.
func (s *Store) EvictIdle(ctx context.Context, maxIdle time.Duration, busy func(session string) bool) (int, error) {
	cutoff := s.now().Add(-maxIdle)
	var (
		evicted int
		conns   []*Connection
	)
	s.slots.Range(func(key, value any) bool {
		session := key.(string)
		if busy != nil && busy(session) {
			return true
		}
		sl := value.(*slot)
		// A held slot is in use.
		if !sl.mu.TryLock() {
			return true
		}
		defer sl.mu.Unlock()
		if sl.dead || !sl.lastUsed.Before(cutoff) || sl.conn.busy() {
			return true
		}
		if sl.conn != nil {
			conns = append(conns, sl.conn)
		}
		s.retire(session, sl)
		evicted++
		return true
	})
	if evicted > 0 {
		s.logger.Info("evicted idle sessions", "count", evicted, "connections", len(conns))
	}
	return evicted, closeConnections(ctx, conns, s.closeWorkers)
}

// CloseAll ends every session, closing connections concurrently. Connections
// still running a query are closed once their backend call returns.
func (s *Store) CloseAll(ctx context.Context) error {
	var conns []*Connection
	s.slots.Range(func(key, value any) bool {
		sl := value.(*slot)
		sl.mu.Lock()
		defer sl.mu.Unlock()
		if sl.dead {
			return true
		}
		switch {
		case sl.conn.busy():
			s.closeAfter(sl.conn, sl.conn.running)
		case sl.conn != nil:
			conns = append(conns, sl.conn)
		}
		s.retire(key.(string), sl)
		return true
	})
	s.logger.Info("closing all connections", "count", len(conns))
	return closeConnections(ctx, conns, s.closeWorkers)
}

// Len returns the number of live connections.
func (s *Store) Len() int {
	n := 0
	s.slots.Range(func(_, value any) bool {
		sl := value.(*slot)
		sl.mu.Lock()
		if !sl.dead && sl.conn != nil {
			n++
		}
		sl.mu.Unlock()
		return true
	})
	return n
}
