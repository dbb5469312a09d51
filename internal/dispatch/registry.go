package dispatch

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thimpu-create/cab-microservice-api/internal/observability"
)

// Kind separates the two session populations.
type Kind string

const (
	KindWorker    Kind = "driver"
	KindRequester Kind = "passenger"
)

var ErrSessionClosed = errors.New("dispatch: session closed")

// Conn is the write side of a duplex session; *websocket.Conn satisfies it.
type Conn interface {
	WriteJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Session is one live connection. Writes are serialized per session.
type Session struct {
	Kind Kind
	ID   string

	conn         Conn
	writeTimeout time.Duration
	mu           sync.Mutex
	alive        atomic.Bool
}

func (s *Session) Send(v interface{}) error {
	if !s.alive.Load() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.conn.WriteJSON(v)
}

func (s *Session) Alive() bool { return s.alive.Load() }

func (s *Session) close() {
	if s.alive.CompareAndSwap(true, false) {
		_ = s.conn.Close()
	}
}

// Registry maps identities to live sessions, one namespace per Kind.
// Removal of a session, whether from an explicit disconnect or a failed
// send, goes through a single path that fires the OnRemove hook once.
type Registry struct {
	mu           sync.RWMutex
	sessions     map[Kind]map[string]*Session
	writeTimeout time.Duration
	logger       *slog.Logger
	onRemove     func(*Session)
}

func NewRegistry(writeTimeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: map[Kind]map[string]*Session{
			KindWorker:    {},
			KindRequester: {},
		},
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// OnRemove installs the cleanup hook run after a session leaves the
// registry. It is not run for a session displaced by a newer connection.
func (r *Registry) OnRemove(fn func(*Session)) {
	r.mu.Lock()
	r.onRemove = fn
	r.mu.Unlock()
}

// Register installs a session for id, replacing and closing any previous
// one (last connect wins).
func (r *Registry) Register(kind Kind, id string, conn Conn) *Session {
	s := &Session{Kind: kind, ID: id, conn: conn, writeTimeout: r.writeTimeout}
	s.alive.Store(true)

	r.mu.Lock()
	prev := r.sessions[kind][id]
	r.sessions[kind][id] = s
	r.mu.Unlock()

	if prev != nil {
		r.logger.Info("session replaced", "kind", kind, "id", id)
		prev.close()
	} else {
		observability.SessionsConnected.WithLabelValues(string(kind)).Inc()
	}
	return s
}

// Unregister removes s if it is still the registered session for its
// identity and reports whether it did. The connection is closed either way.
func (r *Registry) Unregister(s *Session) bool {
	r.mu.Lock()
	removed := false
	if cur, ok := r.sessions[s.Kind][s.ID]; ok && cur == s {
		delete(r.sessions[s.Kind], s.ID)
		removed = true
	}
	hook := r.onRemove
	r.mu.Unlock()

	s.close()
	if !removed {
		return false
	}
	observability.SessionsConnected.WithLabelValues(string(s.Kind)).Dec()
	if hook != nil {
		hook(s)
	}
	return true
}

func (r *Registry) Get(kind Kind, id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[kind][id]
	return s, ok
}

func (r *Registry) Connected(kind Kind, id string) bool {
	_, ok := r.Get(kind, id)
	return ok
}

func (r *Registry) Count(kind Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[kind])
}

// Send delivers v to the session registered for id. It never returns an
// error: a missing session or failed write yields false, and a failed write
// removes the session.
func (r *Registry) Send(kind Kind, id string, v interface{}) bool {
	s, ok := r.Get(kind, id)
	if !ok {
		observability.SessionSends.WithLabelValues(string(kind), "no_session").Inc()
		return false
	}
	if err := s.Send(v); err != nil {
		observability.SessionSends.WithLabelValues(string(kind), "failed").Inc()
		r.logger.Warn("session send failed", "kind", kind, "id", id, "error", err)
		r.Unregister(s)
		return false
	}
	observability.SessionSends.WithLabelValues(string(kind), "ok").Inc()
	return true
}

// Broadcast sends v to a snapshot of every session of kind except the one
// registered as exclude. Sessions whose write fails are removed. It returns
// the number of successful deliveries.
func (r *Registry) Broadcast(kind Kind, v interface{}, exclude string) int {
	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.sessions[kind]))
	for id, s := range r.sessions[kind] {
		if id == exclude {
			continue
		}
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	delivered := 0
	var failed []*Session
	for _, s := range snapshot {
		if err := s.Send(v); err != nil {
			r.logger.Warn("broadcast send failed", "kind", kind, "id", s.ID, "error", err)
			failed = append(failed, s)
			continue
		}
		delivered++
	}
	for _, s := range failed {
		r.Unregister(s)
	}
	observability.SessionSends.WithLabelValues(string(kind), "ok").Add(float64(delivered))
	if len(failed) > 0 {
		observability.SessionSends.WithLabelValues(string(kind), "failed").Add(float64(len(failed)))
	}
	return delivered
}

// CloseAll closes and removes every session, running the removal hook.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	var all []*Session
	for _, m := range r.sessions {
		for _, s := range m {
			all = append(all, s)
		}
	}
	r.mu.RUnlock()
	for _, s := range all {
		r.Unregister(s)
	}
}
