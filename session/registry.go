package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/termshare/termshare/wire"
)

// Registry maintains connection -> sessionId -> Session, per spec.md
// §4.4. Grounded on the teacher's SessionRegistry (sync.Map-keyed,
// atomic counters) generalized from a process-global client registry
// to a per-connection session owner.
type Registry struct {
	conns *xsync.MapOf[string, *connState]
}

type connState struct {
	mu       sync.Mutex
	session  *Session
	ready    bool
	fifo     []wire.ClientMessage
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: xsync.NewMapOf[string, *connState]()}
}

// Accept allocates a fresh opaque session ID, synchronously creates the
// Session (the renderer itself may still be lazily deferred, per the
// session's own discipline), and registers it under connID. Messages
// arriving before the Session finishes its own lazy init are not the
// registry's concern — those are buffered by Submit below only for the
// (connID) window between Accept being called and this function
// returning, which is negligible since Create is synchronous; the FIFO
// exists for callers that submit messages concurrently with Accept.
func (reg *Registry) Accept(ctx context.Context, connID string, cfg Config) (*Session, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	cs := &connState{}
	reg.conns.Store(connID, cs)

	s, err := Create(ctx, cfg)
	if err != nil {
		reg.conns.Delete(connID)
		return nil, fmt.Errorf("create session: %w", err)
	}

	cs.mu.Lock()
	cs.session = s
	cs.ready = true
	buffered := cs.fifo
	cs.fifo = nil
	cs.mu.Unlock()

	for _, msg := range buffered {
		s.HandleMessage(ctx, msg)
	}

	return s, nil
}

// Submit routes msg to the session owned by connID. If the session is
// not yet ready (Accept is still running on another goroutine), msg is
// appended to a bounded per-connection FIFO and replayed in order once
// ready; overflow drops the oldest message and logs, per spec.md §7.
func (reg *Registry) Submit(ctx context.Context, connID string, msg wire.ClientMessage) {
	cs, ok := reg.conns.Load(connID)
	if !ok {
		return
	}

	cs.mu.Lock()
	if cs.ready {
		s := cs.session
		cs.mu.Unlock()
		s.HandleMessage(ctx, msg)
		return
	}

	if len(cs.fifo) >= preReadyFIFOCap {
		log.Warn().Str("conn_id", connID).Msg("pre-ready FIFO overflow, dropping oldest message")
		cs.fifo = cs.fifo[1:]
	}
	cs.fifo = append(cs.fifo, msg)
	cs.mu.Unlock()
}

// Close destroys the session owned by connID and removes it from the
// registry. Safe to call even if Accept never completed.
func (reg *Registry) Close(connID string) {
	cs, ok := reg.conns.LoadAndDelete(connID)
	if !ok {
		return
	}
	cs.mu.Lock()
	s := cs.session
	cs.mu.Unlock()
	if s != nil {
		s.Destroy()
	}
}

// Get returns the session owned by connID, if any.
func (reg *Registry) Get(connID string) (*Session, bool) {
	cs, ok := reg.conns.Load(connID)
	if !ok {
		return nil, false
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.session, cs.session != nil
}

// Len reports the number of active connections. Used by tests and
// diagnostics, not by the hot path.
func (reg *Registry) Len() int {
	n := 0
	reg.conns.Range(func(_ string, _ *connState) bool {
		n++
		return true
	})
	return n
}
