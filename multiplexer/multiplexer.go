// Package multiplexer implements the server-side multiplexer (C5):
// a single duplex channel fronting many logical sessions scoped by
// (namespace, id), with wildcard subscription, lifecycle events, and
// admission control. Grounded on the teacher's session_registry.go
// broadcast/admission idiom, generalized from a fixed color-palette
// client registry to an opaque per-id session owner.
package multiplexer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/termshare/termshare/session"
	"github.com/termshare/termshare/transport"
	"github.com/termshare/termshare/wire"
)

// CreationPolicy selects how a wildcard subscriber instantiates a
// session for an id it has not seen before. spec.md §4.5 leaves this an
// implementer choice; DESIGN.md resolves it per embedding (see
// EagerOnFirstEnvelope / DiscoveredFirst).
type CreationPolicy int

const (
	// EagerOnFirstEnvelope creates the session the moment any inbound
	// envelope names an unknown id, used by the direct server polarity.
	EagerOnFirstEnvelope CreationPolicy = iota
	// DiscoveredFirst only creates a session after an external
	// "upstream_discovered" signal for that id (a DiscoverID call), for a
	// relay-style hop where the relay itself announces ids. No binary in
	// this module selects it.
	DiscoveredFirst
)

// SessionFactory builds a session.Config for a newly discovered id,
// wiring its Send to the multiplexer's own envelope writer. The caller
// supplies cols/rows/renderer wiring via the closure.
type SessionFactory func(id string, send session.SendFunc) session.Config

// Server fronts one duplex channel carrying many sessions in one
// namespace.
type Server struct {
	ch        transport.Channel
	namespace string
	ids       map[string]bool // nil/empty means wildcard
	policy    CreationPolicy
	factory   SessionFactory
	registry  *session.Registry

	log zerolog.Logger

	mu       sync.Mutex
	active   map[string]bool // ids with a currently bound, active session
	closeCh  chan struct{}
	closed   bool
}

// NewServer constructs a multiplexer fronting ch. ids == nil or empty
// means wildcard subscription.
func NewServer(ch transport.Channel, namespace string, ids []string, policy CreationPolicy, factory SessionFactory) *Server {
	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	return &Server{
		ch:        ch,
		namespace: namespace,
		ids:       idSet,
		policy:    policy,
		factory:   factory,
		registry:  session.NewRegistry(),
		active:    make(map[string]bool),
		closeCh:   make(chan struct{}),
		log:       log.With().Str("namespace", namespace).Logger(),
	}
}

func (s *Server) isWildcard() bool { return len(s.ids) == 0 }

func (s *Server) inSubscription(id string) bool {
	return s.isWildcard() || s.ids[id]
}

// Run drives the channel's read loop until it closes or ctx is
// cancelled. It blocks; callers typically run it in its own goroutine
// per accepted connection.
func (s *Server) Run(ctx context.Context) error {
	defer s.shutdown()

	go func() {
		select {
		case <-ctx.Done():
			_ = s.ch.Close()
		case <-s.closeCh:
		}
	}()

	for {
		data, err := s.ch.ReadMessage()
		if err != nil {
			return fmt.Errorf("read envelope: %w", err)
		}

		var env wire.InEnvelope
		if err := decodeEnvelope(data, &env); err != nil {
			s.log.Debug().Err(err).Msg("dropping malformed envelope")
			continue
		}

		if !s.inSubscription(env.ID) {
			continue
		}

		if err := s.routeInbound(ctx, env); err != nil {
			s.log.Warn().Str("id", env.ID).Err(err).Msg("admission rejected")
			return err
		}
	}
}

func (s *Server) routeInbound(ctx context.Context, env wire.InEnvelope) error {
	s.mu.Lock()
	exists := s.active[env.ID]
	s.mu.Unlock()

	if !exists {
		if s.isWildcard() && s.policy == DiscoveredFirst {
			// Only an external discovery signal (DiscoverID) may create a
			// session for an unseen id under this policy; an inbound
			// envelope alone is dropped.
			return nil
		}
		if err := s.createSession(ctx, env.ID); err != nil {
			return err
		}
	}

	msg, err := wire.DecodeClientMessage(env.Data)
	if err != nil {
		s.log.Debug().Str("id", env.ID).Err(err).Msg("dropping malformed client message")
		return nil
	}
	sess, ok := s.registry.Get(env.ID)
	if !ok {
		return nil
	}
	sess.HandleMessage(ctx, msg)
	return nil
}

// DiscoverID creates a session for id in reaction to an external
// discovery signal (e.g. a tunnel upstream announcing itself), the
// only path that can create a session for a wildcard subscriber under
// DiscoveredFirst (routeInbound refuses to on its own, per policy).
// Safe to call for any policy; a non-wildcard subscription still
// requires id to be in its explicit id set.
func (s *Server) DiscoverID(ctx context.Context, id string) error {
	if !s.inSubscription(id) {
		return nil
	}
	s.mu.Lock()
	exists := s.active[id]
	s.mu.Unlock()
	if exists {
		return nil
	}
	return s.createSession(ctx, id)
}

func (s *Server) createSession(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.active[id] {
		s.mu.Unlock()
		return fmt.Errorf("%s", wire.ErrUpstreamAlreadyConnected)
	}
	s.active[id] = true
	s.mu.Unlock()

	send := func(msg wire.ServerMessage) error {
		return s.writeData(id, msg)
	}

	cfg := s.factory(id, send)
	cfg.ID = id
	cfg.OnConnection = chainOnConnection(cfg.OnConnection, func() {
		s.writeLifecycle(id, wire.UpstreamConnected)
	})
	cfg.Cleanup = chainCleanup(cfg.Cleanup, func() {
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()
		s.writeLifecycle(id, wire.UpstreamClosed)
	})

	if _, err := s.registry.Accept(ctx, id, cfg); err != nil {
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()
		if data, mErr := json.Marshal(wire.ErrorEnvelope(id, "session_create_error", err.Error())); mErr == nil {
			_ = s.ch.WriteMessage(data)
		}
		return fmt.Errorf("create session %s: %w", id, err)
	}

	s.writeLifecycle(id, wire.UpstreamDiscovered)
	return nil
}

func chainOnConnection(existing func(), extra func()) func() {
	return func() {
		if existing != nil {
			existing()
		}
		extra()
	}
}

func chainCleanup(existing func(), extra func()) func() {
	return func() {
		if existing != nil {
			existing()
		}
		extra()
	}
}

func (s *Server) writeData(id string, msg wire.ServerMessage) error {
	env, err := wire.EncodeDataEnvelope(id, msg)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return s.ch.WriteMessage(data)
}

func (s *Server) writeLifecycle(id string, event wire.UpstreamEvent) {
	data, err := json.Marshal(wire.LifecycleEnvelope(id, event))
	if err != nil {
		s.log.Error().Err(err).Msg("encode lifecycle envelope")
		return
	}
	if err := s.ch.WriteMessage(data); err != nil {
		s.log.Debug().Err(err).Msg("write lifecycle envelope")
	}
}

// Reject closes the channel with 4009 because id is already bound to an
// active upstream elsewhere. Exposed for the HTTP handler to call
// before Run even starts, per spec.md §4.5 admission control.
func (s *Server) Reject(id string) error {
	return s.ch.CloseWithCode(wire.CloseUpstreamAlreadyConn, wire.ErrUpstreamAlreadyConnected)
}

func (s *Server) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.registry.Close(id)
	}
	close(s.closeCh)
}

func decodeEnvelope(data []byte, env *wire.InEnvelope) error {
	return wire.DecodeInEnvelope(data, env)
}
