// Package browserhub implements the subscriber side of the multiplexer
// protocol (C7): given an already-open transport.Channel it demuxes
// inbound envelopes to per-id and global listeners, and exposes send
// for routing client messages back upstream. Named for the teacher's
// "desktop" presence hub pattern (fan-out listener sets keyed by
// client/session ID), generalized from cursor-presence broadcast to
// the wire protocol's envelope/event shape.
package browserhub

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/termshare/termshare/transport"
	"github.com/termshare/termshare/wire"
)

// EventKind discriminates what a Listener receives.
type EventKind int

const (
	// EventData carries a decoded server->client message for one id.
	EventData EventKind = iota
	// EventLifecycle carries an upstream_discovered/connected/closed/error.
	EventLifecycle
	// EventHubConnected/EventHubDisconnected fire to global listeners only,
	// on channel open/close.
	EventHubConnected
	EventHubDisconnected
)

// Event is delivered to a Listener.
type Event struct {
	Kind    EventKind
	ID      string
	Message *wire.ServerMessage
	Lifecycle wire.UpstreamEvent
	Error   *wire.EventError
}

// Listener receives Events. Implementations must not block.
type Listener func(Event)

// Unsubscribe removes a previously registered listener. Idempotent.
type Unsubscribe func()

// Hub is a subscriber-side demultiplexer over one channel.
type Hub struct {
	ch transport.Channel
	log zerolog.Logger

	mu       sync.Mutex
	global   map[int]Listener
	perID    map[string]map[int]Listener
	nextID   int
	closed   bool
}

// New wraps an already-open channel. Call Run to start the read loop.
func New(ch transport.Channel) *Hub {
	return &Hub{
		ch:     ch,
		log:    log.Logger,
		global: make(map[int]Listener),
		perID:  make(map[string]map[int]Listener),
	}
}

// Subscribe registers a global listener, receiving every event on this
// hub including EventHubConnected/Disconnected.
func (h *Hub) Subscribe(l Listener) Unsubscribe {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.global[id] = l
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.global, id)
	}
}

// SubscribeID registers a listener scoped to one multiplexed id.
func (h *Hub) SubscribeID(targetID string, l Listener) Unsubscribe {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	if h.perID[targetID] == nil {
		h.perID[targetID] = make(map[int]Listener)
	}
	h.perID[targetID][id] = l
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if m := h.perID[targetID]; m != nil {
			delete(m, id)
		}
	}
}

// Send envelopes a client message for id and writes it upstream.
func (h *Hub) Send(id string, msg wire.ClientMessage) error {
	env, err := wire.EncodeOutEnvelope(id, msg)
	if err != nil {
		return fmt.Errorf("encode out envelope: %w", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return h.ch.WriteMessage(data)
}

// Run drives the read loop, dispatching decoded envelopes to listeners,
// until the channel closes or an unrecoverable read error occurs. It
// fires EventHubConnected before the first read and EventHubDisconnected
// once the loop exits.
func (h *Hub) Run() error {
	h.dispatchGlobal(Event{Kind: EventHubConnected})
	defer h.dispatchGlobal(Event{Kind: EventHubDisconnected})

	for {
		data, err := h.ch.ReadMessage()
		if err != nil {
			return fmt.Errorf("read envelope: %w", err)
		}

		var env wire.InEnvelope
		if decErr := wire.DecodeInEnvelope(data, &env); decErr != nil {
			h.log.Debug().Err(decErr).Msg("dropping malformed envelope")
			continue
		}

		if env.IsLifecycleEvent() {
			h.dispatch(env.ID, Event{Kind: EventLifecycle, ID: env.ID, Lifecycle: env.Event, Error: env.Error})
			continue
		}

		var msg wire.ServerMessage
		if jsonErr := json.Unmarshal(env.Data, &msg); jsonErr != nil {
			h.log.Debug().Str("id", env.ID).Err(jsonErr).Msg("dropping malformed server message")
			continue
		}
		h.dispatch(env.ID, Event{Kind: EventData, ID: env.ID, Message: &msg})
	}
}

func (h *Hub) dispatch(id string, ev Event) {
	h.mu.Lock()
	listeners := make([]Listener, 0, len(h.global)+2)
	for _, l := range h.global {
		listeners = append(listeners, l)
	}
	for _, l := range h.perID[id] {
		listeners = append(listeners, l)
	}
	h.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}

func (h *Hub) dispatchGlobal(ev Event) {
	h.mu.Lock()
	listeners := make([]Listener, 0, len(h.global))
	for _, l := range h.global {
		listeners = append(listeners, l)
	}
	h.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}

// Close closes the underlying channel. Idempotent.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()
	return h.ch.Close()
}
