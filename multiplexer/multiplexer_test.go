package multiplexer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termshare/termshare/renderer"
	"github.com/termshare/termshare/session"
	"github.com/termshare/termshare/wire"
)

// pipeChannel is an in-memory transport.Channel fed by the test.
type pipeChannel struct {
	in     chan []byte
	mu     sync.Mutex
	out    [][]byte
	closed bool
}

func newPipeChannel() *pipeChannel {
	return &pipeChannel{in: make(chan []byte, 64)}
}

func (p *pipeChannel) ReadMessage() ([]byte, error) {
	data, ok := <-p.in
	if !ok {
		return nil, assertClosedErr
	}
	return data, nil
}

func (p *pipeChannel) WriteMessage(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = append(p.out, data)
	return nil
}

func (p *pipeChannel) Close() error                              { p.closed = true; close(p.in); return nil }
func (p *pipeChannel) CloseWithCode(code int, reason string) error { return p.Close() }

func (p *pipeChannel) drain() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.out
	p.out = nil
	return out
}

var assertClosedErr = &pipeClosedError{}

type pipeClosedError struct{}

func (*pipeClosedError) Error() string { return "pipe closed" }

func noopFactory(id string, send session.SendFunc) session.Config {
	return session.Config{
		MaxCols:    200,
		MaxRows:    100,
		FrameRate:  30,
		Discipline: session.Lazy,
		Factory: func(ctx context.Context, cols, rows int) (renderer.Renderer, error) {
			return &stubRenderer{cols: cols, rows: rows}, nil
		},
		Send:  send,
		Close: func() {},
	}
}

type stubRenderer struct {
	cols, rows int
}

func (s *stubRenderer) RenderOnce(ctx context.Context) error { return nil }
func (s *stubRenderer) CaptureSpans() renderer.Frame {
	lines := make([]renderer.Line, s.rows)
	for i := range lines {
		lines[i] = renderer.Line{Spans: []renderer.Span{}}
	}
	return renderer.Frame{Cols: s.cols, Rows: s.rows, Lines: lines}
}
func (s *stubRenderer) Resize(cols, rows int) error                                  { s.cols, s.rows = cols, rows; return nil }
func (s *stubRenderer) PressKey(keyCode string, mods renderer.KeyModifiers)          {}
func (s *stubRenderer) PressDown(x, y int, button renderer.MouseButton)              {}
func (s *stubRenderer) Release(x, y int, button renderer.MouseButton)                {}
func (s *stubRenderer) MoveTo(x, y int)                                              {}
func (s *stubRenderer) Scroll(x, y int, direction renderer.ScrollDirection, l int)    {}
func (s *stubRenderer) OnSelection(handler renderer.SelectionHandler)                {}
func (s *stubRenderer) SetCursorPosition(x, y int, visible bool)                     {}
func (s *stubRenderer) Destroy()                                                     {}

func sendEnvelope(t *testing.T, ch *pipeChannel, id string, msg wire.ClientMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	env := wire.OutEnvelope{ID: id, Data: data}
	b, err := json.Marshal(env)
	require.NoError(t, err)
	ch.in <- b
}

func TestMultiplexer_WildcardCreatesSessionOnDemand(t *testing.T) {
	ch := newPipeChannel()
	srv := NewServer(ch, "ns", nil, EagerOnFirstEnvelope, noopFactory)

	go srv.Run(context.Background())

	sendEnvelope(t, ch, "upstream-1", wire.ClientMessage{Type: wire.ClientResize, Cols: 80, Rows: 24})

	deadline := time.Now().Add(time.Second)
	var found bool
	for time.Now().Before(deadline) {
		if _, ok := srv.registry.Get("upstream-1"); ok {
			found = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.True(t, found)
	ch.Close()
}

func TestMultiplexer_RejectsDuplicateActiveID(t *testing.T) {
	ch := newPipeChannel()
	srv := NewServer(ch, "ns", nil, EagerOnFirstEnvelope, noopFactory)
	srv.active["dup"] = true

	err := srv.createSession(context.Background(), "dup")
	assert.ErrorContains(t, err, wire.ErrUpstreamAlreadyConnected)
}

func TestMultiplexer_EmitsDiscoveredLifecycleEvent(t *testing.T) {
	ch := newPipeChannel()
	srv := NewServer(ch, "ns", nil, EagerOnFirstEnvelope, noopFactory)

	require.NoError(t, srv.createSession(context.Background(), "id-1"))

	out := ch.drain()
	require.NotEmpty(t, out)

	var env wire.InEnvelope
	require.NoError(t, json.Unmarshal(out[0], &env))
	assert.Equal(t, wire.UpstreamDiscovered, env.Event)
	assert.Equal(t, "id-1", env.ID)
}

func TestMultiplexer_DiscoveredFirstDropsEnvelopeForUndiscoveredID(t *testing.T) {
	ch := newPipeChannel()
	srv := NewServer(ch, "ns", nil, DiscoveredFirst, noopFactory)

	go srv.Run(context.Background())
	sendEnvelope(t, ch, "upstream-1", wire.ClientMessage{Type: wire.ClientResize, Cols: 80, Rows: 24})

	time.Sleep(20 * time.Millisecond)
	_, ok := srv.registry.Get("upstream-1")
	assert.False(t, ok, "DiscoveredFirst must not create a session from an inbound envelope alone")
	ch.Close()
}

func TestMultiplexer_DiscoverIDCreatesSessionForWildcardSubscriber(t *testing.T) {
	ch := newPipeChannel()
	srv := NewServer(ch, "ns", nil, DiscoveredFirst, noopFactory)

	go srv.Run(context.Background())
	require.NoError(t, srv.DiscoverID(context.Background(), "upstream-1"))

	deadline := time.Now().Add(time.Second)
	var found bool
	for time.Now().Before(deadline) {
		if _, ok := srv.registry.Get("upstream-1"); ok {
			found = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.True(t, found)

	// Once discovered, envelopes for that id route normally.
	sendEnvelope(t, ch, "upstream-1", wire.ClientMessage{Type: wire.ClientPing})
	ch.Close()
}

func TestMultiplexer_DiscoverIDIgnoresIDOutsideExplicitSubscription(t *testing.T) {
	ch := newPipeChannel()
	srv := NewServer(ch, "ns", []string{"allowed"}, DiscoveredFirst, noopFactory)

	require.NoError(t, srv.DiscoverID(context.Background(), "not-allowed"))

	_, ok := srv.registry.Get("not-allowed")
	assert.False(t, ok)
}

func TestMultiplexer_NonWildcardDropsUnknownID(t *testing.T) {
	ch := newPipeChannel()
	srv := NewServer(ch, "ns", []string{"allowed"}, EagerOnFirstEnvelope, noopFactory)

	go srv.Run(context.Background())
	sendEnvelope(t, ch, "not-allowed", wire.ClientMessage{Type: wire.ClientPing})

	time.Sleep(20 * time.Millisecond)
	_, ok := srv.registry.Get("not-allowed")
	assert.False(t, ok)
	ch.Close()
}
