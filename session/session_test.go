package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termshare/termshare/renderer"
	"github.com/termshare/termshare/wire"
)

// fakeRenderer is a hand-cranked renderer.Renderer whose frame is set by
// the test via setFrame; RenderOnce is a no-op since tests drive the
// frame directly rather than simulating PTY timing.
type fakeRenderer struct {
	mu       sync.Mutex
	cols     int
	rows     int
	lines    []renderer.Line
	cursor   renderer.Cursor
	onSel    renderer.SelectionHandler
	resizes  []struct{ c, r int }
}

func newFakeRenderer(cols, rows int) *fakeRenderer {
	lines := make([]renderer.Line, rows)
	for i := range lines {
		lines[i] = renderer.Line{Spans: []renderer.Span{}}
	}
	return &fakeRenderer{cols: cols, rows: rows, lines: lines}
}

func (f *fakeRenderer) RenderOnce(ctx context.Context) error { return nil }

func (f *fakeRenderer) CaptureSpans() renderer.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return renderer.Frame{Cols: f.cols, Rows: f.rows, Cursor: f.cursor, Lines: append([]renderer.Line{}, f.lines...)}
}

func (f *fakeRenderer) Resize(cols, rows int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cols, f.rows = cols, rows
	f.resizes = append(f.resizes, struct{ c, r int }{cols, rows})
	lines := make([]renderer.Line, rows)
	for i := range lines {
		lines[i] = renderer.Line{Spans: []renderer.Span{}}
	}
	f.lines = lines
	return nil
}

func (f *fakeRenderer) PressKey(keyCode string, mods renderer.KeyModifiers) {}
func (f *fakeRenderer) PressDown(x, y int, button renderer.MouseButton)     {}
func (f *fakeRenderer) Release(x, y int, button renderer.MouseButton)       {}
func (f *fakeRenderer) MoveTo(x, y int)                                     {}
func (f *fakeRenderer) Scroll(x, y int, direction renderer.ScrollDirection, lines int) {}
func (f *fakeRenderer) OnSelection(handler renderer.SelectionHandler)       { f.onSel = handler }
func (f *fakeRenderer) SetCursorPosition(x, y int, visible bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursor = renderer.Cursor{X: x, Y: y, Visible: visible}
}
func (f *fakeRenderer) Destroy() {}

func (f *fakeRenderer) setLine(i int, spans ...renderer.Span) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines[i] = renderer.Line{Spans: spans}
}

type collector struct {
	mu   sync.Mutex
	msgs []wire.ServerMessage
}

func (c *collector) send(msg wire.ServerMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) drain() []wire.ServerMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.msgs
	c.msgs = nil
	return out
}

func eagerConfig(fr *fakeRenderer, col *collector) Config {
	return Config{
		ID:          "sess-1",
		InitialCols: 80,
		InitialRows: 24,
		MaxCols:     200,
		MaxRows:     100,
		FrameRate:   30,
		Discipline:  Eager,
		Factory: func(ctx context.Context, cols, rows int) (renderer.Renderer, error) {
			return fr, nil
		},
		Send:  col.send,
		Close: func() {},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// S1 — first frame is full.
func TestSession_FirstFrameFull(t *testing.T) {
	fr := newFakeRenderer(80, 24)
	col := &collector{}
	ctx := context.Background()

	s, err := Create(ctx, eagerConfig(fr, col))
	require.NoError(t, err)
	defer s.Destroy()

	var got []wire.ServerMessage
	waitFor(t, func() bool {
		got = col.drain()
		return len(got) > 0
	})
	assert.Equal(t, wire.ServerFull, got[0].Type)

	s.mu.Lock()
	gotFull := len(s.lastLines) > 0
	s.mu.Unlock()
	assert.True(t, gotFull)
}

// S2 — single-line change emits a diff.
func TestSession_SingleLineChangeEmitsDiff(t *testing.T) {
	fr := newFakeRenderer(80, 24)
	col := &collector{}
	ctx := context.Background()

	s, err := Create(ctx, eagerConfig(fr, col))
	require.NoError(t, err)
	defer s.Destroy()

	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.lastLines) > 0
	})
	col.drain()

	fr.setLine(5, renderer.Span{Text: "hi", Width: 2})
	s.requestTickAsync()

	var got []wire.ServerMessage
	waitFor(t, func() bool {
		got = col.drain()
		return len(got) > 0
	})

	require.Len(t, got, 1)
	assert.Equal(t, wire.ServerDiff, got[0].Type)
	require.Len(t, got[0].Changes, 1)
	assert.Equal(t, 5, got[0].Changes[0].Index)
}

// S3 — majority change escalates to full.
func TestSession_MajorityChangeEscalatesToFull(t *testing.T) {
	fr := newFakeRenderer(80, 24)
	col := &collector{}
	ctx := context.Background()

	s, err := Create(ctx, eagerConfig(fr, col))
	require.NoError(t, err)
	defer s.Destroy()

	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.lastLines) > 0
	})
	col.drain()

	for i := 0; i < 13; i++ {
		fr.setLine(i, renderer.Span{Text: "x", Width: 1})
	}
	s.requestTickAsync()

	var got []wire.ServerMessage
	waitFor(t, func() bool {
		got = col.drain()
		return len(got) > 0
	})

	require.NotEmpty(t, got)
	assert.Equal(t, wire.ServerFull, got[0].Type)
}

// S4 — resize forces a full redraw with the new dimensions.
func TestSession_ResizeForcesFull(t *testing.T) {
	fr := newFakeRenderer(80, 24)
	col := &collector{}
	ctx := context.Background()

	s, err := Create(ctx, eagerConfig(fr, col))
	require.NoError(t, err)
	defer s.Destroy()

	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.lastLines) > 0
	})
	col.drain()

	s.HandleMessage(ctx, wire.ClientMessage{Type: wire.ClientResize, Cols: 100, Rows: 30})

	var got []wire.ServerMessage
	waitFor(t, func() bool {
		got = col.drain()
		return len(got) > 0
	})

	require.NotEmpty(t, got)
	assert.Equal(t, wire.ServerFull, got[0].Type)
	assert.Equal(t, 100, got[0].Data.Cols)
	assert.Equal(t, 30, got[0].Data.Rows)
}

// S5 — ping/pong purity: ten pings yield ten pongs and nothing else.
func TestSession_PingPongPurity(t *testing.T) {
	fr := newFakeRenderer(80, 24)
	col := &collector{}
	ctx := context.Background()

	s, err := Create(ctx, eagerConfig(fr, col))
	require.NoError(t, err)
	defer s.Destroy()

	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.lastLines) > 0
	})
	col.drain()

	for i := 0; i < 10; i++ {
		s.HandleMessage(ctx, wire.ClientMessage{Type: wire.ClientPing})
	}

	waitFor(t, func() bool {
		col.mu.Lock()
		defer col.mu.Unlock()
		return len(col.msgs) >= 10
	})

	got := col.drain()
	require.Len(t, got, 10)
	for _, m := range got {
		assert.Equal(t, wire.ServerPong, m.Type)
	}
}

func TestSession_InvalidSizeRejected(t *testing.T) {
	fr := newFakeRenderer(80, 24)
	col := &collector{}
	cfg := eagerConfig(fr, col)
	cfg.InitialCols = 0

	_, err := Create(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestSession_LazyInitDropsNonResizeMessages(t *testing.T) {
	fr := newFakeRenderer(80, 24)
	col := &collector{}
	ctx := context.Background()

	cfg := eagerConfig(fr, col)
	cfg.Discipline = Lazy
	s, err := Create(ctx, cfg)
	require.NoError(t, err)
	defer s.Destroy()

	s.HandleMessage(ctx, wire.ClientMessage{Type: wire.ClientKey, Key: "a"})
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, col.drain())

	s.HandleMessage(ctx, wire.ClientMessage{Type: wire.ClientResize, Cols: 80, Rows: 24})
	waitFor(t, func() bool {
		return len(col.drain()) > 0 || s.r != nil
	})
}

func TestSession_DestroyIsIdempotent(t *testing.T) {
	fr := newFakeRenderer(80, 24)
	col := &collector{}
	s, err := Create(context.Background(), eagerConfig(fr, col))
	require.NoError(t, err)

	s.Destroy()
	assert.NotPanics(t, func() { s.Destroy() })
}
