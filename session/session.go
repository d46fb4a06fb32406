// Package session owns the per-viewer-group state machine: one virtual
// terminal, a frame-paced render loop, and translation between wire
// messages and the renderer façade. Grounded on the teacher's
// desktop/ws_terminal.go connection-handling shape and desktop/input.go's
// dispatch switch, generalized from one fixed tmux-backed PTY to any
// renderer.Renderer.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/termshare/termshare/diff"
	"github.com/termshare/termshare/renderer"
	"github.com/termshare/termshare/wire"
)

// InitDiscipline selects when the renderer is instantiated relative to
// Create, per spec.md §4.3. This module carries both: Lazy for the
// direct server polarity (§9 resolves the ambiguity in DESIGN.md),
// Eager available for embedders such as the tunnel client that already
// know the size at dial time.
type InitDiscipline int

const (
	Lazy InitDiscipline = iota
	Eager
)

// SendFunc delivers one outbound wire.ServerMessage to the viewer.
type SendFunc func(msg wire.ServerMessage) error

// CloseFunc closes the underlying channel, e.g. on an unrecoverable error.
type CloseFunc func()

// ErrInvalidSize is returned by Create when initial dimensions are ≤ 0
// or exceed the configured maxima.
var ErrInvalidSize = fmt.Errorf("invalid initial session size")

const (
	maxScrollLines = 50
	preReadyFIFOCap = 64
)

// Config carries everything Create needs beyond the renderer factory
// itself.
type Config struct {
	ID             string
	InitialCols    int
	InitialRows    int
	MaxCols        int
	MaxRows        int
	FrameRate      int
	Discipline     InitDiscipline
	Factory        renderer.Factory
	Send           SendFunc
	Close          CloseFunc
	OnConnection   func()
	Cleanup        func()
}

// Session owns one virtual terminal and its message loop. Per spec.md
// §5, every method below (other than Destroy, which is safe from any
// goroutine) is expected to be driven from a single logical thread of
// control — the registry/multiplexer must not call concurrently.
type Session struct {
	id         string
	maxCols    int
	maxRows    int
	frameRate  int
	discipline InitDiscipline
	factory    renderer.Factory
	send       SendFunc
	closeConn  CloseFunc
	onConn     func()
	cleanup    func()

	log zerolog.Logger

	mu           sync.Mutex
	r            renderer.Renderer
	cols, rows   int
	lastLines     []wire.Line
	lastCursor    *wire.Cursor
	lastCursorVis bool
	rendering    bool
	pendingTick  bool
	destroyed    bool
	destroyOnce  sync.Once

	ticker   *time.Ticker
	tickStop chan struct{}
	tickNow  chan struct{}
}

// Create validates dimensions and, under Eager discipline, constructs
// the renderer synchronously and starts the paced render loop. Under
// Lazy discipline the renderer is deferred to the first resize message.
func Create(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.InitialCols <= 0 || cfg.InitialRows <= 0 ||
		cfg.InitialCols > cfg.MaxCols || cfg.InitialRows > cfg.MaxRows {
		return nil, ErrInvalidSize
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 30
	}

	s := &Session{
		id:         cfg.ID,
		maxCols:    cfg.MaxCols,
		maxRows:    cfg.MaxRows,
		frameRate:  cfg.FrameRate,
		discipline: cfg.Discipline,
		factory:    cfg.Factory,
		send:       cfg.Send,
		closeConn:  cfg.Close,
		onConn:     cfg.OnConnection,
		cleanup:    cfg.Cleanup,
		cols:       cfg.InitialCols,
		rows:       cfg.InitialRows,
		log:        log.With().Str("session_id", cfg.ID).Logger(),
		tickStop:   make(chan struct{}),
		tickNow:    make(chan struct{}, 1),
	}

	if cfg.Discipline == Eager {
		r, err := cfg.Factory(ctx, s.cols, s.rows)
		if err != nil {
			return nil, fmt.Errorf("create renderer: %w", err)
		}
		s.r = r
		r.OnSelection(s.handleSelection)
		if s.onConn != nil {
			s.onConn()
		}
		s.startLoop(ctx)
	}

	return s, nil
}

func (s *Session) startLoop(ctx context.Context) {
	period := time.Second / time.Duration(s.frameRate)
	s.ticker = time.NewTicker(period)
	go s.loop(ctx)
}

func (s *Session) loop(ctx context.Context) {
	for {
		select {
		case <-s.tickStop:
			return
		case <-ctx.Done():
			return
		case <-s.ticker.C:
			s.requestTick(ctx)
		case <-s.tickNow:
			s.requestTick(ctx)
		}
	}
}

// requestTick enforces the single-flight rule of spec.md §4.3: at most
// one tick body runs at a time, and exactly one follow-up tick runs if
// ticks were requested while one was in flight.
func (s *Session) requestTick(ctx context.Context) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	if s.rendering {
		s.pendingTick = true
		s.mu.Unlock()
		return
	}
	s.rendering = true
	s.mu.Unlock()

	s.runTick(ctx)

	s.mu.Lock()
	s.rendering = false
	again := s.pendingTick
	s.pendingTick = false
	s.mu.Unlock()

	if again {
		s.requestTickAsync()
	}
}

func (s *Session) requestTickAsync() {
	select {
	case s.tickNow <- struct{}{}:
	default:
	}
}

func (s *Session) runTick(ctx context.Context) {
	s.mu.Lock()
	r := s.r
	destroyed := s.destroyed
	s.mu.Unlock()
	if r == nil || destroyed {
		return
	}

	if err := r.RenderOnce(ctx); err != nil {
		s.emit(wire.ErrorMessage(err.Error()))
		return
	}

	frame := r.CaptureSpans()
	lines := convertLines(frame.Lines)
	cursor := wire.Cursor{X: frame.Cursor.X, Y: frame.Cursor.Y}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}

	if len(s.lastLines) == 0 {
		snapshot := wire.FrameSnapshot{
			Cols:          frame.Cols,
			Rows:          frame.Rows,
			Cursor:        cursor,
			CursorVisible: frame.Cursor.Visible,
			Offset:        frame.Offset,
			TotalLines:    len(lines),
			Lines:         lines,
		}
		s.sendLocked(wire.FullMessage(snapshot))
		s.lastLines = lines
		s.lastCursor = &wire.Cursor{X: cursor.X, Y: cursor.Y}
		s.lastCursorVis = frame.Cursor.Visible
		return
	}

	changes := diff.Diff(s.lastLines, lines)
	if len(changes) > 0 {
		if float64(len(changes)) > 0.5*float64(len(lines)) {
			snapshot := wire.FrameSnapshot{
				Cols:          frame.Cols,
				Rows:          frame.Rows,
				Cursor:        cursor,
				CursorVisible: frame.Cursor.Visible,
				Offset:        frame.Offset,
				TotalLines:    len(lines),
				Lines:         lines,
			}
			s.sendLocked(wire.FullMessage(snapshot))
		} else {
			s.sendLocked(wire.DiffMessage(changes))
		}
		s.lastLines = lines
	}

	if s.lastCursor == nil || !s.lastCursor.Equal(cursor) || frame.Cursor.Visible != s.lastCursorVisible() {
		s.sendLocked(wire.CursorMessage(cursor.X, cursor.Y, frame.Cursor.Visible))
		cc := cursor
		s.lastCursor = &cc
		s.lastCursorVis = frame.Cursor.Visible
	}
}

func (s *Session) lastCursorVisible() bool {
	return s.lastCursorVis
}

func (s *Session) sendLocked(msg wire.ServerMessage) {
	if err := s.send(msg); err != nil {
		s.log.Debug().Err(err).Msg("send failed")
	}
}

func (s *Session) emit(msg wire.ServerMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	s.sendLocked(msg)
}

func convertLines(in []renderer.Line) []wire.Line {
	out := make([]wire.Line, len(in))
	for i, l := range in {
		spans := make([]wire.Span, len(l.Spans))
		for j, sp := range l.Spans {
			spans[j] = wire.Span{Text: sp.Text, Fg: sp.Fg, Bg: sp.Bg, Flags: wire.StyleFlags(sp.Flags), Width: sp.Width}
		}
		out[i] = wire.Line{Spans: spans}
	}
	return out
}

// HandleMessage dispatches one client->server wire message, per
// spec.md §4.3. Under Lazy discipline, messages other than resize and
// ping are silently dropped until the first resize arrives.
func (s *Session) HandleMessage(ctx context.Context, msg wire.ClientMessage) {
	s.mu.Lock()
	destroyed := s.destroyed
	needsInit := s.r == nil
	s.mu.Unlock()
	if destroyed {
		return
	}

	if needsInit {
		switch msg.Type {
		case wire.ClientResize:
			s.lazyInit(ctx, msg)
		case wire.ClientPing:
			s.emit(wire.PongMessage())
		}
		return
	}

	switch msg.Type {
	case wire.ClientKey:
		s.handleKey(msg)
	case wire.ClientMouse:
		s.handleMouse(msg)
	case wire.ClientScroll:
		s.handleScroll(msg)
	case wire.ClientResize:
		s.handleResize(ctx, msg)
	case wire.ClientPing:
		s.emit(wire.PongMessage())
	}
}

func (s *Session) lazyInit(ctx context.Context, msg wire.ClientMessage) {
	cols, rows := clamp(msg.Cols, s.maxCols), clamp(msg.Rows, s.maxRows)
	if cols <= 0 || rows <= 0 {
		return
	}

	r, err := s.factory(ctx, cols, rows)
	if err != nil {
		s.emit(wire.ErrorMessage(fmt.Sprintf("create renderer: %v", err)))
		return
	}
	r.OnSelection(s.handleSelection)

	s.mu.Lock()
	s.r = r
	s.cols, s.rows = cols, rows
	s.mu.Unlock()

	if s.onConn != nil {
		s.onConn()
	}
	s.startLoop(ctx)
	s.requestTickAsync()
}

func clamp(v, max int) int {
	if v > max {
		return max
	}
	return v
}

// handleKey forwards one key event to the renderer. The logical key
// name vs. single-character distinction is the renderer's concern
// (ptyrenderer.keyCodeToSequence does the actual mapping); the session
// core only translates wire modifiers to the renderer's vocabulary.
func (s *Session) handleKey(msg wire.ClientMessage) {
	mods := renderer.KeyModifiers{}
	if msg.Modifiers != nil {
		mods = renderer.KeyModifiers{
			Shift: msg.Modifiers.Shift,
			Ctrl:  msg.Modifiers.Ctrl,
			Meta:  msg.Modifiers.Meta,
			Super: msg.Modifiers.Super,
			Hyper: msg.Modifiers.Hyper,
		}
	}

	s.mu.Lock()
	r := s.r
	s.mu.Unlock()
	if r == nil {
		return
	}
	r.PressKey(msg.Key, mods)
	s.requestTickAsync()
}

func (s *Session) handleMouse(msg wire.ClientMessage) {
	s.mu.Lock()
	r := s.r
	s.mu.Unlock()
	if r == nil {
		return
	}

	button := renderer.ButtonLeft
	if msg.Button != nil {
		switch *msg.Button {
		case 1:
			button = renderer.ButtonMiddle
		case 2:
			button = renderer.ButtonRight
		}
	}

	switch msg.Action {
	case wire.MouseDown:
		r.PressDown(msg.X, msg.Y, button)
	case wire.MouseUp:
		r.Release(msg.X, msg.Y, button)
	case wire.MouseMove:
		r.MoveTo(msg.X, msg.Y)
	case wire.MouseScroll:
		// Legacy form: scroll direction is encoded as button 4 (up) or 5 (down).
		dir := renderer.ScrollDown
		if msg.Button != nil && *msg.Button == 4 {
			dir = renderer.ScrollUp
		}
		r.Scroll(msg.X, msg.Y, dir, 1)
	}
	s.requestTickAsync()
}

func (s *Session) handleScroll(msg wire.ClientMessage) {
	s.mu.Lock()
	r := s.r
	s.mu.Unlock()
	if r == nil {
		return
	}

	lines := msg.Lines
	dir := renderer.ScrollDown
	if lines < 0 {
		dir = renderer.ScrollUp
		lines = -lines
	}
	if lines > maxScrollLines {
		lines = maxScrollLines
	}
	r.Scroll(msg.X, msg.Y, dir, lines)
	s.requestTickAsync()
}

func (s *Session) handleResize(ctx context.Context, msg wire.ClientMessage) {
	cols, rows := clamp(msg.Cols, s.maxCols), clamp(msg.Rows, s.maxRows)
	if cols <= 0 || rows <= 0 {
		return
	}

	s.mu.Lock()
	r := s.r
	s.mu.Unlock()
	if r == nil {
		return
	}

	if err := r.Resize(cols, rows); err != nil {
		s.emit(wire.ErrorMessage(fmt.Sprintf("resize: %v", err)))
		return
	}

	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.lastLines = nil // force full redraw, per spec.md §4.3
	s.mu.Unlock()

	s.requestTickAsync()
}

func (s *Session) handleSelection(sel *renderer.Selection) {
	if sel == nil {
		s.emit(wire.SelectionClearMessage())
		return
	}
	s.emit(wire.SelectionMessage(wire.Selection{
		Anchor: wire.Cursor{X: sel.AnchorX, Y: sel.AnchorY},
		Focus:  wire.Cursor{X: sel.FocusX, Y: sel.FocusY},
	}))
}

// Destroy is idempotent: it stops the tick timer, marks the session
// destroyed, and runs the user cleanup exactly once. Safe to call from
// any goroutine.
func (s *Session) Destroy() {
	s.destroyOnce.Do(func() {
		s.mu.Lock()
		s.destroyed = true
		r := s.r
		ticker := s.ticker
		s.mu.Unlock()

		close(s.tickStop)
		if ticker != nil {
			ticker.Stop()
		}
		if r != nil {
			r.Destroy()
		}
		if s.cleanup != nil {
			func() {
				defer func() {
					if rec := recover(); rec != nil {
						s.log.Error().Interface("panic", rec).Msg("cleanup callback panicked")
					}
				}()
				s.cleanup()
			}()
		}
	})
}

// ID returns the session's opaque identifier.
func (s *Session) ID() string { return s.id }
