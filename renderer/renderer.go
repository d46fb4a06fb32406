// Package renderer defines the façade boundary between the session core
// and whatever produces styled cell grids, per spec.md §6.1. The core
// (session, diff, multiplexer, tunnelclient) depends only on this
// interface; it must never assume anything about the renderer beyond
// what is declared here.
package renderer

import "context"

// KeyModifiers mirrors wire.Modifiers without importing wire, so the
// façade has no dependency on the wire codec.
type KeyModifiers struct {
	Shift, Ctrl, Meta, Super, Hyper bool
}

// MouseButton identifies which button a mouse event concerns.
type MouseButton int

const (
	ButtonLeft MouseButton = iota
	ButtonMiddle
	ButtonRight
)

// ScrollDirection is the direction of a synthesized wheel event.
type ScrollDirection int

const (
	ScrollUp ScrollDirection = iota
	ScrollDown
)

// Selection is a cell-coordinate anchor/focus pair, or nil for "no
// selection" / "selection cleared".
type Selection struct {
	AnchorX, AnchorY int
	FocusX, FocusY   int
}

// SelectionHandler is invoked by the renderer when the selection
// changes; sel is nil when the selection is cleared.
type SelectionHandler func(sel *Selection)

// MockInput injects logical key presses, per §6.1.
type MockInput interface {
	PressKey(keyCode string, mods KeyModifiers)
}

// MockMouse injects pointer and wheel events, per §6.1.
type MockMouse interface {
	PressDown(x, y int, button MouseButton)
	Release(x, y int, button MouseButton)
	MoveTo(x, y int)
	Scroll(x, y int, direction ScrollDirection, lines int)
}

// Cursor is the renderer's reported cursor state. The session core emits
// it unchanged, so a renderer reports 1-based coordinates, the wire basis
// per spec.md §9.
type Cursor struct {
	X, Y    int
	Visible bool
}

// Line mirrors wire.Line's shape without importing wire: a row is a
// sequence of styled spans. Concrete fields intentionally match
// wire.Span one-for-one so session can convert with no lossy mapping.
type Span struct {
	Text  string
	Fg    *string
	Bg    *string
	Flags uint8
	Width int
}

type Line struct {
	Spans []Span
}

// Frame is the renderer's captured screen state for one instant.
type Frame struct {
	Cols, Rows int
	Cursor     Cursor
	Offset     int
	Lines      []Line
}

// Renderer is the opaque façade the session core drives. Every method
// that can block or fail is documented; RenderOnce is the only method
// session.Session ever awaits inside its tick (§5 "Suspension points").
type Renderer interface {
	// RenderOnce advances the renderer by one tick. It may block.
	RenderOnce(ctx context.Context) error

	// CaptureSpans returns the current screen as a styled-span frame.
	CaptureSpans() Frame

	// Resize changes the renderer's terminal dimensions.
	Resize(cols, rows int) error

	MockInput
	MockMouse

	// OnSelection registers the single handler invoked when the
	// renderer's selection changes. Only one handler is kept; a second
	// call replaces the first.
	OnSelection(handler SelectionHandler)

	// SetCursorPosition lets the session request a cursor override
	// (used by some input-injection paths); most renderers simply
	// report whatever position input injection already produced.
	SetCursorPosition(x, y int, visible bool)

	// Destroy releases any resources (process, pty, goroutines) this
	// renderer owns. Idempotent.
	Destroy()
}

// Factory creates a Renderer sized to (cols, rows). It may block (process
// spawn, handshake) and may fail, per spec.md §4.3 "Errors in renderer
// creation fail create (propagate to caller)".
type Factory func(ctx context.Context, cols, rows int) (Renderer, error)
