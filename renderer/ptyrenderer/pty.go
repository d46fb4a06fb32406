// Package ptyrenderer is a renderer.Renderer adapter that shells a real
// PTY (via github.com/creack/pty, the same dependency the teacher's
// wasm/example server uses) and does best-effort ANSI interpretation:
// cursor motion, SGR colors/attributes, line wrap, CR/LF/backspace.
//
// It is deliberately not a full VT100/xterm emulator — spec.md places
// cell-grid internals out of scope for the core (§1 Non-goals) — so
// unsupported escape sequences are simply swallowed rather than
// rejected. It exists only so the rest of this module is runnable
// end-to-end against a real shell.
package ptyrenderer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/creack/pty"
	"github.com/mattn/go-runewidth"

	"github.com/termshare/termshare/renderer"
)

const (
	flagBold uint8 = 1 << iota
	flagItalic
	flagUnderline
	flagStrikethrough
	flagInverse
	flagFaint
)

type cell struct {
	ch    rune
	fg    *string
	bg    *string
	flags uint8
}

// Renderer shells cmd (default: $SHELL) behind a PTY and exposes it
// through the renderer.Renderer façade.
type Renderer struct {
	mu sync.Mutex

	cmd  *exec.Cmd
	ptmx *os.File

	cols, rows int
	grid       [][]cell
	cursorX    int // 1-based
	cursorY    int // 1-based
	visible    bool

	curFg, curBg *string
	curFlags     uint8

	// CSI parse state carried across RenderOnce calls, in case an
	// escape sequence straddles two reads.
	pending []byte

	selection *renderer.Selection
	onSel     renderer.SelectionHandler

	bytesCh chan []byte
	destroy sync.Once
}

// New starts `$SHELL` (falling back to /bin/bash) under a PTY sized to
// (cols, rows). It satisfies renderer.Factory.
func New(ctx context.Context, cols, rows int) (renderer.Renderer, error) {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
	}

	cmd := exec.CommandContext(ctx, shell)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}
	if err := pty.Setsize(ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
		ptmx.Close()
		return nil, fmt.Errorf("set pty size: %w", err)
	}

	r := &Renderer{
		cmd:     cmd,
		ptmx:    ptmx,
		cols:    cols,
		rows:    rows,
		cursorX: 1,
		cursorY: 1,
		visible: true,
		bytesCh: make(chan []byte, 64),
	}
	r.resetGrid()

	go r.readLoop()

	return r, nil
}

func (r *Renderer) resetGrid() {
	r.grid = make([][]cell, r.rows)
	for i := range r.grid {
		r.grid[i] = make([]cell, r.cols)
		for j := range r.grid[i] {
			r.grid[i][j] = cell{ch: ' '}
		}
	}
}

func (r *Renderer) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := r.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case r.bytesCh <- chunk:
			default:
				// Back-pressure: drop rather than block a dead reader.
			}
		}
		if err != nil {
			close(r.bytesCh)
			return
		}
	}
}

// RenderOnce drains whatever PTY output has arrived since the last call
// and applies it to the internal grid. It does not block waiting for
// new output, so the session's tick cadence is never stalled by an idle
// shell.
func (r *Renderer) RenderOnce(ctx context.Context) error {
	for {
		select {
		case chunk, ok := <-r.bytesCh:
			if !ok {
				return nil
			}
			r.mu.Lock()
			r.ingest(chunk)
			r.mu.Unlock()
		default:
			return nil
		}
	}
}

func (r *Renderer) CaptureSpans() renderer.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()

	lines := make([]renderer.Line, r.rows)
	for y := 0; y < r.rows; y++ {
		lines[y] = renderer.Line{Spans: rowToSpans(r.grid[y])}
	}

	return renderer.Frame{
		Cols: r.cols,
		Rows: r.rows,
		Cursor: renderer.Cursor{
			X:       r.cursorX,
			Y:       r.cursorY,
			Visible: r.visible,
		},
		Lines: lines,
	}
}

func rowToSpans(row []cell) []renderer.Span {
	var spans []renderer.Span
	var cur *renderer.Span
	var text strings.Builder

	flush := func() {
		if cur != nil {
			cur.Text = text.String()
			cur.Width = runewidth.StringWidth(cur.Text)
			spans = append(spans, *cur)
		}
		text.Reset()
	}

	// Trailing unstyled blank cells carry nothing visible; leave them out
	// so a row's spans end at its last written cell.
	end := len(row)
	for end > 0 && row[end-1] == (cell{ch: ' '}) {
		end--
	}

	for _, c := range row[:end] {
		if cur == nil || !sameStyle(*cur, c) {
			flush()
			cur = &renderer.Span{Fg: c.fg, Bg: c.bg, Flags: c.flags}
		}
		text.WriteRune(c.ch)
	}
	flush()

	if spans == nil {
		spans = []renderer.Span{}
	}
	return spans
}

func sameStyle(s renderer.Span, c cell) bool {
	return ptrEq(s.Fg, c.fg) && ptrEq(s.Bg, c.bg) && s.Flags == c.flags
}

func ptrEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (r *Renderer) Resize(cols, rows int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := pty.Setsize(r.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
		return fmt.Errorf("resize pty: %w", err)
	}
	r.cols, r.rows = cols, rows
	r.resetGrid()
	if r.cursorX > cols {
		r.cursorX = cols
	}
	if r.cursorY > rows {
		r.cursorY = rows
	}
	return nil
}

func (r *Renderer) PressKey(keyCode string, mods renderer.KeyModifiers) {
	seq := keyCodeToSequence(keyCode, mods)
	if seq == "" {
		return
	}
	_, _ = r.ptmx.WriteString(seq)
}

// keyCodeToSequence maps the renderer.Renderer.PressKey vocabulary
// (logical key names, or a single literal character) to the bytes a
// real terminal would generate. Arrow/Home/End use application-cursor
// mode (ESC O) to match $TERM=xterm-256color's default; unrecognized
// multi-character names are dropped rather than guessed at.
func keyCodeToSequence(keyCode string, mods renderer.KeyModifiers) string {
	switch keyCode {
	case "ArrowUp":
		return "\x1bOA"
	case "ArrowDown":
		return "\x1bOB"
	case "ArrowRight":
		return "\x1bOC"
	case "ArrowLeft":
		return "\x1bOD"
	case "Home":
		return "\x1bOH"
	case "End":
		return "\x1bOF"
	case "PageUp":
		return "\x1b[5~"
	case "PageDown":
		return "\x1b[6~"
	case "Insert":
		return "\x1b[2~"
	case "Delete":
		return "\x1b[3~"
	case "Enter":
		return "\r"
	case "Tab":
		return "\t"
	case "Backspace":
		return "\x7f"
	case "Escape":
		return "\x1b"
	case "F1":
		return "\x1bOP"
	case "F2":
		return "\x1bOQ"
	case "F3":
		return "\x1bOR"
	case "F4":
		return "\x1bOS"
	case "F5":
		return "\x1b[15~"
	case "F6":
		return "\x1b[17~"
	case "F7":
		return "\x1b[18~"
	case "F8":
		return "\x1b[19~"
	case "F9":
		return "\x1b[20~"
	case "F10":
		return "\x1b[21~"
	case "F11":
		return "\x1b[23~"
	case "F12":
		return "\x1b[24~"
	}

	runes := []rune(keyCode)
	if len(runes) != 1 {
		return ""
	}
	ch := runes[0]

	if mods.Ctrl && ch >= 'a' && ch <= 'z' {
		return string(rune(ch - 'a' + 1))
	}
	if mods.Ctrl && ch >= 'A' && ch <= 'Z' {
		return string(rune(ch - 'A' + 1))
	}
	return string(ch)
}

func (r *Renderer) PressDown(x, y int, button renderer.MouseButton) {}
func (r *Renderer) Release(x, y int, button renderer.MouseButton)   {}
func (r *Renderer) MoveTo(x, y int)                                 {}
func (r *Renderer) Scroll(x, y int, direction renderer.ScrollDirection, lines int) {
}

func (r *Renderer) OnSelection(handler renderer.SelectionHandler) {
	r.mu.Lock()
	r.onSel = handler
	r.mu.Unlock()
}

func (r *Renderer) SetCursorPosition(x, y int, visible bool) {
	r.mu.Lock()
	r.cursorX, r.cursorY, r.visible = x, y, visible
	r.mu.Unlock()
}

func (r *Renderer) Destroy() {
	r.destroy.Do(func() {
		r.ptmx.Close()
		if r.cmd.Process != nil {
			_ = r.cmd.Process.Kill()
		}
		_, _ = r.cmd.Process.Wait()
	})
}

// ingest applies raw PTY output bytes to the grid, interpreting CSI/SGR
// sequences and plain text. Caller holds r.mu.
func (r *Renderer) ingest(data []byte) {
	buf := append(r.pending, data...)
	r.pending = nil

	i := 0
	for i < len(buf) {
		b := buf[i]
		switch {
		case b == 0x1b && i+1 < len(buf) && buf[i+1] == '[':
			end := findCSITerminator(buf, i+2)
			if end < 0 {
				r.pending = buf[i:]
				return
			}
			r.applyCSI(buf[i+2 : end])
			i = end + 1
		case b == 0x1b && i+1 < len(buf) && buf[i+1] == ']':
			end := findOSCTerminator(buf, i+2)
			if end < 0 {
				r.pending = buf[i:]
				return
			}
			i = end + 1 // OSC (titles, etc.) intentionally ignored
		case b == '\r':
			r.cursorX = 1
			i++
		case b == '\n':
			r.advanceLine()
			i++
		case b == '\b':
			if r.cursorX > 1 {
				r.cursorX--
			}
			i++
		default:
			rn, size := decodeRune(buf[i:])
			r.writeRune(rn)
			i += size
		}
	}
}

func findCSITerminator(buf []byte, from int) int {
	for j := from; j < len(buf); j++ {
		if buf[j] >= 0x40 && buf[j] <= 0x7e {
			return j
		}
	}
	return -1
}

func findOSCTerminator(buf []byte, from int) int {
	for j := from; j < len(buf); j++ {
		if buf[j] == 0x07 {
			return j
		}
		if buf[j] == 0x1b && j+1 < len(buf) && buf[j+1] == '\\' {
			return j + 1
		}
	}
	return -1
}

func decodeRune(b []byte) (rune, int) {
	if b[0] < 0x80 {
		return rune(b[0]), 1
	}
	r := []rune(string(b))
	if len(r) == 0 {
		return ' ', 1
	}
	size := len(string(r[0]))
	if size == 0 {
		size = 1
	}
	return r[0], size
}

func (r *Renderer) writeRune(rn rune) {
	if r.cursorY < 1 {
		r.cursorY = 1
	}
	if r.cursorY > r.rows {
		r.cursorY = r.rows
	}
	if r.cursorX > r.cols {
		r.cursorX = 1
		r.advanceLine()
	}
	row := r.grid[r.cursorY-1]
	row[r.cursorX-1] = cell{ch: rn, fg: r.curFg, bg: r.curBg, flags: r.curFlags}
	r.cursorX++
}

func (r *Renderer) advanceLine() {
	if r.cursorY < r.rows {
		r.cursorY++
		return
	}
	// Scroll the grid up by one row.
	copy(r.grid, r.grid[1:])
	last := make([]cell, r.cols)
	for i := range last {
		last[i] = cell{ch: ' '}
	}
	r.grid[r.rows-1] = last
}

func (r *Renderer) applyCSI(params []byte) {
	if len(params) == 0 {
		return
	}
	final := params[len(params)-1]
	args := parseCSIArgs(params[:len(params)-1])

	switch final {
	case 'A':
		r.cursorY = clamp(r.cursorY-arg(args, 0, 1), 1, r.rows)
	case 'B':
		r.cursorY = clamp(r.cursorY+arg(args, 0, 1), 1, r.rows)
	case 'C':
		r.cursorX = clamp(r.cursorX+arg(args, 0, 1), 1, r.cols)
	case 'D':
		r.cursorX = clamp(r.cursorX-arg(args, 0, 1), 1, r.cols)
	case 'H', 'f':
		r.cursorY = clamp(arg(args, 0, 1), 1, r.rows)
		r.cursorX = clamp(arg(args, 1, 1), 1, r.cols)
	case 'J':
		r.eraseDisplay(arg(args, 0, 0))
	case 'K':
		r.eraseLine(arg(args, 0, 0))
	case 'm':
		r.applySGR(args)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func arg(args []int, idx, def int) int {
	if idx >= len(args) || args[idx] == 0 {
		return def
	}
	return args[idx]
}

func parseCSIArgs(b []byte) []int {
	parts := bytes.Split(b, []byte{';'})
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		if len(p) == 0 {
			out = append(out, 0)
			continue
		}
		n, err := strconv.Atoi(string(p))
		if err != nil {
			n = 0
		}
		out = append(out, n)
	}
	return out
}

func (r *Renderer) eraseDisplay(mode int) {
	switch mode {
	case 2, 3:
		r.resetGrid()
	case 0:
		r.eraseLine(0)
		for y := r.cursorY; y < r.rows; y++ {
			clearRow(r.grid[y])
		}
	case 1:
		for y := 0; y < r.cursorY-1; y++ {
			clearRow(r.grid[y])
		}
		r.eraseLine(1)
	}
}

func (r *Renderer) eraseLine(mode int) {
	row := r.grid[r.cursorY-1]
	switch mode {
	case 0:
		for x := r.cursorX - 1; x < len(row); x++ {
			row[x] = cell{ch: ' '}
		}
	case 1:
		for x := 0; x < r.cursorX; x++ {
			row[x] = cell{ch: ' '}
		}
	case 2:
		clearRow(row)
	}
}

func clearRow(row []cell) {
	for i := range row {
		row[i] = cell{ch: ' '}
	}
}

var ansiColors = []string{
	"#000000", "#cd0000", "#00cd00", "#cdcd00",
	"#0000ee", "#cd00cd", "#00cdcd", "#e5e5e5",
}

var ansiBrightColors = []string{
	"#7f7f7f", "#ff0000", "#00ff00", "#ffff00",
	"#5c5cff", "#ff00ff", "#00ffff", "#ffffff",
}

func (r *Renderer) applySGR(args []int) {
	if len(args) == 0 {
		args = []int{0}
	}
	for i := 0; i < len(args); i++ {
		switch code := args[i]; {
		case code == 0:
			r.curFg, r.curBg, r.curFlags = nil, nil, 0
		case code == 1:
			r.curFlags |= flagBold
		case code == 2:
			r.curFlags |= flagFaint
		case code == 3:
			r.curFlags |= flagItalic
		case code == 4:
			r.curFlags |= flagUnderline
		case code == 7:
			r.curFlags |= flagInverse
		case code == 9:
			r.curFlags |= flagStrikethrough
		case code == 22:
			r.curFlags &^= flagBold | flagFaint
		case code == 23:
			r.curFlags &^= flagItalic
		case code == 24:
			r.curFlags &^= flagUnderline
		case code == 27:
			r.curFlags &^= flagInverse
		case code == 39:
			r.curFg = nil
		case code == 49:
			r.curBg = nil
		case code >= 30 && code <= 37:
			c := ansiColors[code-30]
			r.curFg = &c
		case code >= 40 && code <= 47:
			c := ansiColors[code-40]
			r.curBg = &c
		case code >= 90 && code <= 97:
			c := ansiBrightColors[code-90]
			r.curFg = &c
		case code >= 100 && code <= 107:
			c := ansiBrightColors[code-100]
			r.curBg = &c
		case code == 38 || code == 48:
			consumed, color := parseExtendedColor(args[i:])
			i += consumed
			if color != "" {
				if code == 38 {
					r.curFg = &color
				} else {
					r.curBg = &color
				}
			}
		}
	}
}

// parseExtendedColor parses `38;5;N` or `38;2;R;G;B` (and 48;... forms)
// starting at args[0] == 38/48. Returns how many extra args were
// consumed beyond args[0], and the resolved hex color (empty if unknown).
func parseExtendedColor(args []int) (consumed int, hex string) {
	if len(args) < 2 {
		return 0, ""
	}
	switch args[1] {
	case 5:
		if len(args) < 3 {
			return 1, ""
		}
		return 2, indexedColor(args[2])
	case 2:
		if len(args) < 5 {
			return len(args) - 1, ""
		}
		return 4, fmt.Sprintf("#%02x%02x%02x", args[2], args[3], args[4])
	}
	return 1, ""
}

func indexedColor(n int) string {
	switch {
	case n < 8:
		return ansiColors[n]
	case n < 16:
		return ansiBrightColors[n-8]
	case n < 232:
		n -= 16
		r := (n / 36) % 6
		g := (n / 6) % 6
		b := n % 6
		scale := func(v int) int {
			if v == 0 {
				return 0
			}
			return 55 + v*40
		}
		return fmt.Sprintf("#%02x%02x%02x", scale(r), scale(g), scale(b))
	default:
		gray := 8 + (n-232)*10
		return fmt.Sprintf("#%02x%02x%02x", gray, gray, gray)
	}
}
