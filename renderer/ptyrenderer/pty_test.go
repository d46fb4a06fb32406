package ptyrenderer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/termshare/termshare/renderer"
)

func newTestRenderer(cols, rows int) *Renderer {
	r := &Renderer{cols: cols, rows: rows, cursorX: 1, cursorY: 1, visible: true}
	r.resetGrid()
	return r
}

func TestIngest_PlainTextAdvancesCursor(t *testing.T) {
	r := newTestRenderer(10, 3)
	r.ingest([]byte("hi"))

	require.Equal(t, 3, r.cursorX)
	require.Equal(t, 'h', r.grid[0][0].ch)
	require.Equal(t, 'i', r.grid[0][1].ch)
}

func TestIngest_NewlineAdvancesRowAndCarriageReturnResetsColumn(t *testing.T) {
	r := newTestRenderer(10, 3)
	r.ingest([]byte("ab\r\ncd"))

	require.Equal(t, 2, r.cursorY)
	require.Equal(t, 'c', r.grid[1][0].ch)
	require.Equal(t, 'd', r.grid[1][1].ch)
}

func TestIngest_BackspaceMovesCursorLeft(t *testing.T) {
	r := newTestRenderer(10, 3)
	r.ingest([]byte("ab\b"))
	require.Equal(t, 2, r.cursorX)
}

func TestIngest_CursorPositionCSI(t *testing.T) {
	r := newTestRenderer(10, 5)
	r.ingest([]byte("\x1b[3;4H"))
	require.Equal(t, 3, r.cursorY)
	require.Equal(t, 4, r.cursorX)
}

func TestIngest_EraseDisplayFullClearsGrid(t *testing.T) {
	r := newTestRenderer(5, 2)
	r.ingest([]byte("hello"))
	r.ingest([]byte("\x1b[2J"))
	for _, row := range r.grid {
		for _, c := range row {
			require.Equal(t, ' ', c.ch)
		}
	}
}

func TestIngest_SGRBoldAndColorAppliedToSubsequentRunes(t *testing.T) {
	r := newTestRenderer(10, 2)
	r.ingest([]byte("\x1b[1;31mred"))

	c := r.grid[0][0]
	require.Equal(t, uint8(flagBold), c.flags&flagBold)
	require.NotNil(t, c.fg)
	require.Equal(t, ansiColors[1], *c.fg)
}

func TestIngest_SGRResetClearsStyle(t *testing.T) {
	r := newTestRenderer(10, 2)
	r.ingest([]byte("\x1b[1;31mred\x1b[0mplain"))

	c := r.grid[0][len("red")]
	require.Nil(t, c.fg)
	require.Equal(t, uint8(0), c.flags)
}

func TestIngest_ExtendedColor256(t *testing.T) {
	r := newTestRenderer(10, 2)
	r.ingest([]byte("\x1b[38;5;196mx"))

	c := r.grid[0][0]
	require.NotNil(t, c.fg)
	require.Equal(t, indexedColor(196), *c.fg)
}

func TestIngest_ExtendedColorTruecolor(t *testing.T) {
	r := newTestRenderer(10, 2)
	r.ingest([]byte("\x1b[38;2;10;20;30mx"))

	c := r.grid[0][0]
	require.NotNil(t, c.fg)
	require.Equal(t, "#0a141e", *c.fg)
}

func TestIngest_PartialEscapeSequenceCarriesAcrossCalls(t *testing.T) {
	r := newTestRenderer(10, 2)
	r.ingest([]byte("\x1b[1"))
	require.NotEmpty(t, r.pending)
	r.ingest([]byte(";31mz"))

	c := r.grid[0][0]
	require.Equal(t, 'z', c.ch)
	require.NotNil(t, c.fg)
}

func TestCaptureSpans_GroupsRunsOfSameStyle(t *testing.T) {
	r := newTestRenderer(10, 1)
	r.ingest([]byte("\x1b[1mab\x1b[0mcd"))

	frame := r.CaptureSpans()
	require.Len(t, frame.Lines, 1)
	spans := frame.Lines[0].Spans
	require.GreaterOrEqual(t, len(spans), 2)
	require.Equal(t, "ab", spans[0].Text)
}

func TestCaptureSpans_WideGlyphWidthExceedsRuneCount(t *testing.T) {
	r := newTestRenderer(10, 1)
	r.ingest([]byte("世"))

	frame := r.CaptureSpans()
	spans := frame.Lines[0].Spans
	require.NotEmpty(t, spans)
	require.Equal(t, "世", spans[0].Text)
	require.Equal(t, 2, spans[0].Width)
}

func TestKeyCodeToSequence_NamedKeys(t *testing.T) {
	require.Equal(t, "\x1bOA", keyCodeToSequence("ArrowUp", renderer.KeyModifiers{}))
	require.Equal(t, "\r", keyCodeToSequence("Enter", renderer.KeyModifiers{}))
	require.Equal(t, "\x7f", keyCodeToSequence("Backspace", renderer.KeyModifiers{}))
	require.Equal(t, "\x1b[5~", keyCodeToSequence("PageUp", renderer.KeyModifiers{}))
}

func TestKeyCodeToSequence_LiteralCharacterPassesThrough(t *testing.T) {
	require.Equal(t, "x", keyCodeToSequence("x", renderer.KeyModifiers{}))
}

func TestKeyCodeToSequence_CtrlLetterProducesControlCode(t *testing.T) {
	require.Equal(t, string(rune(3)), keyCodeToSequence("c", renderer.KeyModifiers{Ctrl: true}))
}

func TestKeyCodeToSequence_UnknownMultiCharNameDropped(t *testing.T) {
	require.Equal(t, "", keyCodeToSequence("SomeUnknownKey", renderer.KeyModifiers{}))
}

func TestIndexedColor_LowRangeMatchesANSI(t *testing.T) {
	require.Equal(t, ansiColors[3], indexedColor(3))
	require.Equal(t, ansiBrightColors[2], indexedColor(10))
}
