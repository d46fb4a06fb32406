// Package wire defines the message and data shapes shared by both
// polarities of the duplex channel: client<->server and
// subscriber<->relay. It has no behavior of its own, only encode/decode.
package wire

import "github.com/mattn/go-runewidth"

// StyleFlags is a bitfield of visual attributes carried by a Span.
type StyleFlags uint8

const (
	FlagBold StyleFlags = 1 << iota
	FlagItalic
	FlagUnderline
	FlagStrikethrough
	FlagInverse
	FlagFaint
)

// Span is a run of characters sharing visual attributes.
type Span struct {
	Text  string     `json:"text"`
	Fg    *string    `json:"fg,omitempty"`
	Bg    *string    `json:"bg,omitempty"`
	Flags StyleFlags `json:"flags"`
	Width int        `json:"width"`
}

// NewSpan builds a Span, computing Width from Text via rune display
// width so callers don't have to track wide-glyph accounting themselves.
func NewSpan(text string, fg, bg *string, flags StyleFlags) Span {
	return Span{
		Text:  text,
		Fg:    fg,
		Bg:    bg,
		Flags: flags,
		Width: runewidth.StringWidth(text),
	}
}

// Equal reports structural equality per spec.md §3: same text, fg, bg,
// flags and width. Two nil color pointers are equal; a nil and non-nil
// are not, regardless of pointed-to value.
func (s Span) Equal(o Span) bool {
	if s.Text != o.Text || s.Flags != o.Flags || s.Width != o.Width {
		return false
	}
	return strPtrEqual(s.Fg, o.Fg) && strPtrEqual(s.Bg, o.Bg)
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Line is an ordered sequence of spans covering one terminal row.
type Line struct {
	Spans []Span `json:"spans"`
}

// EmptyLine is the canonical zero-value line used to pad/clear rows.
func EmptyLine() Line { return Line{Spans: []Span{}} }

// Equal reports structural equality per spec.md §3: same span count and
// pairwise-equal spans.
func (l Line) Equal(o Line) bool {
	if len(l.Spans) != len(o.Spans) {
		return false
	}
	for i := range l.Spans {
		if !l.Spans[i].Equal(o.Spans[i]) {
			return false
		}
	}
	return true
}

// Cursor is a 1-based cell position, per spec.md §9.
type Cursor struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Equal reports whether two cursor positions are the same (x, y) pair.
func (c Cursor) Equal(o Cursor) bool { return c.X == o.X && c.Y == o.Y }

// FrameSnapshot is the terminal's visible state at one instant.
type FrameSnapshot struct {
	Cols          int    `json:"cols"`
	Rows          int    `json:"rows"`
	Cursor        Cursor `json:"cursor"`
	CursorVisible bool   `json:"cursorVisible"`
	Offset        int    `json:"offset"`
	TotalLines    int    `json:"totalLines"`
	Lines         []Line `json:"lines"`
}

// LineDiff is one changed row; the absence of index i in a []LineDiff
// means line i is unchanged from the prior transmission.
type LineDiff struct {
	Index int  `json:"index"`
	Line  Line `json:"line"`
}

// Selection is a cell-coordinate text selection span.
type Selection struct {
	Anchor Cursor `json:"anchor"`
	Focus  Cursor `json:"focus"`
}
