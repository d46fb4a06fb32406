package wire

import (
	"encoding/json"
	"fmt"
)

// Modifiers are optional boolean keyboard/pointer modifiers. An absent
// field is equivalent to false (the zero value already means that).
type Modifiers struct {
	Shift bool `json:"shift,omitempty"`
	Ctrl  bool `json:"ctrl,omitempty"`
	Meta  bool `json:"meta,omitempty"`  // browser Alt/Option
	Super bool `json:"super,omitempty"` // browser Cmd/Win
	Hyper bool `json:"hyper,omitempty"`
}

// ClientMessageType discriminates the variant of a ClientMessage.
type ClientMessageType string

const (
	ClientKey    ClientMessageType = "key"
	ClientMouse  ClientMessageType = "mouse"
	ClientScroll ClientMessageType = "scroll"
	ClientResize ClientMessageType = "resize"
	ClientPing   ClientMessageType = "ping"
)

// MouseAction discriminates the sub-kind of a "mouse" ClientMessage.
type MouseAction string

const (
	MouseDown   MouseAction = "down"
	MouseUp     MouseAction = "up"
	MouseMove   MouseAction = "move"
	MouseScroll MouseAction = "scroll"
)

// ClientMessage is the closed sum of everything a viewer can send
// upstream, per spec.md §4.1. Exactly one of the type-specific fields is
// meaningful, selected by Type; unmarshal populates only the fields
// present in the JSON for that type, everything else stays zero.
type ClientMessage struct {
	Type ClientMessageType `json:"type"`

	// key
	Key       string     `json:"key,omitempty"`
	Modifiers *Modifiers `json:"modifiers,omitempty"`

	// mouse
	Action MouseAction `json:"action,omitempty"`
	X      int         `json:"x,omitempty"`
	Y      int         `json:"y,omitempty"`
	Button *int        `json:"button,omitempty"`

	// scroll (explicit form)
	Lines int `json:"lines,omitempty"`

	// resize
	Cols int `json:"cols,omitempty"`
	Rows int `json:"rows,omitempty"`
}

// DecodeClientMessage parses a single JSON client->server message.
// Invalid shape/parse errors are returned, never panicked: per spec.md
// §7 the caller is expected to log and drop the message, keeping the
// channel open.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var probe struct {
		Type ClientMessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ClientMessage{}, fmt.Errorf("decode client message envelope: %w", err)
	}
	switch probe.Type {
	case ClientKey, ClientMouse, ClientScroll, ClientResize, ClientPing:
	default:
		return ClientMessage{}, fmt.Errorf("unknown client message type %q", probe.Type)
	}
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("decode client message: %w", err)
	}
	return msg, nil
}

// ServerMessageType discriminates the variant of a ServerMessage.
type ServerMessageType string

const (
	ServerFull           ServerMessageType = "full"
	ServerDiff           ServerMessageType = "diff"
	ServerCursor         ServerMessageType = "cursor"
	ServerSelection      ServerMessageType = "selection"
	ServerSelectionClear ServerMessageType = "selection-clear"
	ServerPong           ServerMessageType = "pong"
	ServerError          ServerMessageType = "error"
)

// ServerMessage is the closed sum of everything a session can send
// downstream to a viewer, per spec.md §4.1.
type ServerMessage struct {
	Type ServerMessageType `json:"type"`

	// full
	Data *FrameSnapshot `json:"data,omitempty"`

	// diff
	Changes []LineDiff `json:"changes,omitempty"`

	// cursor
	X       int  `json:"x,omitempty"`
	Y       int  `json:"y,omitempty"`
	Visible bool `json:"visible,omitempty"`

	// selection
	Anchor *Cursor `json:"anchor,omitempty"`
	Focus  *Cursor `json:"focus,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// Encode marshals a ServerMessage to its wire JSON form.
func (m ServerMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// FullMessage builds a "full" frame message.
func FullMessage(frame FrameSnapshot) ServerMessage {
	return ServerMessage{Type: ServerFull, Data: &frame}
}

// DiffMessage builds a "diff" message from changed lines.
func DiffMessage(changes []LineDiff) ServerMessage {
	return ServerMessage{Type: ServerDiff, Changes: changes}
}

// CursorMessage builds a "cursor" message.
func CursorMessage(x, y int, visible bool) ServerMessage {
	return ServerMessage{Type: ServerCursor, X: x, Y: y, Visible: visible}
}

// SelectionMessage builds a "selection" message.
func SelectionMessage(sel Selection) ServerMessage {
	anchor, focus := sel.Anchor, sel.Focus
	return ServerMessage{Type: ServerSelection, Anchor: &anchor, Focus: &focus}
}

// SelectionClearMessage builds a "selection-clear" message.
func SelectionClearMessage() ServerMessage {
	return ServerMessage{Type: ServerSelectionClear}
}

// PongMessage builds a "pong" message.
func PongMessage() ServerMessage { return ServerMessage{Type: ServerPong} }

// ErrorMessage builds an "error" message carrying a human-readable reason.
func ErrorMessage(reason string) ServerMessage {
	return ServerMessage{Type: ServerError, Message: reason}
}
