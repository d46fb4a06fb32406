package wire

import (
	"encoding/json"
	"fmt"
)

// UpstreamEvent is a multiplexer lifecycle event emitted relay->subscriber.
type UpstreamEvent string

const (
	UpstreamDiscovered UpstreamEvent = "upstream_discovered"
	UpstreamConnected  UpstreamEvent = "upstream_connected"
	UpstreamClosed     UpstreamEvent = "upstream_closed"
	UpstreamError      UpstreamEvent = "upstream_error"
)

// EventError carries the error detail of an UpstreamError envelope.
type EventError struct {
	Message string `json:"message"`
	Name    string `json:"name"`
}

// OutEnvelope is what a subscriber sends upstream: a client message
// addressed to one multiplexed id.
type OutEnvelope struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// InEnvelope is what a subscriber receives from the relay: either a
// forwarded server message for ID, or a lifecycle event about ID. Event
// is empty for a plain data-forwarding envelope.
type InEnvelope struct {
	ID    string          `json:"id"`
	Data  json.RawMessage `json:"data,omitempty"`
	Event UpstreamEvent   `json:"event,omitempty"`
	Error *EventError     `json:"error,omitempty"`
}

// IsLifecycleEvent reports whether this envelope carries a lifecycle
// event rather than forwarded message data.
func (e InEnvelope) IsLifecycleEvent() bool { return e.Event != "" }

// DecodeInEnvelope parses a relay->subscriber envelope. Invalid shapes
// are returned as errors, never panicked, matching DecodeClientMessage.
func DecodeInEnvelope(data []byte, env *InEnvelope) error {
	if err := json.Unmarshal(data, env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	return nil
}

// DecodeOutEnvelope parses a subscriber->relay envelope.
func DecodeOutEnvelope(data []byte, env *OutEnvelope) error {
	if err := json.Unmarshal(data, env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	return nil
}

// EncodeOutEnvelope wraps a client message for id into an OutEnvelope.
func EncodeOutEnvelope(id string, msg ClientMessage) (OutEnvelope, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return OutEnvelope{}, err
	}
	return OutEnvelope{ID: id, Data: data}, nil
}

// EncodeDataEnvelope wraps a server message for id into an InEnvelope,
// the shape used relay->subscriber for ordinary frame traffic.
func EncodeDataEnvelope(id string, msg ServerMessage) (InEnvelope, error) {
	data, err := msg.Encode()
	if err != nil {
		return InEnvelope{}, err
	}
	return InEnvelope{ID: id, Data: data}, nil
}

// LifecycleEnvelope builds an InEnvelope carrying a lifecycle event.
func LifecycleEnvelope(id string, event UpstreamEvent) InEnvelope {
	return InEnvelope{ID: id, Event: event}
}

// ErrorEnvelope builds an InEnvelope carrying an upstream_error event.
func ErrorEnvelope(id string, errName, errMessage string) InEnvelope {
	return InEnvelope{ID: id, Event: UpstreamError, Error: &EventError{Message: errMessage, Name: errName}}
}

// Close codes for the multiplexed WebSocket channel, per spec.md §6.4.
const (
	CloseTunnelNotActive     = 4008
	CloseUpstreamAlreadyConn = 4009
	CloseNormal              = 1000
)

// ErrUpstreamAlreadyConnected is the reason string used with
// CloseUpstreamAlreadyConn, per spec.md §4.5/§7.
const ErrUpstreamAlreadyConnected = "Upstream already connected"
