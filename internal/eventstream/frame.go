package eventstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CanonicalEvent is the event name carrying notification payloads.
const CanonicalEvent = "notification"

// Frame is one inbound message: a named event and its raw payload, stamped
// with the time it was read off the connection.
type Frame struct {
	Event      string          `json:"event"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// IsCanonical reports whether event carries notifications: the bare
// canonical name or a "notification:<kind>" variant.
func IsCanonical(event string) bool {
	return event == CanonicalEvent || strings.HasPrefix(event, CanonicalEvent+":")
}

var errEmptyEvent = errors.New("frame has no event name")

// ParseFrame reads an envelope. Both {event, payload} and the
// {type, data} spelling used by plain websocket emitters are accepted.
func ParseFrame(raw []byte, receivedAt time.Time) (Frame, error) {
	var env struct {
		Event   string          `json:"event"`
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return Frame{}, fmt.Errorf("parse frame: %w", err)
	}
	event := strings.TrimSpace(env.Event)
	if event == "" {
		event = strings.TrimSpace(env.Type)
	}
	if event == "" {
		return Frame{}, errEmptyEvent
	}
	payload := env.Payload
	if len(payload) == 0 {
		payload = env.Data
	}
	return Frame{Event: event, Payload: payload, ReceivedAt: receivedAt}, nil
}
