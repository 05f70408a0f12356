// Package decoder turns inbound push frames into notifications.
package decoder

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/dimas4dev/talkiplay/internal/eventstream"
	"github.com/dimas4dev/talkiplay/internal/logger"
	"github.com/dimas4dev/talkiplay/internal/notification"
)

const schemaURL = "https://talkiplay.local/schemas/notification.json"

const notificationSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id"],
  "properties": {
    "id": {"type": ["string", "integer"], "minLength": 1},
    "type": {"type": ["string", "null"]},
    "title": {"type": ["string", "null"]},
    "message": {"type": ["string", "null"]},
    "recipient_id": {"type": ["string", "integer", "null"]},
    "sender_id": {"type": ["string", "integer", "null"]},
    "is_read": {"type": ["boolean", "null"]},
    "created_at": {"type": ["string", "number", "null"]},
    "read_at": {"type": ["string", "number", "null"]}
  }
}`

// DefaultSender is stamped on pushed notifications that name no sender.
const DefaultSender = "system"

// DecodeError describes a frame that could not be turned into a
// notification.
type DecodeError struct {
	Event  string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %q: %s: %v", e.Event, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %q: %s", e.Event, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ErrNotNotification marks frames that are well formed but carry no
// notification. Callers treat these as pass-through events.
var ErrNotNotification = errors.New("frame carries no notification")

type Options struct {
	Logger *logger.Logger
	Now    func() time.Time
}

type Decoder struct {
	schema *jsonschema.Schema
	log    *logger.Logger
	now    func() time.Time
}

func New(opts Options) (*Decoder, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(notificationSchema))
	if err != nil {
		return nil, fmt.Errorf("parse notification schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("add notification schema: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile notification schema: %w", err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Decoder{
		schema: schema,
		log:    logger.OrNop(opts.Logger).WithComponent("decoder"),
		now:    now,
	}, nil
}

// Decode yields the notification carried by frame, if any. Malformed frames
// are logged and dropped; they never surface as errors.
func (d *Decoder) Decode(frame eventstream.Frame) (notification.Notification, bool) {
	n, err := d.decode(frame)
	if err != nil {
		if errors.Is(err, ErrNotNotification) {
			d.log.Debug("frame ignored", "event", frame.Event)
		} else {
			d.log.Warn("frame dropped", "event", frame.Event, "error", err)
		}
		return notification.Notification{}, false
	}
	return n, true
}

func (d *Decoder) decode(frame eventstream.Frame) (notification.Notification, error) {
	canonical := eventstream.IsCanonical(frame.Event)
	if len(bytes.TrimSpace(frame.Payload)) == 0 {
		if canonical {
			return notification.Notification{}, &DecodeError{Event: frame.Event, Reason: "empty payload"}
		}
		return notification.Notification{}, ErrNotNotification
	}
	payload, err := jsonschema.UnmarshalJSON(bytes.NewReader(frame.Payload))
	if err != nil {
		return notification.Notification{}, &DecodeError{Event: frame.Event, Reason: "invalid json", Err: err}
	}

	raw, ok := unwrap(payload, canonical)
	if !ok {
		if canonical {
			return notification.Notification{}, &DecodeError{Event: frame.Event, Reason: "unrecognised payload shape"}
		}
		return notification.Notification{}, ErrNotNotification
	}
	if err := d.schema.Validate(raw); err != nil {
		return notification.Notification{}, &DecodeError{Event: frame.Event, Reason: "schema violation", Err: err}
	}
	return d.build(raw, frame.ReceivedAt)
}

// unwrap finds the notification object inside payload. Every event accepts
// the array form [{notification: {...}, ...}]; canonical events also accept
// {notification: {...}} and a bare notification object.
func unwrap(payload any, canonical bool) (map[string]any, bool) {
	switch v := payload.(type) {
	case []any:
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if inner, ok := obj["notification"].(map[string]any); ok {
				return inner, true
			}
		}
	case map[string]any:
		if !canonical {
			return nil, false
		}
		if inner, ok := v["notification"].(map[string]any); ok {
			return inner, true
		}
		if _, hasID := v["id"]; hasID {
			return v, true
		}
	}
	return nil, false
}

func (d *Decoder) build(raw map[string]any, receivedAt time.Time) (notification.Notification, error) {
	now := receivedAt
	if now.IsZero() {
		now = d.now()
	}
	n := notification.Notification{
		ID:          scalarString(raw["id"]),
		Type:        notification.Type(scalarString(raw["type"])),
		Title:       scalarString(raw["title"]),
		Message:     scalarString(raw["message"]),
		RecipientID: scalarString(raw["recipient_id"]),
		SenderID:    scalarString(raw["sender_id"]),
		CreatedAt:   parseTime(raw["created_at"], now),
	}
	if strings.TrimSpace(n.ID) == "" {
		return notification.Notification{}, &DecodeError{Reason: "empty id"}
	}
	if data, ok := raw["data"]; ok && data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return notification.Notification{}, &DecodeError{Reason: "re-encode data", Err: err}
		}
		n.Data = encoded
		if n.RecipientID == "" {
			if obj, ok := data.(map[string]any); ok {
				n.RecipientID = scalarString(obj["user_id"])
			}
		}
	}
	if n.RecipientID == "" {
		n.RecipientID = notification.UnknownRecipient
	}
	if n.SenderID == "" {
		n.SenderID = DefaultSender
	}
	return n, nil
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02",
}

// parseTime accepts ISO-8601 style strings and unix timestamps in seconds or
// milliseconds. Anything else yields fallback.
func parseTime(v any, fallback time.Time) time.Time {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts
			}
		}
	case json.Number:
		if i, err := t.Int64(); err == nil && i > 0 {
			if i >= 1e12 {
				return time.UnixMilli(i).UTC()
			}
			return time.Unix(i, 0).UTC()
		}
		if f, err := t.Float64(); err == nil && f > 0 {
			sec := int64(f)
			return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC()
		}
	}
	return fallback
}
