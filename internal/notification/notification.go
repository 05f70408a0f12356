// Package notification holds the notification model and the in-memory store
// that owns every mutation of it during a session.
package notification

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("notification not found")
	ErrInvalidInput = errors.New("invalid notification")
)

// UnknownRecipient is the recipient sentinel used when a payload names none.
const UnknownRecipient = "unknown"

// Type is the notification category. Values outside the known set are kept
// verbatim and treated as the default category.
type Type string

const (
	TypeNewReport          Type = "new_report"
	TypeCancelSubscription Type = "cancel_subscription"
	TypePaymentSuccess     Type = "payment_success"
	TypePaymentFailed      Type = "payment_failed"
)

// Known reports whether t is one of the recognised categories.
func (t Type) Known() bool {
	switch t {
	case TypeNewReport, TypeCancelSubscription, TypePaymentSuccess, TypePaymentFailed:
		return true
	}
	return false
}

// ReadState tracks how far a read flip has travelled towards the backend.
type ReadState int

const (
	Unread ReadState = iota
	// ReadLocal: flipped locally, confirmation pending.
	ReadLocal
	ReadConfirmed
	// ReadConfirmFailed: flipped locally, backend rejected or was unreachable.
	ReadConfirmFailed
)

func (s ReadState) String() string {
	switch s {
	case Unread:
		return "unread"
	case ReadLocal:
		return "local"
	case ReadConfirmed:
		return "confirmed"
	case ReadConfirmFailed:
		return "failed_confirm"
	}
	return fmt.Sprintf("read_state(%d)", int(s))
}

type Notification struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	Title       string          `json:"title"`
	Message     string          `json:"message"`
	Data        json.RawMessage `json:"data,omitempty"`
	RecipientID string          `json:"recipient_id"`
	SenderID    string          `json:"sender_id,omitempty"`
	IsRead      bool            `json:"is_read"`
	CreatedAt   time.Time       `json:"created_at"`
	ReadAt      *time.Time      `json:"read_at,omitempty"`
	ReadState   ReadState       `json:"-"`
}

// Clone returns a copy that shares no mutable state with n.
func (n Notification) Clone() Notification {
	out := n
	if n.ReadAt != nil {
		at := *n.ReadAt
		out.ReadAt = &at
	}
	if n.Data != nil {
		out.Data = append(json.RawMessage(nil), n.Data...)
	}
	return out
}

// normalize fills defaults and checks the invariants a stored item must hold.
func (n *Notification) normalize(now time.Time) error {
	n.ID = strings.TrimSpace(n.ID)
	if n.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidInput)
	}
	if strings.TrimSpace(n.RecipientID) == "" {
		n.RecipientID = UnknownRecipient
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.IsRead {
		if n.ReadAt == nil {
			at := now
			n.ReadAt = &at
		}
		if n.ReadState == Unread {
			n.ReadState = ReadConfirmed
		}
	} else {
		n.ReadAt = nil
		n.ReadState = Unread
	}
	return nil
}

// FilterMode selects the view returned by Store.Filter.
type FilterMode string

const (
	FilterAll    FilterMode = "all"
	FilterUnread FilterMode = "unread"
)

func ParseFilterMode(raw string) (FilterMode, error) {
	switch FilterMode(strings.ToLower(strings.TrimSpace(raw))) {
	case FilterAll, "":
		return FilterAll, nil
	case FilterUnread:
		return FilterUnread, nil
	}
	return "", fmt.Errorf("%w: filter mode %q", ErrInvalidInput, raw)
}

// Stats are derived counters. Today and LastWeek are relative to the time
// they were computed.
type Stats struct {
	Total    int `json:"total"`
	Unread   int `json:"unread"`
	Read     int `json:"read"`
	Today    int `json:"today"`
	LastWeek int `json:"lastWeek"`
}

const (
	todayWindow    = 24 * time.Hour
	lastWeekWindow = 168 * time.Hour
)

// ComputeStats scans items relative to now.
func ComputeStats(items []Notification, now time.Time) Stats {
	var st Stats
	for i := range items {
		st.add(items[i].IsRead, items[i].CreatedAt, now)
	}
	return st
}

func (st *Stats) add(isRead bool, createdAt, now time.Time) {
	st.Total++
	if isRead {
		st.Read++
	} else {
		st.Unread++
	}
	age := now.Sub(createdAt)
	switch {
	case age < todayWindow:
		st.Today++
	case age < lastWeekWindow:
		st.LastWeek++
	}
}
