// Package bridge turns store changes into presentation side effects: toast
// requests for newly arrived notifications and an unread badge count.
package bridge

import (
	"sync"
	"time"

	"github.com/dimas4dev/talkiplay/internal/logger"
	"github.com/dimas4dev/talkiplay/internal/notification"
)

const DefaultToastDuration = 5 * time.Second

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
)

// SeverityFor maps a notification type to a toast severity. Unknown types
// are informational.
func SeverityFor(t notification.Type) Severity {
	switch t {
	case notification.TypeCancelSubscription:
		return SeverityWarning
	case notification.TypePaymentSuccess:
		return SeveritySuccess
	case notification.TypePaymentFailed:
		return SeverityError
	}
	return SeverityInfo
}

type Toast struct {
	Severity       Severity
	Title          string
	Message        string
	Duration       time.Duration
	NotificationID string
}

// ToastSink receives toast requests. Calls happen on the store's mutation
// path, so implementations must return promptly.
type ToastSink interface {
	Toast(Toast)
}

type ToastSinkFunc func(Toast)

func (f ToastSinkFunc) Toast(t Toast) { f(t) }

// ChannelSink delivers toasts on a buffered channel and drops them when the
// reader falls behind.
type ChannelSink struct {
	C       chan Toast
	dropped int64
	mu      sync.Mutex
}

func NewChannelSink(size int) *ChannelSink {
	if size <= 0 {
		size = 16
	}
	return &ChannelSink{C: make(chan Toast, size)}
}

func (s *ChannelSink) Toast(t Toast) {
	select {
	case s.C <- t:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

func (s *ChannelSink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

type Options struct {
	Sink     ToastSink
	Duration time.Duration
	// OnBadge is called with the unread count whenever it changes.
	OnBadge func(unread int)
	Logger  *logger.Logger
}

// Bridge watches a store. It toasts each notification id at most once,
// whatever the sequence of inserts and deletes. Items delivered by a
// ReplaceAll, including the initial load, are marked seen without a toast
// and never toast later, even when they are still unread.
type Bridge struct {
	store    *notification.Store
	sink     ToastSink
	duration time.Duration
	onBadge  func(int)
	log      *logger.Logger

	mu                sync.Mutex
	seen              map[string]struct{}
	lastObservedCount int
	unread            int
}

func New(store *notification.Store, opts Options) *Bridge {
	duration := opts.Duration
	if duration <= 0 {
		duration = DefaultToastDuration
	}
	sink := opts.Sink
	if sink == nil {
		sink = ToastSinkFunc(func(Toast) {})
	}
	return &Bridge{
		store:    store,
		sink:     sink,
		duration: duration,
		onBadge:  opts.OnBadge,
		log:      logger.OrNop(opts.Logger).WithComponent("bridge"),
		seen:     map[string]struct{}{},
	}
}

// Start subscribes to the store and returns the unsubscribe function.
func (b *Bridge) Start() func() {
	b.mu.Lock()
	for _, n := range b.store.Snapshot() {
		b.seen[n.ID] = struct{}{}
	}
	b.lastObservedCount = b.store.Len()
	b.unread = b.store.UnreadCount()
	b.mu.Unlock()
	return b.store.Subscribe(b.handle)
}

func (b *Bridge) handle(change notification.Change) {
	b.mu.Lock()
	var toasts []Toast
	switch change.Kind {
	case notification.ChangeReplaced:
		for _, id := range change.IDs {
			b.seen[id] = struct{}{}
		}
	case notification.ChangeInserted:
		for _, id := range change.IDs {
			if _, done := b.seen[id]; done {
				continue
			}
			b.seen[id] = struct{}{}
			n, ok := b.store.Get(id)
			if !ok {
				continue
			}
			toasts = append(toasts, b.toastFor(n))
		}
	}
	b.lastObservedCount = change.Total
	unread := b.store.UnreadCount()
	badgeChanged := unread != b.unread
	b.unread = unread
	b.mu.Unlock()

	for _, t := range toasts {
		b.log.Debug("toast", "id", t.NotificationID, "severity", t.Severity)
		b.sink.Toast(t)
	}
	if badgeChanged && b.onBadge != nil {
		b.onBadge(unread)
	}
}

func (b *Bridge) toastFor(n notification.Notification) Toast {
	return Toast{
		Severity:       SeverityFor(n.Type),
		Title:          n.Title,
		Message:        n.Message,
		Duration:       b.duration,
		NotificationID: n.ID,
	}
}

// Unread is the badge value.
func (b *Bridge) Unread() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unread
}

// LastObservedCount is the store size at the last processed change.
func (b *Bridge) LastObservedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastObservedCount
}
