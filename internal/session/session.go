// Package session assembles the notification subsystem behind the surface
// the UI consumes: the current list, stats, filtered views, user actions,
// and the connection state.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dimas4dev/talkiplay/internal/bridge"
	"github.com/dimas4dev/talkiplay/internal/decoder"
	"github.com/dimas4dev/talkiplay/internal/eventstream"
	"github.com/dimas4dev/talkiplay/internal/logger"
	"github.com/dimas4dev/talkiplay/internal/metrics"
	"github.com/dimas4dev/talkiplay/internal/notification"
)

// Stream is the push connection as seen by the session.
type Stream interface {
	Connect() error
	Disconnect()
	Frames() <-chan eventstream.Frame
	Status() eventstream.Status
}

// Loader fetches the authoritative notification list.
type Loader interface {
	LoadAll(ctx context.Context) ([]notification.Notification, error)
}

// Notifier raises a native OS notification for new arrivals when the user
// has allowed it.
type Notifier interface {
	Enabled() bool
	Notify(n notification.Notification) error
}

type nopNotifier struct{}

func (nopNotifier) Enabled() bool { return false }
func (nopNotifier) Notify(notification.Notification) error { return nil }

// Event is a pass-through frame for any event other than notifications.
type Event struct {
	Name       string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

type Options struct {
	Stream   Stream
	Decoder  *decoder.Decoder
	Store    *notification.Store
	Loader   Loader
	Notifier Notifier
	Toasts   bridge.ToastSink
	// ToastDuration defaults to five seconds.
	ToastDuration time.Duration
	Metrics       *metrics.Client
	Logger        *logger.Logger
	LoadTimeout   time.Duration
	// OnEvent receives pass-through events in receipt order.
	OnEvent func(Event)
}

type Session struct {
	stream      Stream
	decoder     *decoder.Decoder
	store       *notification.Store
	loader      Loader
	notifier    Notifier
	bridge      *bridge.Bridge
	metrics     *metrics.Client
	log         *logger.Logger
	loadTimeout time.Duration
	onEvent     func(Event)

	mu          sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	unsubscribe func()
}

func New(opts Options) (*Session, error) {
	if opts.Stream == nil || opts.Decoder == nil || opts.Store == nil {
		return nil, errors.New("session requires a stream, a decoder and a store")
	}
	s := &Session{
		stream:      opts.Stream,
		decoder:     opts.Decoder,
		store:       opts.Store,
		loader:      opts.Loader,
		notifier:    opts.Notifier,
		metrics:     opts.Metrics,
		log:         logger.OrNop(opts.Logger).WithComponent("session"),
		loadTimeout: opts.LoadTimeout,
		onEvent:     opts.OnEvent,
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	if s.loadTimeout <= 0 {
		s.loadTimeout = 30 * time.Second
	}
	sink := opts.Toasts
	if sink == nil {
		sink = bridge.ToastSinkFunc(func(bridge.Toast) {})
	}
	if s.metrics != nil {
		inner := sink
		sink = bridge.ToastSinkFunc(func(t bridge.Toast) {
			s.metrics.Toasts.WithLabelValues(string(t.Severity)).Inc()
			inner.Toast(t)
		})
	}
	s.bridge = bridge.New(s.store, bridge.Options{
		Sink:     sink,
		Duration: opts.ToastDuration,
		Logger:   opts.Logger,
		OnBadge: func(unread int) {
			if s.metrics != nil {
				s.metrics.Unread.Set(float64(unread))
			}
		},
	})
	return s, nil
}

// Start runs the frame consumer, connects the stream and performs the
// initial load. A missing credential is returned; the consumer keeps
// running so a later Reconnect can recover.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.unsubscribe = s.bridge.Start()
	done := s.done
	s.mu.Unlock()

	go s.consume(runCtx, done)

	if s.loader != nil {
		go func() {
			if err := s.Load(runCtx); err != nil && runCtx.Err() == nil {
				s.log.Error("initial load failed", "error", err)
			}
		}()
	}

	if err := s.stream.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// Load replaces the store with the backend's list.
func (s *Session) Load(ctx context.Context) error {
	if s.loader == nil {
		return errors.New("no loader configured")
	}
	ctx, cancel := context.WithTimeout(ctx, s.loadTimeout)
	defer cancel()
	items, err := s.loader.LoadAll(ctx)
	if err != nil {
		return err
	}
	s.store.ReplaceAll(items)
	s.log.Info("notifications loaded", "count", len(items))
	return nil
}

func (s *Session) consume(ctx context.Context, done chan struct{}) {
	defer close(done)
	frames := s.stream.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-frames:
			s.handleFrame(frame)
		}
	}
}

func (s *Session) handleFrame(frame eventstream.Frame) {
	if n, ok := s.decoder.Decode(frame); ok {
		s.countFrame("notification")
		if s.store.Insert(n) {
			s.notifyDesktop(n)
		}
		return
	}
	if eventstream.IsCanonical(frame.Event) {
		if s.metrics != nil {
			s.metrics.FramesDropped.Inc()
		}
		return
	}
	s.countFrame("passthrough")
	if s.onEvent != nil {
		s.onEvent(Event{Name: frame.Event, Payload: frame.Payload, ReceivedAt: frame.ReceivedAt})
	}
}

func (s *Session) countFrame(kind string) {
	if s.metrics != nil {
		s.metrics.FramesReceived.WithLabelValues(kind).Inc()
	}
}

func (s *Session) notifyDesktop(n notification.Notification) {
	if !s.notifier.Enabled() {
		return
	}
	if err := s.notifier.Notify(n); err != nil {
		s.log.Warn("desktop notification failed", "id", n.ID, "error", err)
	}
}

// Close tears the session down: the connection is closed with a normal
// closure, pending reconnect timers are cancelled, and the consumer stops.
// In-flight confirmations are left to finish on their own.
func (s *Session) Close() error {
	s.mu.Lock()
	cancel, done, unsubscribe := s.cancel, s.done, s.unsubscribe
	s.cancel, s.done, s.unsubscribe = nil, nil, nil
	s.mu.Unlock()

	s.stream.Disconnect()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	unsubscribe()
	return nil
}

func (s *Session) Reconnect() error {
	return s.stream.Connect()
}

func (s *Session) Disconnect() {
	s.stream.Disconnect()
}

func (s *Session) ConnectionState() eventstream.Status {
	return s.stream.Status()
}

func (s *Session) Notifications() []notification.Notification {
	return s.store.Snapshot()
}

func (s *Session) Filter(mode notification.FilterMode) []notification.Notification {
	return s.store.Filter(mode)
}

func (s *Session) Stats() notification.Stats {
	return s.store.Stats()
}

func (s *Session) Unread() int {
	return s.bridge.Unread()
}

func (s *Session) MarkRead(id string) error {
	return s.store.MarkRead(id)
}

func (s *Session) MarkAllRead() {
	s.store.MarkAllRead()
}

func (s *Session) DeleteNotification(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// ClearRecentlyAcknowledged is called when the user leaves the unread view.
func (s *Session) ClearRecentlyAcknowledged() {
	s.store.ClearRecentlyAcknowledged()
}
