// Package eventstream owns the authenticated push connection: dialing,
// reading frames, and the bounded reconnection policy.
package eventstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"nhooyr.io/websocket"

	"github.com/dimas4dev/talkiplay/internal/credential"
	"github.com/dimas4dev/talkiplay/internal/logger"
)

const (
	DefaultReconnectInterval    = 5 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultHandshakeTimeout     = 20 * time.Second
	DefaultBuffer               = 64
	defaultReadLimit            = 1 << 20

	disconnectReason = "client disconnect"
	exhaustedMessage = "max reconnection attempts reached"
)

var (
	// ErrAuthMissing is returned by Connect when no credential is available.
	ErrAuthMissing = errors.New("no access token found")
	// ErrUnauthorized marks a handshake the server rejected with 401/403.
	ErrUnauthorized = errors.New("handshake rejected")
)

// TransportError wraps a dial or read failure. Status is the websocket close
// code when the peer closed the connection, -1 otherwise.
type TransportError struct {
	Op     string
	Status websocket.StatusCode
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status >= 0 {
		return fmt.Sprintf("%s: closed with status %d: %v", e.Op, int(e.Status), e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// Status is the observable connection state. Exhausted is set when the
// reconnection budget ran out; only Connect clears it.
type Status struct {
	State     State
	Err       string
	Attempts  int
	Exhausted bool
}

type Options struct {
	URL                  string
	Credentials          credential.Provider
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	HandshakeTimeout     time.Duration
	Buffer               int
	HTTPClient           *http.Client
	Logger               *logger.Logger
	Now                  func() time.Time

	// OnStatus observes every state transition.
	OnStatus func(Status)
	// OnReconnectScheduled fires when a reconnect timer is armed.
	OnReconnectScheduled func(attempt int, delay time.Duration)
}

type run struct {
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	stopped atomic.Bool
	conn    *websocket.Conn
}

// Manager keeps one connection per session. Frames from every event,
// canonical or not, are delivered in receipt order on Frames.
type Manager struct {
	url          string
	creds        credential.Provider
	interval     time.Duration
	maxAttempts  int
	handshake    time.Duration
	httpClient   *http.Client
	log          *logger.Logger
	now          func() time.Time
	onStatus     func(Status)
	onReschedule func(int, time.Duration)

	frames chan Frame

	mu     sync.Mutex
	status Status
	active *run

	cbMu sync.Mutex
}

func NewManager(opts Options) (*Manager, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("stream url is required")
	}
	if opts.Credentials == nil {
		return nil, fmt.Errorf("credential provider is required")
	}
	m := &Manager{
		url:          strings.TrimSpace(opts.URL),
		creds:        opts.Credentials,
		interval:     opts.ReconnectInterval,
		maxAttempts:  opts.MaxReconnectAttempts,
		handshake:    opts.HandshakeTimeout,
		httpClient:   opts.HTTPClient,
		log:          logger.OrNop(opts.Logger).WithComponent("eventstream"),
		now:          opts.Now,
		onStatus:     opts.OnStatus,
		onReschedule: opts.OnReconnectScheduled,
	}
	if m.interval <= 0 {
		m.interval = DefaultReconnectInterval
	}
	if m.maxAttempts <= 0 {
		m.maxAttempts = DefaultMaxReconnectAttempts
	}
	if m.handshake <= 0 {
		m.handshake = DefaultHandshakeTimeout
	}
	if m.now == nil {
		m.now = time.Now
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	m.frames = make(chan Frame, buffer)
	return m, nil
}

// Frames is the bounded inbound queue. It is never closed.
func (m *Manager) Frames() <-chan Frame {
	return m.frames
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Connect starts the connection loop, or does nothing if one is already
// running. A run that Disconnect is tearing down is waited out first. It
// fails fast with ErrAuthMissing when there is no credential.
func (m *Manager) Connect() error {
	m.mu.Lock()
	for m.active != nil {
		r := m.active
		if !r.stopped.Load() {
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()
		<-r.done
		m.mu.Lock()
	}
	if _, err := m.creds.AccessToken(); err != nil {
		status := Status{State: Disconnected, Err: ErrAuthMissing.Error()}
		m.status = status
		m.mu.Unlock()
		m.log.Error("connect refused", "error", err)
		m.emit(status)
		return fmt.Errorf("%w: %v", ErrAuthMissing, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	m.active = r
	status := Status{State: Connecting}
	m.status = status
	m.mu.Unlock()

	m.emit(status)
	go m.loop(r)
	return nil
}

// Disconnect closes the connection with a normal closure, cancels any
// pending reconnect timer and waits for the loop to exit. It is idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	r := m.active
	var conn *websocket.Conn
	if r != nil {
		r.stopped.Store(true)
		conn = r.conn
	}
	m.mu.Unlock()
	if r == nil {
		return
	}

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, disconnectReason); err != nil {
			m.log.Debug("close handshake incomplete", "error", err)
		}
	}
	r.cancel()
	<-r.done
}

// Close is Disconnect.
func (m *Manager) Close() error {
	m.Disconnect()
	return nil
}

func (m *Manager) newBackoff() retry.Backoff {
	return retry.WithMaxRetries(uint64(m.maxAttempts-1), retry.NewConstant(m.interval))
}

func (m *Manager) loop(r *run) {
	defer close(r.done)
	defer r.cancel()

	backoff := m.newBackoff()
	failures := 0
	for {
		token, err := m.creds.AccessToken()
		if err != nil {
			m.log.Error("credential lost, stopping", "error", err)
			m.finish(r, Status{State: Disconnected, Err: ErrAuthMissing.Error(), Attempts: failures})
			return
		}
		m.update(r, Status{State: Connecting, Attempts: failures})

		connected, err := m.serve(r, token)
		if r.stopped.Load() || r.ctx.Err() != nil {
			m.finish(r, Status{State: Disconnected})
			return
		}
		if connected {
			failures = 0
			backoff = m.newBackoff()
		}

		// Every closure Disconnect did not ask for, including a server's
		// normal closure, goes through the bounded retry.
		code := websocket.StatusCode(-1)
		var terr *TransportError
		if errors.As(err, &terr) {
			code = terr.Status
		}

		failures++
		delay, stop := backoff.Next()
		if stop {
			m.log.Error("reconnection attempts exhausted", "attempts", failures, "error", err)
			m.finish(r, Status{State: Disconnected, Err: exhaustedMessage, Attempts: failures, Exhausted: true})
			return
		}
		m.update(r, Status{State: Disconnected, Err: errorText(err), Attempts: failures})
		m.log.Warn("connection lost, reconnect scheduled", "attempt", failures, "delay", delay, "close_status", int(code), "error", err)
		if m.onReschedule != nil {
			m.onReschedule(failures, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-r.ctx.Done():
			timer.Stop()
			m.finish(r, Status{State: Disconnected})
			return
		case <-timer.C:
		}
	}
}

// serve dials and pumps frames until the connection ends. connected reports
// whether the handshake succeeded.
func (m *Manager) serve(r *run, token string) (connected bool, err error) {
	dialCtx, cancel := context.WithTimeout(r.ctx, m.handshake)
	conn, resp, err := websocket.Dial(dialCtx, m.url, &websocket.DialOptions{
		HTTPClient: m.httpClient,
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	cancel()
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			err = fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
		}
		return false, &TransportError{Op: "dial", Status: -1, Err: err}
	}
	conn.SetReadLimit(defaultReadLimit)

	m.mu.Lock()
	if m.active != r || r.stopped.Load() {
		m.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, disconnectReason)
		return true, nil
	}
	r.conn = conn
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		r.conn = nil
		m.mu.Unlock()
	}()

	m.update(r, Status{State: Connected})
	m.log.Info("connected", "url", m.url)

	for {
		_, data, err := conn.Read(r.ctx)
		if err != nil {
			return true, &TransportError{Op: "read", Status: websocket.CloseStatus(err), Err: err}
		}
		frame, err := ParseFrame(data, m.now())
		if err != nil {
			m.log.Warn("malformed frame dropped", "error", err)
			continue
		}
		m.log.Debug("frame received", "event", frame.Event)
		select {
		case m.frames <- frame:
		case <-r.ctx.Done():
			return true, r.ctx.Err()
		}
	}
}

func (m *Manager) update(r *run, status Status) {
	m.mu.Lock()
	if m.active != r {
		m.mu.Unlock()
		return
	}
	m.status = status
	m.mu.Unlock()
	m.emit(status)
}

func (m *Manager) finish(r *run, status Status) {
	m.mu.Lock()
	if m.active != r {
		m.mu.Unlock()
		return
	}
	m.active = nil
	m.status = status
	m.mu.Unlock()
	m.emit(status)
}

func (m *Manager) emit(status Status) {
	if m.onStatus == nil {
		return
	}
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onStatus(status)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
