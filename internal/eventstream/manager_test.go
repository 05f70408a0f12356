package eventstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/dimas4dev/talkiplay/internal/credential"
)

type dialCounter struct {
	n atomic.Int32
}

func (d *dialCounter) wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.n.Add(1)
		next(w, r)
	}
}

func (d *dialCounter) count() int {
	return int(d.n.Load())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestManager(t *testing.T, url string, opts Options) *Manager {
	t.Helper()
	opts.URL = url
	if opts.Credentials == nil {
		opts.Credentials = credential.Static("tok_test")
	}
	if opts.ReconnectInterval == 0 {
		opts.ReconnectInterval = 10 * time.Millisecond
	}
	m, err := NewManager(opts)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(m.Disconnect)
	return m
}

func TestConnectRequiresCredential(t *testing.T) {
	var statuses []Status
	m := newTestManager(t, "ws://127.0.0.1:1/ws", Options{
		Credentials: credential.Static(""),
		OnStatus:    func(s Status) { statuses = append(statuses, s) },
	})
	err := m.Connect()
	if !errors.Is(err, ErrAuthMissing) {
		t.Fatalf("expected ErrAuthMissing, got %v", err)
	}
	status := m.Status()
	if status.State != Disconnected || status.Err == "" {
		t.Fatalf("expected disconnected with error, got %+v", status)
	}
	if len(statuses) != 1 {
		t.Fatalf("expected one status notification, got %d", len(statuses))
	}
}

func TestConnectSendsBearerAndForwardsFrames(t *testing.T) {
	var dials dialCounter
	closed := make(chan websocket.StatusCode, 1)
	srv := httptest.NewServer(dials.wrap(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok_test" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"event":"notification","payload":[{"notification":{"id":"n_1"}}]}`))
		_ = c.Write(ctx, websocket.MessageText, []byte(`not json`))
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"presence","data":{"online":3}}`))
		_, _, err = c.Read(ctx)
		closed <- websocket.CloseStatus(err)
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL, Options{})
	if err := m.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := m.Connect(); err != nil {
		t.Fatalf("second connect should be a no-op, got %v", err)
	}

	var got []Frame
	for len(got) < 2 {
		select {
		case f := <-m.Frames():
			got = append(got, f)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for frames, got %d", len(got))
		}
	}
	if got[0].Event != "notification" || !IsCanonical(got[0].Event) {
		t.Fatalf("expected canonical notification frame first, got %+v", got[0])
	}
	if got[1].Event != "presence" || string(got[1].Payload) != `{"online":3}` {
		t.Fatalf("expected pass-through presence frame, got %+v", got[1])
	}
	if got[1].ReceivedAt.IsZero() {
		t.Fatalf("expected receipt timestamp on pass-through frame")
	}
	waitFor(t, "connected state", func() bool { return m.Status().State == Connected })

	m.Disconnect()
	m.Disconnect()

	select {
	case code := <-closed:
		if code != websocket.StatusNormalClosure {
			t.Fatalf("expected normal closure from client, got %d", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("server never observed the close")
	}
	time.Sleep(50 * time.Millisecond)
	if dials.count() != 1 {
		t.Fatalf("expected exactly one dial, got %d", dials.count())
	}
	if status := m.Status(); status.State != Disconnected || status.Err != "" {
		t.Fatalf("expected clean disconnected state, got %+v", status)
	}
}

func TestReconnectStopsAfterMaxAttempts(t *testing.T) {
	var dials dialCounter
	srv := httptest.NewServer(dials.wrap(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL, Options{MaxReconnectAttempts: 3})
	if err := m.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "exhausted state", func() bool { return m.Status().Exhausted })

	time.Sleep(60 * time.Millisecond)
	if dials.count() != 3 {
		t.Fatalf("expected 3 dial attempts, got %d", dials.count())
	}
	status := m.Status()
	if status.State != Disconnected || status.Attempts != 3 || status.Err == "" {
		t.Fatalf("unexpected exhausted status %+v", status)
	}

	if err := m.Connect(); err != nil {
		t.Fatalf("explicit reconnect: %v", err)
	}
	if m.Status().Exhausted {
		t.Fatalf("expected Connect to clear the exhausted flag")
	}
	waitFor(t, "second exhaustion", func() bool { return m.Status().Exhausted })
	if dials.count() != 6 {
		t.Fatalf("expected 6 dial attempts after explicit connect, got %d", dials.count())
	}
}

func TestAbnormalServerCloseSchedulesReconnect(t *testing.T) {
	var dials dialCounter
	srv := httptest.NewServer(dials.wrap(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		if dials.count() == 1 {
			_ = c.Close(websocket.StatusInternalError, "boom")
			return
		}
		_, _, _ = c.Read(r.Context())
	}))
	defer srv.Close()

	var mu sync.Mutex
	var scheduled []int
	m := newTestManager(t, srv.URL, Options{
		OnReconnectScheduled: func(attempt int, delay time.Duration) {
			mu.Lock()
			scheduled = append(scheduled, attempt)
			mu.Unlock()
		},
	})
	if err := m.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "second connection", func() bool {
		return dials.count() == 2 && m.Status().State == Connected
	})

	mu.Lock()
	defer mu.Unlock()
	if len(scheduled) != 1 || scheduled[0] != 1 {
		t.Fatalf("expected one reconnect scheduled for attempt 1, got %v", scheduled)
	}
	if m.Status().Attempts != 0 {
		t.Fatalf("expected successful connection to reset attempts, got %d", m.Status().Attempts)
	}
}

func TestNormalServerCloseSchedulesReconnect(t *testing.T) {
	var dials dialCounter
	srv := httptest.NewServer(dials.wrap(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		if dials.count() == 1 {
			_ = c.Close(websocket.StatusNormalClosure, "server restart")
			return
		}
		_, _, _ = c.Read(r.Context())
	}))
	defer srv.Close()

	var scheduled atomic.Int32
	m := newTestManager(t, srv.URL, Options{
		OnReconnectScheduled: func(int, time.Duration) { scheduled.Add(1) },
	})
	if err := m.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "reconnect after server close", func() bool {
		return dials.count() == 2 && m.Status().State == Connected
	})
	if scheduled.Load() != 1 {
		t.Fatalf("expected one reconnect timer, got %d", scheduled.Load())
	}
}

func TestConnectWaitsForStoppingRun(t *testing.T) {
	var dials dialCounter
	srv := httptest.NewServer(dials.wrap(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_, _, _ = c.Read(r.Context())
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL, Options{})
	old := &run{done: make(chan struct{})}
	old.ctx, old.cancel = context.WithCancel(context.Background())
	old.stopped.Store(true)
	m.mu.Lock()
	m.active = old
	m.mu.Unlock()

	go func() {
		time.Sleep(20 * time.Millisecond)
		old.cancel()
		m.finish(old, Status{State: Disconnected})
		close(old.done)
	}()

	if err := m.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	m.mu.Lock()
	fresh := m.active
	m.mu.Unlock()
	if fresh == nil || fresh == old {
		t.Fatalf("expected a new run after the stopping one finished")
	}
	waitFor(t, "new connection", func() bool {
		return dials.count() == 1 && m.Status().State == Connected
	})
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	var dials dialCounter
	srv := httptest.NewServer(dials.wrap(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	armed := make(chan struct{}, 1)
	m := newTestManager(t, srv.URL, Options{
		ReconnectInterval: time.Hour,
		OnReconnectScheduled: func(int, time.Duration) {
			select {
			case armed <- struct{}{}:
			default:
			}
		},
	})
	if err := m.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	select {
	case <-armed:
	case <-time.After(3 * time.Second):
		t.Fatalf("reconnect timer was never armed")
	}

	done := make(chan struct{})
	go func() {
		m.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("disconnect blocked on the pending reconnect timer")
	}
	if dials.count() != 1 {
		t.Fatalf("expected one dial, got %d", dials.count())
	}
	if status := m.Status(); status.State != Disconnected || status.Exhausted {
		t.Fatalf("expected disconnected state, got %+v", status)
	}
}

func TestHandshakeRejectionIsUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL, Options{})
	r := &run{done: make(chan struct{})}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	defer r.cancel()

	connected, err := m.serve(r, "tok_bad")
	if connected {
		t.Fatalf("expected handshake to fail")
	}
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Op != "dial" {
		t.Fatalf("expected dial TransportError, got %v", err)
	}
}

func TestParseFrame(t *testing.T) {
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	f, err := ParseFrame([]byte(`{"event":"notification:payment_failed","payload":[1]}`), at)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Event != "notification:payment_failed" || string(f.Payload) != `[1]` || !f.ReceivedAt.Equal(at) {
		t.Fatalf("unexpected frame %+v", f)
	}
	if !IsCanonical(f.Event) || IsCanonical("notifications") {
		t.Fatalf("unexpected canonical classification")
	}
	if _, err := ParseFrame([]byte(`{"payload":[]}`), at); err == nil {
		t.Fatalf("expected error for frame without event")
	}
	if _, err := ParseFrame([]byte(`[`), at); err == nil {
		t.Fatalf("expected error for invalid json")
	}
}
