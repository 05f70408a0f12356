package backend

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/dimas4dev/talkiplay/internal/logger"
	"github.com/dimas4dev/talkiplay/internal/metrics"
)

const (
	defaultClientBuffer = 16
	hubWriteTimeout     = 5 * time.Second
)

var ErrHubClosed = errors.New("hub closed")

type hubClient struct {
	send    chan []byte
	done    chan struct{}
	subject string
}

// Hub fans frames out to connected websocket clients. A client whose
// buffer is full misses the frame instead of stalling the broadcast.
type Hub struct {
	mu      sync.Mutex
	clients map[*hubClient]struct{}
	closed  bool

	buffer         int
	originPatterns []string
	metrics        *metrics.Backend
	log            *logger.Logger
}

type HubOptions struct {
	Buffer         int
	OriginPatterns []string
	Metrics        *metrics.Backend
	Logger         *logger.Logger
}

func NewHub(opts HubOptions) *Hub {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultClientBuffer
	}
	return &Hub{
		clients:        map[*hubClient]struct{}{},
		buffer:         opts.Buffer,
		originPatterns: opts.OriginPatterns,
		metrics:        opts.Metrics,
		log:            logger.OrNop(opts.Logger).WithComponent("hub"),
	}
}

// Serve upgrades the request and pumps broadcast frames to the client
// until it disconnects or the hub closes. It blocks for the connection's
// lifetime.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, subject string) error {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		return err
	}
	client := &hubClient{
		send:    make(chan []byte, h.buffer),
		done:    make(chan struct{}),
		subject: subject,
	}
	if !h.register(client) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return ErrHubClosed
	}
	defer h.unregister(client)

	h.log.Debug("websocket client connected", "subject", subject)
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return nil
		case <-client.done:
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return nil
		case frame := <-client.send:
			writeCtx, cancel := context.WithTimeout(ctx, hubWriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				h.log.Debug("websocket write failed", "subject", subject, "error", err)
				_ = conn.Close(websocket.StatusInternalError, "write failed")
				return nil
			}
		}
	}
}

func (h *Hub) register(c *hubClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	if h.metrics != nil {
		h.metrics.Clients.Set(float64(len(h.clients)))
	}
	return true
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	if h.metrics != nil {
		h.metrics.Clients.Set(float64(len(h.clients)))
	}
}

// Broadcast queues frame for every client and returns how many accepted it.
func (h *Hub) Broadcast(frame []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0
	}
	delivered := 0
	for c := range h.clients {
		select {
		case c.send <- frame:
			delivered++
		default:
			if h.metrics != nil {
				h.metrics.BroadcastDropped.Inc()
			}
			h.log.Warn("dropping frame for slow websocket client", "subject", c.subject)
		}
	}
	return delivered
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client with a going-away status and rejects
// new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		close(c.done)
	}
}
