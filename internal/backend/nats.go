package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dimas4dev/talkiplay/internal/logger"
)

const natsPublishTimeout = 5 * time.Second

// NATSIngress publishes notifications received as PublishRequest JSON on a
// subject. Requests carrying a reply subject get an ingressReply back.
type NATSIngress struct {
	nc           *nats.Conn
	svc          *Service
	subject      string
	logger       *logger.Logger
	subscription *nats.Subscription
}

type ingressReply struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewNATSIngress returns nil when there is no NATS connection.
func NewNATSIngress(nc *nats.Conn, svc *Service, subject string, log *logger.Logger) *NATSIngress {
	if nc == nil {
		return nil
	}
	return &NATSIngress{
		nc:      nc,
		svc:     svc,
		subject: subject,
		logger:  logger.OrNop(log).WithComponent("nats-ingress"),
	}
}

func (i *NATSIngress) Start() error {
	sub, err := i.nc.Subscribe(i.subject, i.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", i.subject, err)
	}
	i.subscription = sub
	i.logger.Info("nats ingress started", slog.String("subject", i.subject))
	return nil
}

func (i *NATSIngress) Stop() error {
	if i.subscription != nil {
		if err := i.subscription.Drain(); err != nil {
			return fmt.Errorf("failed to drain subscription: %w", err)
		}
	}
	i.logger.Info("nats ingress stopped")
	return nil
}

func (i *NATSIngress) handleMessage(msg *nats.Msg) {
	resp := i.process(msg.Data)
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		i.logger.Error("failed to marshal response", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		i.logger.Error("failed to send response", slog.String("error", err.Error()))
	}
}

func (i *NATSIngress) process(data []byte) ingressReply {
	var req PublishRequest
	if err := json.Unmarshal(data, &req); err != nil {
		i.logger.Warn("received invalid publish request", slog.String("error", err.Error()))
		return ingressReply{Error: "invalid json body"}
	}
	ctx, cancel := context.WithTimeout(context.Background(), natsPublishTimeout)
	defer cancel()
	n, err := i.svc.Publish(ctx, req, "nats")
	if err != nil {
		i.logger.Warn("publish from nats failed", slog.String("error", err.Error()))
		return ingressReply{Error: err.Error()}
	}
	return ingressReply{Success: true, ID: n.ID}
}
