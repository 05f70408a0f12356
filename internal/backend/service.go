package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dimas4dev/talkiplay/internal/logger"
	"github.com/dimas4dev/talkiplay/internal/metrics"
	"github.com/dimas4dev/talkiplay/internal/notification"
)

const CanonicalEvent = "notification"

// PublishRequest is the body accepted by the internal publish endpoint and
// the NATS ingress.
type PublishRequest struct {
	ID          string          `json:"id,omitempty"`
	Type        string          `json:"type"`
	Title       string          `json:"title"`
	Message     string          `json:"message"`
	Data        json.RawMessage `json:"data,omitempty"`
	RecipientID string          `json:"recipient_id,omitempty"`
	SenderID    string          `json:"sender_id,omitempty"`
	CreatedAt   *time.Time      `json:"created_at,omitempty"`
}

func (p PublishRequest) validate() error {
	var missing []string
	if strings.TrimSpace(p.Type) == "" {
		missing = append(missing, "type")
	}
	if strings.TrimSpace(p.Title) == "" {
		missing = append(missing, "title")
	}
	if strings.TrimSpace(p.Message) == "" {
		missing = append(missing, "message")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidInput, strings.Join(missing, ", "))
	}
	if len(p.Data) > 0 && !json.Valid(p.Data) {
		return fmt.Errorf("%w: data is not valid json", ErrInvalidInput)
	}
	return nil
}

type pushEntry struct {
	Notification notification.Notification `json:"notification"`
}

type pushFrame struct {
	Event   string      `json:"event"`
	Payload []pushEntry `json:"payload"`
}

// Service holds the notification operations shared by the REST API,
// internal publish, and NATS ingress.
type Service struct {
	repo    Repository
	hub     *Hub
	metrics *metrics.Backend
	log     *logger.Logger
	now     func() time.Time
	newID   func() string
}

type ServiceOptions struct {
	Repository Repository
	Hub        *Hub
	Metrics    *metrics.Backend
	Logger     *logger.Logger
	Now        func() time.Time
}

func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		repo:    opts.Repository,
		hub:     opts.Hub,
		metrics: opts.Metrics,
		log:     logger.OrNop(opts.Logger).WithComponent("backend"),
		now:     opts.Now,
		newID:   func() string { return uuid.NewString() },
	}, nil
}

// Publish persists a new unread notification and pushes it to connected
// clients. source labels the ingress for metrics.
func (s *Service) Publish(ctx context.Context, req PublishRequest, source string) (notification.Notification, error) {
	if err := req.validate(); err != nil {
		return notification.Notification{}, err
	}
	n := notification.Notification{
		ID:          strings.TrimSpace(req.ID),
		Type:        notification.Type(strings.TrimSpace(req.Type)),
		Title:       req.Title,
		Message:     req.Message,
		Data:        req.Data,
		RecipientID: strings.TrimSpace(req.RecipientID),
		SenderID:    strings.TrimSpace(req.SenderID),
		CreatedAt:   s.now().UTC(),
	}
	if n.ID == "" {
		n.ID = s.newID()
	}
	if n.RecipientID == "" {
		n.RecipientID = notification.UnknownRecipient
	}
	if req.CreatedAt != nil && !req.CreatedAt.IsZero() {
		n.CreatedAt = req.CreatedAt.UTC()
	}
	if err := s.repo.Create(ctx, n); err != nil {
		return notification.Notification{}, err
	}
	if s.metrics != nil {
		s.metrics.Published.WithLabelValues(source).Inc()
	}

	if s.hub != nil {
		frame, err := json.Marshal(pushFrame{Event: CanonicalEvent, Payload: []pushEntry{{Notification: n}}})
		if err != nil {
			return n, fmt.Errorf("encoding push frame: %w", err)
		}
		delivered := s.hub.Broadcast(frame)
		s.log.Debug("notification published", "id", n.ID, "source", source, "delivered", delivered)
	}
	return n, nil
}

func (s *Service) List(ctx context.Context, recipient string, mode notification.FilterMode) ([]notification.Notification, error) {
	items, err := s.repo.List(ctx, recipient)
	if err != nil {
		return nil, err
	}
	if mode != notification.FilterUnread {
		return items, nil
	}
	out := items[:0]
	for _, n := range items {
		if !n.IsRead {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *Service) Stats(ctx context.Context, recipient string) (notification.Stats, error) {
	items, err := s.repo.List(ctx, recipient)
	if err != nil {
		return notification.Stats{}, err
	}
	return notification.ComputeStats(items, s.now()), nil
}

func (s *Service) MarkRead(ctx context.Context, id string) error {
	return s.repo.MarkRead(ctx, id, s.now().UTC())
}

func (s *Service) MarkAllRead(ctx context.Context) (int, error) {
	return s.repo.MarkAllRead(ctx, s.now().UTC())
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return s.repo.Delete(ctx, id)
}
