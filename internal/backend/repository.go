// Package backend is a reference event source for the notification client:
// a REST API over a notification repository, a websocket hub that pushes
// new notifications, and signed HTTP / NATS ingress for publishers.
package backend

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dimas4dev/talkiplay/internal/notification"
)

var (
	ErrNotFound       = errors.New("notification not found")
	ErrConflict       = errors.New("notification id already exists")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Repository persists notifications. List returns newest first.
type Repository interface {
	List(ctx context.Context, recipient string) ([]notification.Notification, error)
	Create(ctx context.Context, n notification.Notification) error
	MarkRead(ctx context.Context, id string, at time.Time) error
	MarkAllRead(ctx context.Context, at time.Time) (int, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

type MemoryRepository struct {
	mu    sync.RWMutex
	items map[string]notification.Notification
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{items: map[string]notification.Notification{}}
}

func (r *MemoryRepository) List(_ context.Context, recipient string) ([]notification.Notification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]notification.Notification, 0, len(r.items))
	for _, n := range r.items {
		if recipient != "" && n.RecipientID != recipient {
			continue
		}
		out = append(out, n.Clone())
	}
	sortNewestFirst(out)
	return out, nil
}

func (r *MemoryRepository) Create(_ context.Context, n notification.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[n.ID]; exists {
		return ErrConflict
	}
	r.items[n.ID] = n.Clone()
	return nil
}

func (r *MemoryRepository) MarkRead(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.items[id]
	if !ok {
		return ErrNotFound
	}
	if n.IsRead {
		return nil
	}
	n.IsRead = true
	n.ReadAt = &at
	r.items[id] = n
	return nil
}

func (r *MemoryRepository) MarkAllRead(_ context.Context, at time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	updated := 0
	for id, n := range r.items {
		if n.IsRead {
			continue
		}
		stamp := at
		n.IsRead = true
		n.ReadAt = &stamp
		r.items[id] = n
		updated++
	}
	return updated, nil
}

func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return ErrNotFound
	}
	delete(r.items, id)
	return nil
}

func (r *MemoryRepository) Close() error { return nil }

func sortNewestFirst(items []notification.Notification) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
}
