package notification

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/dimas4dev/talkiplay/internal/logger"
)

const defaultConfirmTimeout = 15 * time.Second

// Confirmer carries local mutations to the authoritative backend.
type Confirmer interface {
	ConfirmRead(ctx context.Context, id string) error
	ConfirmReadAll(ctx context.Context) error
	ConfirmDelete(ctx context.Context, id string) error
}

type ChangeKind int

const (
	ChangeInserted ChangeKind = iota
	ChangeUpdated
	ChangeDeleted
	ChangeReplaced
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInserted:
		return "inserted"
	case ChangeUpdated:
		return "updated"
	case ChangeDeleted:
		return "deleted"
	case ChangeReplaced:
		return "replaced"
	}
	return "unknown"
}

// Change describes one committed mutation. Total is the item count after it.
type Change struct {
	Kind  ChangeKind
	IDs   []string
	Total int
}

// StoreOptions configures a Store. Every field is optional.
type StoreOptions struct {
	Confirmer      Confirmer
	Logger         *logger.Logger
	Now            func() time.Time
	ConfirmTimeout time.Duration
	// OnConfirmFailure is called from the confirming goroutine after a read
	// confirmation fails. The local read flip is kept.
	OnConfirmFailure func(op, id string, err error)
}

// Store is the session's ordered notification collection. It is the only
// writer of notification state; the receive path and user actions both go
// through its methods.
//
// Items are kept oldest-first internally so that insert is an append; every
// read view is returned newest-first.
type Store struct {
	confirmer        Confirmer
	log              *logger.Logger
	now              func() time.Time
	confirmTimeout   time.Duration
	onConfirmFailure func(op, id string, err error)

	// opMu orders mutations and the observer calls that follow them.
	opMu sync.Mutex

	mu     sync.RWMutex
	items  []*Notification
	byID   map[string]*Notification
	recent map[string]struct{}

	obsMu     sync.Mutex
	observers map[int]func(Change)
	nextObs   int

	inflight sync.WaitGroup
}

func NewStore(opts StoreOptions) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	timeout := opts.ConfirmTimeout
	if timeout <= 0 {
		timeout = defaultConfirmTimeout
	}
	return &Store{
		confirmer:        opts.Confirmer,
		log:              logger.OrNop(opts.Logger).WithComponent("store"),
		now:              now,
		confirmTimeout:   timeout,
		onConfirmFailure: opts.OnConfirmFailure,
		byID:             map[string]*Notification{},
		recent:           map[string]struct{}{},
		observers:        map[int]func(Change){},
	}
}

// Subscribe registers fn for every committed change and returns a function
// that removes it. Observers run synchronously in mutation order and must
// not call mutating Store methods.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()
	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *Store) notify(change Change) {
	s.obsMu.Lock()
	keys := make([]int, 0, len(s.observers))
	for k := range s.observers {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	fns := make([]func(Change), 0, len(keys))
	for _, k := range keys {
		fns = append(fns, s.observers[k])
	}
	s.obsMu.Unlock()
	for _, fn := range fns {
		fn(change)
	}
}

// Insert places n at the head of the sequence. It reports false, and
// notifies nobody, when n is invalid or its id is already present.
func (s *Store) Insert(n Notification) bool {
	n = n.Clone()
	if err := n.normalize(s.now()); err != nil {
		s.log.Warn("insert rejected", "error", err)
		return false
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if _, exists := s.byID[n.ID]; exists {
		s.mu.Unlock()
		s.log.Debug("duplicate notification ignored", "id", n.ID)
		return false
	}
	stored := &n
	s.items = append(s.items, stored)
	s.byID[n.ID] = stored
	total := len(s.items)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeInserted, IDs: []string{n.ID}, Total: total})
	return true
}

// ReplaceAll discards the current contents in favour of loaded, ordered
// newest-first by created_at. The recently acknowledged set is cleared.
func (s *Store) ReplaceAll(loaded []Notification) {
	now := s.now()
	fresh := make([]Notification, 0, len(loaded))
	seen := make(map[string]struct{}, len(loaded))
	for _, n := range loaded {
		n = n.Clone()
		if err := n.normalize(now); err != nil {
			s.log.Warn("loaded notification skipped", "error", err)
			continue
		}
		if _, dup := seen[n.ID]; dup {
			continue
		}
		seen[n.ID] = struct{}{}
		fresh = append(fresh, n)
	}
	// Oldest first internally. Reversing before the stable sort keeps the
	// loaded order for equal created_at values.
	slices.Reverse(fresh)
	sort.SliceStable(fresh, func(i, j int) bool { return fresh[i].CreatedAt.Before(fresh[j].CreatedAt) })

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	s.items = make([]*Notification, 0, len(fresh))
	s.byID = make(map[string]*Notification, len(fresh))
	ids := make([]string, 0, len(fresh))
	for i := range fresh {
		stored := &fresh[i]
		s.items = append(s.items, stored)
		s.byID[stored.ID] = stored
		ids = append(ids, stored.ID)
	}
	s.recent = map[string]struct{}{}
	total := len(s.items)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeReplaced, IDs: ids, Total: total})
}

// MarkRead flips id to read locally, stamps read_at once, and confirms with
// the backend in the background. A failed confirmation is logged and the
// local flip kept. Calling it again only re-sends a confirmation that
// previously failed.
func (s *Store) MarkRead(id string) error {
	s.opMu.Lock()
	s.mu.Lock()
	n, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		s.opMu.Unlock()
		return ErrNotFound
	}
	flipped := false
	confirm := false
	if !n.IsRead {
		at := s.now()
		n.IsRead = true
		n.ReadAt = &at
		n.ReadState = ReadLocal
		flipped = true
		confirm = true
	} else if n.ReadState == ReadConfirmFailed {
		n.ReadState = ReadLocal
		confirm = true
	}
	s.recent[id] = struct{}{}
	total := len(s.items)
	s.mu.Unlock()

	if flipped {
		s.notify(Change{Kind: ChangeUpdated, IDs: []string{id}, Total: total})
	}
	s.opMu.Unlock()

	if confirm {
		s.confirmAsync("read", []string{id}, func(ctx context.Context) error {
			return s.confirmer.ConfirmRead(ctx, id)
		})
	}
	return nil
}

// MarkAllRead flips every unread item to read and confirms once. Items are
// not added to the recently acknowledged set.
func (s *Store) MarkAllRead() {
	s.opMu.Lock()
	s.mu.Lock()
	at := s.now()
	var flipped, pending []string
	for _, n := range s.items {
		switch {
		case !n.IsRead:
			stamp := at
			n.IsRead = true
			n.ReadAt = &stamp
			n.ReadState = ReadLocal
			flipped = append(flipped, n.ID)
			pending = append(pending, n.ID)
		case n.ReadState == ReadConfirmFailed:
			n.ReadState = ReadLocal
			pending = append(pending, n.ID)
		}
	}
	total := len(s.items)
	s.mu.Unlock()

	if len(flipped) > 0 {
		s.notify(Change{Kind: ChangeUpdated, IDs: flipped, Total: total})
	}
	s.opMu.Unlock()

	s.confirmAsync("read_all", pending, func(ctx context.Context) error {
		return s.confirmer.ConfirmReadAll(ctx)
	})
}

func (s *Store) confirmAsync(op string, ids []string, call func(ctx context.Context) error) {
	if s.confirmer == nil {
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.confirmTimeout)
		err := call(ctx)
		cancel()
		s.settleRead(ids, err)
		if err != nil {
			id := ""
			if len(ids) == 1 && op == "read" {
				id = ids[0]
			}
			s.log.Warn("read confirmation failed", "op", op, "id", id, "error", err)
			if s.onConfirmFailure != nil {
				s.onConfirmFailure(op, id, err)
			}
		}
	}()
}

func (s *Store) settleRead(ids []string, err error) {
	state := ReadConfirmed
	if err != nil {
		state = ReadConfirmFailed
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	settled := make([]string, 0, len(ids))
	for _, id := range ids {
		n, ok := s.byID[id]
		if !ok || !n.IsRead || n.ReadState != ReadLocal {
			continue
		}
		n.ReadState = state
		settled = append(settled, id)
	}
	total := len(s.items)
	s.mu.Unlock()
	if len(settled) > 0 {
		s.notify(Change{Kind: ChangeUpdated, IDs: settled, Total: total})
	}
}

// Delete asks the backend to delete id and removes it locally only after the
// backend confirms. On failure the item stays and the error is returned.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.RLock()
	_, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if s.confirmer == nil {
		return errors.New("delete requires a confirmer")
	}
	if err := s.confirmer.ConfirmDelete(ctx, id); err != nil {
		s.log.Warn("delete confirmation failed", "id", id, "error", err)
		return err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	if _, ok := s.byID[id]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.byID, id)
	delete(s.recent, id)
	for i, n := range s.items {
		if n.ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			break
		}
	}
	total := len(s.items)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeDeleted, IDs: []string{id}, Total: total})
	return nil
}

// MarkRecentlyAcknowledged keeps id visible in the unread view.
func (s *Store) MarkRecentlyAcknowledged(id string) {
	s.mu.Lock()
	s.recent[id] = struct{}{}
	s.mu.Unlock()
}

// ClearRecentlyAcknowledged empties the set, typically when the user leaves
// the unread view.
func (s *Store) ClearRecentlyAcknowledged() {
	s.mu.Lock()
	s.recent = map[string]struct{}{}
	s.mu.Unlock()
}

func (s *Store) IsRecentlyAcknowledged(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.recent[id]
	return ok
}

// Filter returns the view for mode, newest first. It never mutates.
func (s *Store) Filter(mode FilterMode) []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Notification, 0, len(s.items))
	for i := len(s.items) - 1; i >= 0; i-- {
		n := s.items[i]
		if mode == FilterUnread {
			if _, recent := s.recent[n.ID]; n.IsRead && !recent {
				continue
			}
		}
		out = append(out, n.Clone())
	}
	return out
}

// Snapshot is Filter(FilterAll).
func (s *Store) Snapshot() []Notification {
	return s.Filter(FilterAll)
}

// Head returns up to k of the newest items.
func (s *Store) Head(k int) []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if k > len(s.items) {
		k = len(s.items)
	}
	out := make([]Notification, 0, k)
	for i := len(s.items) - 1; i >= 0 && len(out) < k; i-- {
		out = append(out, s.items[i].Clone())
	}
	return out
}

func (s *Store) Get(id string) (Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.byID[id]
	if !ok {
		return Notification{}, false
	}
	return n.Clone(), true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *Store) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, n := range s.items {
		if !n.IsRead {
			count++
		}
	}
	return count
}

// Stats derives counters relative to the current time.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	var st Stats
	for _, n := range s.items {
		st.add(n.IsRead, n.CreatedAt, now)
	}
	return st
}

// Wait blocks until in-flight read confirmations have settled.
func (s *Store) Wait() {
	s.inflight.Wait()
}
