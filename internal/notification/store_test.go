package notification

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeConfirmer struct {
	mu         sync.Mutex
	readErr    error
	readAllErr error
	deleteErr  error
	reads      []string
	readAlls   int
	deletes    []string
}

func (f *fakeConfirmer) ConfirmRead(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, id)
	return f.readErr
}

func (f *fakeConfirmer) ConfirmReadAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readAlls++
	return f.readAllErr
}

func (f *fakeConfirmer) ConfirmDelete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, id)
	return f.deleteErr
}

func (f *fakeConfirmer) setReadErr(err error) {
	f.mu.Lock()
	f.readErr = err
	f.mu.Unlock()
}

func (f *fakeConfirmer) readCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reads)
}

var baseTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func frozenClock(at *time.Time) func() time.Time {
	return func() time.Time { return *at }
}

func newTestStore(t *testing.T, confirmer Confirmer) (*Store, *time.Time) {
	t.Helper()
	now := baseTime
	store := NewStore(StoreOptions{Confirmer: confirmer, Now: frozenClock(&now)})
	return store, &now
}

func ids(items []Notification) []string {
	out := make([]string, 0, len(items))
	for _, n := range items {
		out = append(out, n.ID)
	}
	return out
}

func equalIDs(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestInsertPrependsNewestFirst(t *testing.T) {
	store, _ := newTestStore(t, &fakeConfirmer{})
	for _, id := range []string{"a", "b", "c"} {
		if !store.Insert(Notification{ID: id, Type: TypeNewReport}) {
			t.Fatalf("expected insert of %s to succeed", id)
		}
	}
	if got := ids(store.Filter(FilterAll)); !equalIDs(got, "c", "b", "a") {
		t.Fatalf("expected [c b a], got %v", got)
	}
	if total := store.Stats().Total; total != 3 {
		t.Fatalf("expected total 3, got %d", total)
	}
}

func TestInsertDefaultsAndDedupes(t *testing.T) {
	store, now := newTestStore(t, &fakeConfirmer{})
	var calls int32
	unsubscribe := store.Subscribe(func(c Change) {
		if c.Kind == ChangeInserted {
			atomic.AddInt32(&calls, 1)
		}
	})
	defer unsubscribe()

	store.Insert(Notification{ID: "x", Type: "mystery"})
	store.Insert(Notification{ID: "x", Type: TypePaymentFailed})
	if store.Insert(Notification{ID: "  "}) {
		t.Fatalf("expected blank id to be rejected")
	}

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly one insert notification, got %d", got)
	}
	n, ok := store.Get("x")
	if !ok {
		t.Fatalf("expected x to be stored")
	}
	if n.RecipientID != UnknownRecipient {
		t.Fatalf("expected unknown recipient sentinel, got %q", n.RecipientID)
	}
	if !n.CreatedAt.Equal(*now) {
		t.Fatalf("expected created_at to default to now, got %s", n.CreatedAt)
	}
	if n.Type.Known() {
		t.Fatalf("expected unknown type to stay unknown")
	}
	if n.IsRead || n.ReadAt != nil {
		t.Fatalf("expected new item to be unread without read_at")
	}
}

func TestMarkReadIsIdempotent(t *testing.T) {
	confirmer := &fakeConfirmer{}
	store, now := newTestStore(t, confirmer)
	store.Insert(Notification{ID: "a"})

	if err := store.MarkRead("a"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	store.Wait()
	first, _ := store.Get("a")
	if !first.IsRead || first.ReadAt == nil {
		t.Fatalf("expected a to be read with read_at, got %+v", first)
	}
	if first.ReadState != ReadConfirmed {
		t.Fatalf("expected confirmed read state, got %s", first.ReadState)
	}

	*now = now.Add(time.Minute)
	if err := store.MarkRead("a"); err != nil {
		t.Fatalf("second mark read: %v", err)
	}
	store.Wait()
	second, _ := store.Get("a")
	if !second.IsRead || !second.ReadAt.Equal(*first.ReadAt) {
		t.Fatalf("expected read_at unchanged, first=%s second=%v", first.ReadAt, second.ReadAt)
	}
	if got := confirmer.readCalls(); got != 1 {
		t.Fatalf("expected one confirmation call, got %d", got)
	}
	if err := store.MarkRead("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkReadFailureKeepsLocalFlipAndRetriesOnRepeat(t *testing.T) {
	confirmer := &fakeConfirmer{readErr: errors.New("backend down")}
	var failures int32
	now := baseTime
	store := NewStore(StoreOptions{
		Confirmer: confirmer,
		Now:       frozenClock(&now),
		OnConfirmFailure: func(op, id string, err error) {
			if op == "read" && id == "a" {
				atomic.AddInt32(&failures, 1)
			}
		},
	})
	store.Insert(Notification{ID: "a"})

	if err := store.MarkRead("a"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	store.Wait()
	n, _ := store.Get("a")
	if !n.IsRead {
		t.Fatalf("expected local read flip to survive failed confirmation")
	}
	if n.ReadState != ReadConfirmFailed {
		t.Fatalf("expected failed_confirm, got %s", n.ReadState)
	}
	if atomic.LoadInt32(&failures) != 1 {
		t.Fatalf("expected failure hook once, got %d", failures)
	}

	confirmer.setReadErr(nil)
	if err := store.MarkRead("a"); err != nil {
		t.Fatalf("repeat mark read: %v", err)
	}
	store.Wait()
	n, _ = store.Get("a")
	if n.ReadState != ReadConfirmed {
		t.Fatalf("expected confirmed after retry, got %s", n.ReadState)
	}
	if got := confirmer.readCalls(); got != 2 {
		t.Fatalf("expected two confirmation calls, got %d", got)
	}
}

func TestUnreadFilterHonoursRecentlyAcknowledged(t *testing.T) {
	store, _ := newTestStore(t, &fakeConfirmer{})
	for _, id := range []string{"a", "b", "c"} {
		store.Insert(Notification{ID: id})
	}

	if err := store.MarkRead("b"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	store.Wait()
	if got := ids(store.Filter(FilterUnread)); !equalIDs(got, "c", "b", "a") {
		t.Fatalf("expected b to stay visible right after marking, got %v", got)
	}

	store.ClearRecentlyAcknowledged()
	if got := ids(store.Filter(FilterUnread)); !equalIDs(got, "c", "a") {
		t.Fatalf("expected unread view without b, got %v", got)
	}

	store.MarkRecentlyAcknowledged("b")
	if got := ids(store.Filter(FilterUnread)); !equalIDs(got, "c", "b", "a") {
		t.Fatalf("expected b back in unread view, got %v", got)
	}

	for _, n := range store.Filter(FilterUnread) {
		if n.IsRead && !store.IsRecentlyAcknowledged(n.ID) {
			t.Fatalf("unread view includes read item %s outside the recent set", n.ID)
		}
	}
	if got := store.Len(); got != 3 {
		t.Fatalf("expected filtering to leave 3 items, got %d", got)
	}
}

func TestMarkAllReadSkipsRecentSet(t *testing.T) {
	confirmer := &fakeConfirmer{}
	store, _ := newTestStore(t, confirmer)
	store.Insert(Notification{ID: "a"})
	store.Insert(Notification{ID: "b"})

	store.MarkAllRead()
	store.Wait()

	if got := store.UnreadCount(); got != 0 {
		t.Fatalf("expected no unread items, got %d", got)
	}
	if got := len(store.Filter(FilterUnread)); got != 0 {
		t.Fatalf("expected empty unread view, got %d items", got)
	}
	if confirmer.readAlls != 1 {
		t.Fatalf("expected one read-all confirmation, got %d", confirmer.readAlls)
	}
	for _, n := range store.Snapshot() {
		if n.ReadState != ReadConfirmed {
			t.Fatalf("expected %s confirmed, got %s", n.ID, n.ReadState)
		}
	}
}

func TestDeleteOnlyAfterConfirmation(t *testing.T) {
	confirmer := &fakeConfirmer{deleteErr: errors.New("forbidden")}
	store, _ := newTestStore(t, confirmer)
	store.Insert(Notification{ID: "a"})
	store.Insert(Notification{ID: "b"})

	if err := store.Delete(context.Background(), "a"); err == nil {
		t.Fatalf("expected delete error")
	}
	if got := ids(store.Filter(FilterAll)); !equalIDs(got, "b", "a") {
		t.Fatalf("expected a to remain after failed delete, got %v", got)
	}

	confirmer.deleteErr = nil
	if err := store.Delete(context.Background(), "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := ids(store.Filter(FilterAll)); !equalIDs(got, "b") {
		t.Fatalf("expected [b], got %v", got)
	}
	if err := store.Delete(context.Background(), "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for deleted id, got %v", err)
	}
	if total := store.Stats().Total; total != 1 {
		t.Fatalf("expected total = inserts - successful deletes = 1, got %d", total)
	}
}

func TestStatsBucketsRelativeToQueryTime(t *testing.T) {
	store, now := newTestStore(t, &fakeConfirmer{})
	store.Insert(Notification{ID: "fresh", CreatedAt: now.Add(-time.Hour)})
	store.Insert(Notification{ID: "days", CreatedAt: now.Add(-72 * time.Hour)})
	store.Insert(Notification{ID: "old", CreatedAt: now.Add(-200 * time.Hour), IsRead: true})

	st := store.Stats()
	want := Stats{Total: 3, Unread: 2, Read: 1, Today: 1, LastWeek: 1}
	if st != want {
		t.Fatalf("expected %+v, got %+v", want, st)
	}

	*now = now.Add(24 * time.Hour)
	st = store.Stats()
	if st.Today != 0 || st.LastWeek != 2 {
		t.Fatalf("expected fresh item to migrate into last week, got %+v", st)
	}
}

func TestReplaceAllSortsAndClearsRecent(t *testing.T) {
	store, now := newTestStore(t, &fakeConfirmer{})
	store.Insert(Notification{ID: "local"})
	store.MarkRecentlyAcknowledged("local")

	var replaced int32
	store.Subscribe(func(c Change) {
		if c.Kind == ChangeReplaced {
			atomic.AddInt32(&replaced, 1)
		}
	})

	store.ReplaceAll([]Notification{
		{ID: "old", CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "new", CreatedAt: now.Add(-time.Minute), IsRead: true},
		{ID: "mid", CreatedAt: now.Add(-time.Hour)},
	})

	if got := ids(store.Snapshot()); !equalIDs(got, "new", "mid", "old") {
		t.Fatalf("expected [new mid old], got %v", got)
	}
	if store.IsRecentlyAcknowledged("local") {
		t.Fatalf("expected recent set to be cleared")
	}
	n, _ := store.Get("new")
	if n.ReadState != ReadConfirmed || n.ReadAt == nil {
		t.Fatalf("expected loaded read item to be confirmed with read_at, got %+v", n)
	}
	if atomic.LoadInt32(&replaced) != 1 {
		t.Fatalf("expected one replace notification, got %d", replaced)
	}
}

func TestReplaceAllKeepsLoadedOrderForEqualTimestamps(t *testing.T) {
	store, now := newTestStore(t, &fakeConfirmer{})
	at := now.Add(-time.Hour)
	store.ReplaceAll([]Notification{
		{ID: "b", CreatedAt: at},
		{ID: "a", CreatedAt: at},
		{ID: "c", CreatedAt: now.Add(-2 * time.Hour)},
	})
	if got := ids(store.Snapshot()); !equalIDs(got, "b", "a", "c") {
		t.Fatalf("expected [b a c], got %v", got)
	}
}

func TestParseFilterMode(t *testing.T) {
	if mode, err := ParseFilterMode("UNREAD"); err != nil || mode != FilterUnread {
		t.Fatalf("expected unread, got %q (%v)", mode, err)
	}
	if mode, err := ParseFilterMode(""); err != nil || mode != FilterAll {
		t.Fatalf("expected all, got %q (%v)", mode, err)
	}
	if _, err := ParseFilterMode("archived"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
