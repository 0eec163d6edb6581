package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/calcsync/internal/metrics"
	"github.com/hyperengineering/calcsync/internal/queue"
	"github.com/hyperengineering/calcsync/internal/store"
	"github.com/hyperengineering/calcsync/internal/types"
)

// mockHistoryStore records every call in order.
type mockHistoryStore struct {
	mu        sync.Mutex
	calls     []string
	records   map[int64]types.Record
	insertErr error
	mergeErr  error
}

func newMockHistoryStore() *mockHistoryStore {
	return &mockHistoryStore{records: make(map[int64]types.Record)}
}

func (m *mockHistoryStore) Insert(ctx context.Context, r types.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, fmt.Sprintf("insert:%d", r.ID))
	if m.insertErr != nil {
		return m.insertErr
	}
	m.records[r.ID] = r
	return nil
}

func (m *mockHistoryStore) Merge(ctx context.Context, snap types.Snapshot) (*store.MergeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, fmt.Sprintf("merge:%d", len(snap)))
	if m.mergeErr != nil {
		return nil, m.mergeErr
	}
	for _, r := range snap {
		m.records[r.ID] = r
	}
	return &store.MergeResult{Upserted: len(snap)}, nil
}

func (m *mockHistoryStore) ListAll(ctx context.Context) ([]types.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	return out, nil
}

func (m *mockHistoryStore) getCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// listingRecorder collects published listings.
type listingRecorder struct {
	mu       sync.Mutex
	listings [][]types.Record
}

func (l *listingRecorder) ListingUpdated(records []types.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listings = append(l.listings, records)
}

func (l *listingRecorder) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.listings)
}

// logCapture captures slog output for testing
type logCapture struct {
	mu      sync.Mutex
	entries []map[string]any
}

func (c *logCapture) handler() slog.Handler {
	return slog.NewJSONHandler(c, &slog.HandlerOptions{Level: slog.LevelDebug})
}

func (c *logCapture) Write(p []byte) (n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var entry map[string]any
	if err := json.Unmarshal(p, &entry); err == nil {
		c.entries = append(c.entries, entry)
	}
	return len(p), nil
}

func (c *logCapture) hasAction(action string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e["action"] == action {
			return true
		}
	}
	return false
}

func rec(id int64) types.Record {
	return types.Record{ID: id, Expression: "1+1", Result: "2", Timestamp: time.Unix(1700000000+id, 0).UTC()}
}

// runToCompletion closes q and runs the worker until it drains.
func runToCompletion(t *testing.T, w *StoreWorker, q *queue.Queue) {
	t.Helper()
	q.Close()

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after queue was closed and drained")
	}
}

func TestStoreWorker_AppliesInFIFOOrder(t *testing.T) {
	q := queue.New()
	st := newMockHistoryStore()
	w := NewStoreWorker(q, st, nil, nil)

	// Given: an Insert enqueued before a Sync
	q.Enqueue(queue.Insert(rec(1)))
	q.Enqueue(queue.Sync(types.Snapshot{rec(1), rec(2)}))
	q.Enqueue(queue.Insert(rec(3)))

	// When: the worker drains the queue
	runToCompletion(t, w, q)

	// Then: the store sees them in enqueue order
	want := []string{"insert:1", "merge:2", "insert:3"}
	got := st.getCalls()
	if len(got) != len(want) {
		t.Fatalf("Expected calls %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Call %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestStoreWorker_PublishesInitialAndAfterEachSuccess(t *testing.T) {
	q := queue.New()
	st := newMockHistoryStore()
	obs := &listingRecorder{}
	w := NewStoreWorker(q, st, obs, nil)

	q.Enqueue(queue.Insert(rec(1)))
	q.Enqueue(queue.Sync(types.Snapshot{rec(2)}))

	runToCompletion(t, w, q)

	// One initial publish, then one per applied operation.
	if obs.count() != 3 {
		t.Fatalf("Expected 3 listings, got %d", obs.count())
	}
	if n := len(obs.listings[2]); n != 2 {
		t.Errorf("Expected final listing with 2 records, got %d", n)
	}
}

func TestStoreWorker_StorageFailureIsSkipped(t *testing.T) {
	capture := &logCapture{}
	oldDefault := slog.Default()
	slog.SetDefault(slog.New(capture.handler()))
	defer slog.SetDefault(oldDefault)

	q := queue.New()
	st := newMockHistoryStore()
	st.insertErr = fmt.Errorf("%w: duplicate record id", store.ErrStorage)
	obs := &listingRecorder{}
	w := NewStoreWorker(q, st, obs, nil)

	q.Enqueue(queue.Insert(rec(1)))
	q.Enqueue(queue.Sync(types.Snapshot{rec(2)}))

	runToCompletion(t, w, q)

	// The failed insert is logged and dropped; the sync still applies.
	calls := st.getCalls()
	if len(calls) != 2 || calls[1] != "merge:1" {
		t.Errorf("Expected worker to continue after failure, got calls %v", calls)
	}
	if !capture.hasAction("insert_failed") {
		t.Error("Expected insert_failed to be logged")
	}
	// Initial publish plus the successful merge only.
	if obs.count() != 2 {
		t.Errorf("Expected 2 listings, got %d", obs.count())
	}
}

func TestStoreWorker_MergeFailureIsSkipped(t *testing.T) {
	capture := &logCapture{}
	oldDefault := slog.Default()
	slog.SetDefault(slog.New(capture.handler()))
	defer slog.SetDefault(oldDefault)

	q := queue.New()
	st := newMockHistoryStore()
	st.mergeErr = errors.New("disk full")
	obs := &listingRecorder{}
	w := NewStoreWorker(q, st, obs, metrics.New())

	q.Enqueue(queue.Sync(types.Snapshot{rec(1)}))

	runToCompletion(t, w, q)

	if !capture.hasAction("merge_failed") {
		t.Error("Expected merge_failed to be logged")
	}
	if obs.count() != 1 {
		t.Errorf("Expected only the initial listing, got %d", obs.count())
	}
}

func TestStoreWorker_StopsOnContextCancel(t *testing.T) {
	q := queue.New()
	w := NewStoreWorker(q, newMockHistoryStore(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
}

func TestStoreWorker_LogsLifecycle(t *testing.T) {
	capture := &logCapture{}
	oldDefault := slog.Default()
	slog.SetDefault(slog.New(capture.handler()))
	defer slog.SetDefault(oldDefault)

	q := queue.New()
	w := NewStoreWorker(q, newMockHistoryStore(), nil, nil)
	runToCompletion(t, w, q)

	for _, action := range []string{"worker_started", "worker_stopped"} {
		if !capture.hasAction(action) {
			t.Errorf("Expected %s to be logged", action)
		}
	}
}

func TestListingFunc(t *testing.T) {
	var got int
	var obs ListingObserver = ListingFunc(func(records []types.Record) { got = len(records) })

	obs.ListingUpdated([]types.Record{rec(1), rec(2)})

	if got != 2 {
		t.Errorf("Expected 2 records, got %d", got)
	}
}

func TestStoreWorker_WithSQLiteStore(t *testing.T) {
	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	q := queue.New()
	obs := &listingRecorder{}
	w := NewStoreWorker(q, db, obs, nil)

	first := rec(1)
	q.Enqueue(queue.Insert(first))
	q.Enqueue(queue.Sync(types.Snapshot{first}))
	q.Enqueue(queue.Sync(types.Snapshot{}))

	runToCompletion(t, w, q)

	if obs.count() != 4 {
		t.Fatalf("Expected 4 listings, got %d", obs.count())
	}
	for i := 1; i < 4; i++ {
		l := obs.listings[i]
		if len(l) != 1 || l[0].ID != 1 {
			t.Errorf("Listing %d: expected [1], got %+v", i, l)
		}
	}
}
