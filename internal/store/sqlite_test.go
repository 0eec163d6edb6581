package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/calcsync/internal/types"
	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStore_NewSQLiteStore(t *testing.T) {
	db, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
}

func TestStore_NewSQLiteStore_CreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "history.sqlite3")

	db, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore(%q) failed: %v", path, err)
	}
	defer db.Close()
}

func TestStore_Insert(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	r := rec(1, "2+3", "5", at(0))
	if err := db.Insert(ctx, r); err != nil {
		t.Fatal(err)
	}

	records, err := db.ListAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(records))
	}
	got := records[0]
	if got.ID != 1 || got.Expression != "2+3" || got.Result != "5" {
		t.Errorf("Unexpected record: %+v", got)
	}
	if !got.Timestamp.Equal(r.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, r.Timestamp)
	}
}

func TestStore_Insert_DuplicateID(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	if err := db.Insert(ctx, rec(1, "2+3", "5", at(0))); err != nil {
		t.Fatal(err)
	}

	err := db.Insert(ctx, rec(1, "9-1", "8", at(1)))
	if !errors.Is(err, ErrDuplicateRecord) {
		t.Fatalf("Expected ErrDuplicateRecord, got %v", err)
	}
	if !errors.Is(err, ErrStorage) {
		t.Errorf("Expected duplicate to also be a storage error, got %v", err)
	}

	// The original row is untouched.
	records, err := db.ListAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Result != "5" {
		t.Errorf("Expected original record to remain, got %+v", records)
	}
}

func TestStore_ListAll_OrderedByTimestampDesc(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	// Mix of fractional and whole seconds to exercise text ordering.
	inputs := []types.Record{
		rec(1, "1+1", "2", at(0)),
		rec(2, "2+2", "4", at(10).Add(500*time.Millisecond)),
		rec(3, "3+3", "6", at(9)),
		rec(4, "4+4", "8", at(10)),
	}
	for _, r := range inputs {
		if err := db.Insert(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	records, err := db.ListAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(records); !equalIDs(got, []int64{2, 4, 3, 1}) {
		t.Errorf("ListAll order = %v, want [2 4 3 1]", got)
	}
}

func TestStore_ListAll_EmptyIsNonNil(t *testing.T) {
	db := newTestStore(t)

	records, err := db.ListAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if records == nil {
		t.Error("Expected empty non-nil slice")
	}
}

func TestStore_ListAll_ReturnsCopy(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	if err := db.Insert(ctx, rec(1, "2+3", "5", at(0))); err != nil {
		t.Fatal(err)
	}

	first, _ := db.ListAll(ctx)
	first[0].Result = "mutated"

	second, err := db.ListAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second[0].Result != "5" {
		t.Errorf("Mutating a listing leaked into the store: %q", second[0].Result)
	}
}

func TestStore_Merge_IdempotentTwice(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	for _, r := range []types.Record{rec(1, "2+3", "5", at(0)), rec(2, "1+1", "2", at(3)), rec(3, "7*7", "49", at(60))} {
		if err := db.Insert(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	snap := types.Snapshot{rec(1, "2+3", "5", at(0)), rec(5, "10/3", "3", at(30))}

	if _, err := db.Merge(ctx, snap); err != nil {
		t.Fatal(err)
	}
	once, _ := db.ListAll(ctx)

	if _, err := db.Merge(ctx, snap); err != nil {
		t.Fatal(err)
	}
	twice, _ := db.ListAll(ctx)

	if !equalIDs(ids(once), ids(twice)) {
		t.Fatalf("Merge not idempotent: once=%v twice=%v", ids(once), ids(twice))
	}
	if !equalIDs(ids(once), []int64{3, 5, 1}) {
		t.Errorf("After merge ids = %v, want [3 5 1]", ids(once))
	}
}

func TestStore_Merge_PreservesNewerLocalWrite(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	if err := db.Insert(ctx, rec(10, "8/2*(2+2)", "16", at(100))); err != nil {
		t.Fatal(err)
	}

	result, err := db.Merge(ctx, types.Snapshot{rec(1, "2+3", "5", at(50))})
	if err != nil {
		t.Fatal(err)
	}
	if result.Deleted != 0 {
		t.Errorf("Expected 0 deletes, got %d", result.Deleted)
	}

	records, _ := db.ListAll(ctx)
	if !equalIDs(ids(records), []int64{10, 1}) {
		t.Errorf("ids = %v, want [10 1]", ids(records))
	}
}

func TestStore_Merge_PurgesStaleRecord(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	if err := db.Insert(ctx, rec(2, "1+1", "2", at(10))); err != nil {
		t.Fatal(err)
	}

	result, err := db.Merge(ctx, types.Snapshot{rec(1, "2+3", "5", at(50))})
	if err != nil {
		t.Fatal(err)
	}
	if result.Upserted != 1 || result.Deleted != 1 {
		t.Errorf("MergeResult = %+v, want {Upserted:1 Deleted:1}", *result)
	}

	records, _ := db.ListAll(ctx)
	if !equalIDs(ids(records), []int64{1}) {
		t.Errorf("ids = %v, want [1]", ids(records))
	}
}

func TestStore_Merge_OverwritesExistingRecord(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	if err := db.Insert(ctx, rec(1, "5/2", "2", at(0))); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Merge(ctx, types.Snapshot{rec(1, "5/2", "2.5000", at(1))}); err != nil {
		t.Fatal(err)
	}

	records, _ := db.ListAll(ctx)
	if len(records) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(records))
	}
	if records[0].Result != "2.5000" || !records[0].Timestamp.Equal(at(1)) {
		t.Errorf("Record not overwritten: %+v", records[0])
	}
}

func TestStore_Merge_EmptySnapshotKeepsEverything(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	if err := db.Insert(ctx, rec(1, "2+3", "5", at(0))); err != nil {
		t.Fatal(err)
	}

	result, err := db.Merge(ctx, types.Snapshot{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Upserted != 0 || result.Deleted != 0 {
		t.Errorf("MergeResult = %+v, want zero", *result)
	}

	count, err := db.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("Expected count 1, got %d", count)
	}
}

func TestStore_Merge_IsAtomic(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	if err := db.Insert(ctx, rec(1, "2+3", "5", at(0))); err != nil {
		t.Fatal(err)
	}

	// A cancelled context aborts the transaction before commit.
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := db.Merge(cancelled, types.Snapshot{rec(2, "1+1", "2", at(10))}); err == nil {
		t.Fatal("Expected merge with cancelled context to fail")
	}

	records, err := db.ListAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !equalIDs(ids(records), []int64{1}) {
		t.Errorf("Partial merge observed: ids = %v, want [1]", ids(records))
	}
}

func TestStore_Count(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	count, err := db.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("Expected count 0, got %d", count)
	}

	if err := db.Insert(ctx, rec(1, "2+3", "5", at(0))); err != nil {
		t.Fatal(err)
	}

	count, err = db.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("Expected count 1, got %d", count)
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.sqlite3")
	ctx := context.Background()

	db, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Insert(ctx, rec(1, "2+3", "5", at(0))); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	records, err := reopened.ListAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Expression != "2+3" {
		t.Errorf("Expected persisted record, got %+v", records)
	}
}

func TestStore_ConcurrentReadsDuringMerge(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	snap := make(types.Snapshot, 0, 50)
	for i := int64(1); i <= 50; i++ {
		snap = append(snap, rec(i, "1+1", "2", at(int(i))))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := db.Merge(ctx, snap); err != nil {
			t.Errorf("Merge failed: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			records, err := db.ListAll(ctx)
			if err != nil {
				t.Errorf("ListAll failed: %v", err)
				return
			}
			if n := len(records); n != 0 && n != 50 {
				t.Errorf("Observed partial merge with %d records", n)
				return
			}
		}
	}()
	wg.Wait()
}
