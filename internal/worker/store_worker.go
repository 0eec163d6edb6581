package worker

import (
	"context"
	"log/slog"

	"github.com/hyperengineering/calcsync/internal/metrics"
	"github.com/hyperengineering/calcsync/internal/queue"
	"github.com/hyperengineering/calcsync/internal/store"
	"github.com/hyperengineering/calcsync/internal/types"
)

// HistoryStore is the subset of the replica the worker writes to.
// This interface allows testing with mock implementations.
type HistoryStore interface {
	Insert(ctx context.Context, r types.Record) error
	Merge(ctx context.Context, snap types.Snapshot) (*store.MergeResult, error)
	ListAll(ctx context.Context) ([]types.Record, error)
}

// OperationSource yields queued operations in FIFO order.
type OperationSource interface {
	Next(ctx context.Context) (queue.Operation, bool)
	Len() int
}

// ListingObserver receives the full ordered listing after each applied
// operation. It is called on the worker goroutine.
type ListingObserver interface {
	ListingUpdated(records []types.Record)
}

// ListingFunc adapts a function to ListingObserver.
type ListingFunc func(records []types.Record)

func (f ListingFunc) ListingUpdated(records []types.Record) { f(records) }

// StoreWorker is the single consumer of the operation queue.
type StoreWorker struct {
	source   OperationSource
	store    HistoryStore
	observer ListingObserver
	metrics  *metrics.Metrics
}

// NewStoreWorker creates a worker draining source into st.
// observer and m may be nil.
func NewStoreWorker(source OperationSource, st HistoryStore, observer ListingObserver, m *metrics.Metrics) *StoreWorker {
	return &StoreWorker{
		source:   source,
		store:    st,
		observer: observer,
		metrics:  m,
	}
}

// Run publishes the current listing, then applies operations until the
// source is closed and drained or ctx is cancelled.
func (w *StoreWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "store-worker",
		"action", "worker_started",
	)

	w.publish(ctx)

	for {
		op, ok := w.source.Next(ctx)
		if !ok {
			reason := "queue_closed"
			if ctx.Err() != nil {
				reason = "context_cancelled"
			}
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "store-worker",
				"action", "worker_stopped",
				"reason", reason,
			)
			return
		}

		w.metrics.SetQueueDepth(w.source.Len())
		if w.apply(ctx, op) {
			w.publish(ctx)
		}
	}
}

// apply performs one operation. Failures are logged and the operation is
// dropped; there is no retry. Returns true on success.
func (w *StoreWorker) apply(ctx context.Context, op queue.Operation) bool {
	kind := op.Kind().String()

	switch op.Kind() {
	case queue.KindInsert:
		r := op.Record()
		if err := w.store.Insert(ctx, r); err != nil {
			w.metrics.OperationApplied(kind, "failed")
			slog.Error("insert failed",
				"component", "worker",
				"worker", "store-worker",
				"action", "insert_failed",
				"record_id", r.ID,
				"error", err,
			)
			return false
		}
		slog.Debug("record inserted",
			"component", "worker",
			"worker", "store-worker",
			"action", "insert",
			"record_id", r.ID,
		)

	case queue.KindSync:
		snap := op.Snapshot()
		result, err := w.store.Merge(ctx, snap)
		if err != nil {
			w.metrics.OperationApplied(kind, "failed")
			slog.Error("merge failed",
				"component", "worker",
				"worker", "store-worker",
				"action", "merge_failed",
				"snapshot_size", len(snap),
				"error", err,
			)
			return false
		}
		slog.Debug("snapshot merged",
			"component", "worker",
			"worker", "store-worker",
			"action", "merge",
			"snapshot_size", len(snap),
			"upserted", result.Upserted,
			"deleted", result.Deleted,
		)

	default:
		slog.Warn("unknown operation dropped",
			"component", "worker",
			"worker", "store-worker",
			"action", "unknown_operation",
			"kind", kind,
		)
		return false
	}

	w.metrics.OperationApplied(kind, "ok")
	return true
}

func (w *StoreWorker) publish(ctx context.Context) {
	if w.observer == nil {
		return
	}
	records, err := w.store.ListAll(ctx)
	if err != nil {
		slog.Error("list records failed",
			"component", "worker",
			"worker", "store-worker",
			"action", "list_failed",
			"error", err,
		)
		return
	}
	w.observer.ListingUpdated(records)
}
