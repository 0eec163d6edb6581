package store

import (
	"github.com/hyperengineering/calcsync/internal/types"
)

// Plan is the outcome of reconciling the local set against a snapshot.
type Plan struct {
	Upserts []types.Record
	Deletes []int64
}

// Reconcile decides how a snapshot is merged into the local record set.
//
// Every snapshot record is upserted by id. Local records missing from the
// snapshot are deleted when their timestamp is not after the newest snapshot
// timestamp; newer ones are local writes the server has not echoed yet and
// are kept. An empty snapshot deletes nothing. Reconcile is pure and
// idempotent.
//
// A local record sharing the exact boundary timestamp with the newest
// snapshot record is purged when absent from the snapshot.
func Reconcile(local []types.Record, snapshot types.Snapshot) Plan {
	var plan Plan

	maxTs, ok := snapshot.MaxTimestamp()
	if !ok {
		return plan
	}

	// Duplicate ids within one snapshot: last occurrence wins.
	position := make(map[int64]int, len(snapshot))
	for _, r := range snapshot {
		if i, seen := position[r.ID]; seen {
			plan.Upserts[i] = r
			continue
		}
		position[r.ID] = len(plan.Upserts)
		plan.Upserts = append(plan.Upserts, r)
	}

	for _, r := range local {
		if _, inSnapshot := position[r.ID]; inSnapshot {
			continue
		}
		if !r.Timestamp.After(maxTs) {
			plan.Deletes = append(plan.Deletes, r.ID)
		}
	}

	return plan
}
