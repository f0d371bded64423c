package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"count-orchestrator/internal/entity"
)

// Claimed is a task taken out of a stage lane under a lease. The lease is
// exclusive: until it is acked or expires, no other claim can return the
// same task.
type Claimed struct {
	TaskID     uuid.UUID
	EnqueuedAt time.Time
}

// Queue is the per-stage task queue with lease semantics.
//
// A task is in exactly one of two places per stage: pending (claimable) or
// leased (in flight). Claim moves pending -> leased atomically; Ack drops
// the lease; an unacked lease past its TTL is reclaimed by ReclaimExpired,
// which either requeues the task or, after max retries, reports it dead.
type Queue interface {
	Enqueue(ctx context.Context, stage entity.Stage, taskID uuid.UUID) error

	// Claim atomically leases up to max pending tasks of the stage.
	// Non-blocking; returns an empty slice when the lane is empty.
	Claim(ctx context.Context, stage entity.Stage, max int) ([]Claimed, error)

	// Oldest returns the enqueue time of the longest-waiting pending task.
	Oldest(ctx context.Context, stage entity.Stage) (time.Time, bool, error)

	// WaitAny blocks until some stage has a pending task, d elapses, or ctx
	// is done. Used by the assembler to idle without spinning.
	WaitAny(ctx context.Context, d time.Duration) error

	// Ack releases the lease on a settled task.
	Ack(ctx context.Context, stage entity.Stage, taskID uuid.UUID) error

	// Remove drops a pending task from its lane (job cancellation).
	Remove(ctx context.Context, stage entity.Stage, taskID uuid.UUID) error

	// ReclaimExpired requeues tasks with expired leases and returns the ids
	// of tasks that exhausted their retries.
	ReclaimExpired(ctx context.Context) (requeued int, dead []uuid.UUID, err error)
}
