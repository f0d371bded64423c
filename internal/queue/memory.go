package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"count-orchestrator/internal/entity"
)

// MemoryConfig tunes the in-process queue.
type MemoryConfig struct {
	LeaseTTL   time.Duration // lease lifetime before reclaim
	MaxRetries int           // reclaims before a task is declared dead
}

func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

type pendingTask struct {
	id         uuid.UUID
	enqueuedAt time.Time
}

type lease struct {
	stage      entity.Stage
	enqueuedAt time.Time
	expiresAt  time.Time
}

// MemoryQueue is the single-process queue: per-stage FIFO lanes plus a
// lease table keyed by task id. All transitions happen under one mutex,
// so a task can never be claimed twice.
type MemoryQueue struct {
	cfg MemoryConfig

	mu       sync.Mutex
	pending  map[entity.Stage][]pendingTask
	leases   map[uuid.UUID]*lease
	attempts map[uuid.UUID]int

	arrival chan struct{} // signalled (non-blocking) on every enqueue

	now func() time.Time // overridable in tests
}

func NewMemoryQueue(cfg MemoryConfig) *MemoryQueue {
	return &MemoryQueue{
		cfg:      cfg.withDefaults(),
		pending:  make(map[entity.Stage][]pendingTask),
		leases:   make(map[uuid.UUID]*lease),
		attempts: make(map[uuid.UUID]int),
		arrival:  make(chan struct{}, 1),
		now:      time.Now,
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, stage entity.Stage, taskID uuid.UUID) error {
	q.mu.Lock()
	q.pending[stage] = append(q.pending[stage], pendingTask{id: taskID, enqueuedAt: q.now()})
	q.mu.Unlock()

	select {
	case q.arrival <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context, stage entity.Stage, max int) ([]Claimed, error) {
	if max <= 0 {
		return nil, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	lane := q.pending[stage]
	n := len(lane)
	if n > max {
		n = max
	}
	if n == 0 {
		return nil, nil
	}

	now := q.now()
	out := make([]Claimed, 0, n)
	for _, pt := range lane[:n] {
		q.leases[pt.id] = &lease{
			stage:      stage,
			enqueuedAt: pt.enqueuedAt,
			expiresAt:  now.Add(q.cfg.LeaseTTL),
		}
		out = append(out, Claimed{TaskID: pt.id, EnqueuedAt: pt.enqueuedAt})
	}
	q.pending[stage] = lane[n:]
	return out, nil
}

func (q *MemoryQueue) Oldest(_ context.Context, stage entity.Stage) (time.Time, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	lane := q.pending[stage]
	if len(lane) == 0 {
		return time.Time{}, false, nil
	}
	return lane[0].enqueuedAt, true, nil
}

func (q *MemoryQueue) WaitAny(ctx context.Context, d time.Duration) error {
	q.mu.Lock()
	for _, lane := range q.pending {
		if len(lane) > 0 {
			q.mu.Unlock()
			return nil
		}
	}
	q.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	case <-q.arrival:
		return nil
	}
}

func (q *MemoryQueue) Ack(_ context.Context, _ entity.Stage, taskID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.leases, taskID)
	delete(q.attempts, taskID)
	return nil
}

func (q *MemoryQueue) Remove(_ context.Context, stage entity.Stage, taskID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	lane := q.pending[stage]
	for i, pt := range lane {
		if pt.id == taskID {
			q.pending[stage] = append(lane[:i:i], lane[i+1:]...)
			break
		}
	}
	delete(q.attempts, taskID)
	return nil
}

// ReclaimExpired returns expired leases to the front of their lane so the
// task keeps its original queue position. A task reclaimed more than
// MaxRetries times is dead: the caller marks it failed.
func (q *MemoryQueue) ReclaimExpired(_ context.Context) (int, []uuid.UUID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	requeued := 0
	var dead []uuid.UUID

	for id, l := range q.leases {
		if now.Before(l.expiresAt) {
			continue
		}
		delete(q.leases, id)

		q.attempts[id]++
		if q.attempts[id] > q.cfg.MaxRetries {
			delete(q.attempts, id)
			dead = append(dead, id)
			continue
		}

		lane := q.pending[l.stage]
		q.pending[l.stage] = append([]pendingTask{{id: id, enqueuedAt: l.enqueuedAt}}, lane...)
		requeued++
	}

	if requeued > 0 {
		select {
		case q.arrival <- struct{}{}:
		default:
		}
	}
	return requeued, dead, nil
}
