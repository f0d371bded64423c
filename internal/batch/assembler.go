package batch

import (
	"context"
	"time"

	"count-orchestrator/internal/entity"
	"count-orchestrator/internal/queue"
)

// Config bounds both sides of the batching trade-off: TargetBatchSize caps
// GPU under-utilization, MaxWait caps how long a lone image sits waiting
// for company.
type Config struct {
	TargetBatchSize int
	MaxWait         time.Duration
}

func (c Config) withDefaults() Config {
	if c.TargetBatchSize <= 0 {
		c.TargetBatchSize = 8
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 200 * time.Millisecond
	}
	return c
}

// Assembler forms per-stage micro-batches from the task queue. A batch is
// dispatched when it reaches TargetBatchSize or when the oldest pending
// task of its stage has waited MaxWait, whichever comes first.
type Assembler struct {
	q   queue.Queue
	cfg Config
}

func New(q queue.Queue, cfg Config) *Assembler {
	return &Assembler{q: q, cfg: cfg.withDefaults()}
}

// Assemble blocks until a batch is ready for some stage and returns it with
// its tasks already leased. When several stages have work, the stage with
// the longest-waiting task goes first, so slow-filling stages never starve.
func (a *Assembler) Assemble(ctx context.Context) (entity.Stage, []queue.Claimed, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, nil, err
		}

		stage, oldest, ok, err := a.pickStage(ctx)
		if err != nil {
			return 0, nil, err
		}
		if !ok {
			if err := a.q.WaitAny(ctx, a.cfg.MaxWait); err != nil {
				return 0, nil, err
			}
			continue
		}

		claimed, err := a.fill(ctx, stage, oldest)
		if err != nil {
			return stage, claimed, err
		}
		if len(claimed) > 0 {
			return stage, claimed, nil
		}
	}
}

// pickStage returns the stage whose oldest pending task has waited longest.
func (a *Assembler) pickStage(ctx context.Context) (entity.Stage, time.Time, bool, error) {
	var (
		best       entity.Stage
		bestOldest time.Time
		found      bool
	)
	for _, stage := range entity.PipelineStages {
		oldest, ok, err := a.q.Oldest(ctx, stage)
		if err != nil {
			return 0, time.Time{}, false, err
		}
		if !ok {
			continue
		}
		if !found || oldest.Before(bestOldest) {
			best, bestOldest, found = stage, oldest, true
		}
	}
	return best, bestOldest, found, nil
}

// fill claims tasks for the stage until the batch is full or the flush
// deadline (oldest enqueue time + MaxWait) passes.
func (a *Assembler) fill(ctx context.Context, stage entity.Stage, oldest time.Time) ([]queue.Claimed, error) {
	deadline := oldest.Add(a.cfg.MaxWait)
	var claimed []queue.Claimed

	for {
		got, err := a.q.Claim(ctx, stage, a.cfg.TargetBatchSize-len(claimed))
		claimed = append(claimed, got...)
		if err != nil {
			return claimed, err
		}
		if len(claimed) >= a.cfg.TargetBatchSize {
			return claimed, nil
		}
		if !time.Now().Before(deadline) {
			return claimed, nil
		}

		wait := time.Until(deadline)
		if wait > 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return claimed, ctx.Err()
		case <-time.After(wait):
		}
	}
}
