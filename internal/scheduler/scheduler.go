package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"count-orchestrator/internal/batch"
	"count-orchestrator/internal/entity"
	"count-orchestrator/internal/pipeline"
	"count-orchestrator/internal/queue"
	"count-orchestrator/internal/state"
)

// Finalizer persists a completed task as a durable result
// (implementation: reconcile.Reconciler).
type Finalizer interface {
	Finalize(ctx context.Context, task entity.Task) (uuid.UUID, error)
}

type Config struct {
	// Directors is the number of batch-director goroutines. Each one
	// serves all stages, taking the stage with the oldest waiting task.
	Directors int
}

func (c Config) withDefaults() Config {
	if c.Directors <= 0 {
		c.Directors = len(entity.PipelineStages)
	}
	return c
}

// Scheduler drives tasks through the pipeline: assemble a micro-batch,
// invoke the stage capability once for the whole batch, settle each item,
// ack the leases. Task-level failures never escape the loop.
type Scheduler struct {
	asm       *batch.Assembler
	q         queue.Queue
	store     *state.Store
	engine    pipeline.Capability
	finalizer Finalizer
	cfg       Config
}

func New(q queue.Queue, asm *batch.Assembler, store *state.Store, engine pipeline.Capability, finalizer Finalizer, cfg Config) *Scheduler {
	return &Scheduler{
		asm:       asm,
		q:         q,
		store:     store,
		engine:    engine,
		finalizer: finalizer,
		cfg:       cfg.withDefaults(),
	}
}

// Run blocks until ctx is done, running the director loops.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("[scheduler] started: directors=%d", s.cfg.Directors)

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Directors; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.director(ctx, n)
		}(i + 1)
	}
	wg.Wait()

	log.Println("[scheduler] stopped")
}

func (s *Scheduler) director(ctx context.Context, n int) {
	for {
		stage, claimed, err := s.asm.Assemble(ctx)
		if err != nil {
			if ctx.Err() != nil {
				// unprocessed leases will be reclaimed by the reaper
				return
			}
			log.Printf("[director-%d] assemble error: %v", n, err)
			continue
		}
		s.runBatch(ctx, n, stage, claimed)
	}
}

func (s *Scheduler) runBatch(ctx context.Context, n int, stage entity.Stage, claimed []queue.Claimed) {
	ids := make([]uuid.UUID, len(claimed))
	for i, c := range claimed {
		ids[i] = c.TaskID
	}

	ready, skipped := s.store.ClaimForBatch(ids)
	for _, id := range skipped {
		// cancelled or already settled while queued: drop the lease
		_ = s.q.Ack(ctx, stage, id)
	}
	if len(ready) == 0 {
		return
	}

	items := make([]pipeline.Item, len(ready))
	for i, t := range ready {
		items[i] = pipeline.Item{
			TaskID:     t.ID,
			ImageRef:   t.ImageRef,
			ObjectType: t.ObjectType,
			AutoDetect: t.ObjectType == "",
		}
	}

	start := time.Now()
	results, err := s.engine.Run(ctx, stage, items)
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			// shutdown mid-invocation: do not apply anything, leases expire
			return
		}
		// infrastructure failure fails the whole batch, not the scheduler
		msg := entity.ErrStageExecution.Error() + ": " + err.Error()
		for _, t := range ready {
			if ferr := s.store.FailTask(t.ID, msg, elapsed); ferr != nil {
				log.Printf("[director-%d] fail task %s: %v", n, t.ID, ferr)
			}
			_ = s.q.Ack(ctx, stage, t.ID)
		}
		log.Printf("[director-%d] stage=%s batch=%d status=stage_error duration_ms=%d error=%v",
			n, stage, len(ready), elapsed.Milliseconds(), err)
		return
	}

	byTask := make(map[uuid.UUID]pipeline.ItemResult, len(results))
	for _, r := range results {
		byTask[r.TaskID] = r
	}

	var ok, failed int
	for _, t := range ready {
		r, found := byTask[t.ID]
		switch {
		case !found:
			failed++
			msg := entity.ErrModelInference.Error() + ": no result for item"
			_ = s.store.FailTask(t.ID, msg, elapsed)
		case r.Err != nil:
			failed++
			_ = s.store.FailTask(t.ID, r.Err.Error(), elapsed)
		case t.Stage == entity.StageExplain:
			ok++
			s.complete(ctx, n, t, r, elapsed)
		default:
			ok++
			next, requeue, aerr := s.store.AdvanceTask(t.ID, elapsed)
			if aerr != nil {
				log.Printf("[director-%d] advance task %s: %v", n, t.ID, aerr)
			} else if requeue {
				if qerr := s.q.Enqueue(ctx, next, t.ID); qerr != nil {
					log.Printf("[director-%d] enqueue task %s stage=%s: %v", n, t.ID, next, qerr)
					_ = s.store.FailTask(t.ID, entity.ErrStageExecution.Error()+": requeue: "+qerr.Error(), 0)
				}
			}
		}
		_ = s.q.Ack(ctx, stage, t.ID)
	}

	log.Printf("[director-%d] stage=%s batch=%d ok=%d failed=%d duration_ms=%d",
		n, stage, len(ready), ok, failed, elapsed.Milliseconds())
}

func (s *Scheduler) complete(ctx context.Context, n int, t entity.Task, r pipeline.ItemResult, elapsed time.Duration) {
	done, finalize, err := s.store.CompleteTask(t.ID, r.PredictedCount, r.Confidence, r.OverlayRef, elapsed)
	if err != nil {
		log.Printf("[director-%d] complete task %s: %v", n, t.ID, err)
		return
	}
	if !finalize || s.finalizer == nil {
		return
	}
	if _, err := s.finalizer.Finalize(ctx, done); err != nil {
		log.Printf("[director-%d] finalize task %s: %v", n, t.ID, err)
	}
}

// ReapExpired reclaims timed-out leases and fails tasks that exhausted
// their retries. Called periodically from main.
func (s *Scheduler) ReapExpired(ctx context.Context) (requeued, failed int, err error) {
	requeued, dead, err := s.q.ReclaimExpired(ctx)
	for _, id := range dead {
		if ferr := s.store.FailTask(id, entity.ErrLeaseExpired.Error(), 0); ferr != nil {
			log.Printf("[scheduler] fail expired task %s: %v", id, ferr)
		}
		failed++
	}
	return requeued, failed, err
}
