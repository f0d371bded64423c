package pipeline

import (
	"context"
	"hash/fnv"
	"time"

	"count-orchestrator/internal/entity"
)

// LocalEngine is an in-process stand-in for the model sidecar: every stage
// succeeds and the final count is a deterministic function of the image
// ref. Used for development and wiring tests; it exercises the exact same
// batch contract as the remote engine.
type LocalEngine struct {
	Delay time.Duration // optional per-invocation delay to mimic inference
}

func (e *LocalEngine) Run(ctx context.Context, stage entity.Stage, items []Item) ([]ItemResult, error) {
	if e.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.Delay):
		}
	}

	out := make([]ItemResult, 0, len(items))
	for _, it := range items {
		r := ItemResult{TaskID: it.TaskID}
		if stage == entity.StageCount || stage == entity.StageExplain {
			seed := refSeed(it.ImageRef)
			r.PredictedCount = int(3 + seed%8)
			r.Confidence = 0.55 + float64(seed%40)/100
		}
		if stage == entity.StageExplain {
			r.OverlayRef = it.ImageRef + ".overlay.png"
		}
		out = append(out, r)
	}
	return out, nil
}

func (e *LocalEngine) Ping(context.Context) error { return nil }

func refSeed(ref string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(ref))
	return h.Sum64()
}
