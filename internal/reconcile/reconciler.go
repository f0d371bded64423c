package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"count-orchestrator/internal/entity"
)

// ResultRepository is the slice of the persistence layer the reconciler
// needs (implementation: postgresql.ResultRepository).
type ResultRepository interface {
	Create(ctx context.Context, r entity.Result) error
	GetByID(ctx context.Context, id uuid.UUID) (entity.Result, error)
	UpdateCorrection(ctx context.Context, id uuid.UUID, corrected int, updatedAt time.Time) error
}

// Reconciler persists finished tasks as standalone results and merges
// later human corrections without re-running the pipeline.
type Reconciler struct {
	results ResultRepository
}

func New(results ResultRepository) *Reconciler {
	return &Reconciler{results: results}
}

// Finalize promotes a completed task to a durable result, decoupled from
// its job's lifetime.
func (r *Reconciler) Finalize(ctx context.Context, task entity.Task) (uuid.UUID, error) {
	now := time.Now().UTC()
	res := entity.Result{
		ID:             uuid.New(),
		JobID:          task.JobID,
		TaskID:         task.ID,
		ObjectType:     task.ObjectType,
		ImagePath:      task.ImageRef,
		PredictedCount: task.PredictedCount,
		Confidence:     task.Confidence,
		ProcessingTime: task.ProcessingTime.Seconds(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.results.Create(ctx, res); err != nil {
		return uuid.Nil, fmt.Errorf("finalize task %s: %w", task.ID, err)
	}
	return res.ID, nil
}

// ApplyCorrection overwrites the corrected count (a later correction
// replaces an earlier one, never silently dropped) and returns the
// recomputed agreement metrics.
func (r *Reconciler) ApplyCorrection(ctx context.Context, resultID uuid.UUID, corrected int) (entity.Result, entity.Metrics, error) {
	if corrected < 0 {
		return entity.Result{}, entity.Metrics{}, fmt.Errorf("%w: corrected count must be >= 0", entity.ErrInvalidJob)
	}

	res, err := r.results.GetByID(ctx, resultID)
	if err != nil {
		return entity.Result{}, entity.Metrics{}, err
	}

	now := time.Now().UTC()
	if err := r.results.UpdateCorrection(ctx, resultID, corrected, now); err != nil {
		return entity.Result{}, entity.Metrics{}, err
	}

	res.CorrectedCount = &corrected
	res.UpdatedAt = now
	return res, Agreement(res.PredictedCount, corrected), nil
}

// Correction is one entry of a bulk correction request.
type Correction struct {
	ResultID       uuid.UUID `json:"result_id"`
	CorrectedCount int       `json:"corrected_count"`
}

// CorrectionFailure reports one correction that could not be applied.
type CorrectionFailure struct {
	ResultID uuid.UUID `json:"result_id"`
	Reason   string    `json:"reason"`
}

// BulkOutcome aggregates a bulk correction: the two lists partition the
// input.
type BulkOutcome struct {
	Succeeded []uuid.UUID         `json:"succeeded"`
	Failed    []CorrectionFailure `json:"failed"`
}

// BulkCorrect applies corrections independently: one bad entry never
// aborts the rest. Same partial-failure discipline as batch inference.
func (r *Reconciler) BulkCorrect(ctx context.Context, corrections []Correction) BulkOutcome {
	out := BulkOutcome{}
	for _, c := range corrections {
		if _, _, err := r.ApplyCorrection(ctx, c.ResultID, c.CorrectedCount); err != nil {
			reason := err.Error()
			if errors.Is(err, entity.ErrNotFound) {
				reason = entity.ErrNotFound.Error()
			}
			out.Failed = append(out.Failed, CorrectionFailure{ResultID: c.ResultID, Reason: reason})
			continue
		}
		out.Succeeded = append(out.Succeeded, c.ResultID)
	}
	return out
}

// Agreement scores a predicted count against a corrected one. Over- and
// under-counting are penalized symmetrically: tp = min(p, c), and the
// zero branches make an exact zero-zero match a perfect score.
func Agreement(predicted, corrected int) entity.Metrics {
	tp := predicted
	if corrected < tp {
		tp = corrected
	}

	var precision, recall float64
	if predicted > 0 {
		precision = float64(tp) / float64(predicted)
	} else if corrected == 0 {
		precision = 1.0
	}
	if corrected > 0 {
		recall = float64(tp) / float64(corrected)
	} else if predicted == 0 {
		recall = 1.0
	}

	var f1 float64
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}
	return entity.Metrics{Precision: precision, Recall: recall, F1: f1}
}
