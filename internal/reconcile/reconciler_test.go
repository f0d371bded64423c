package reconcile

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"count-orchestrator/internal/entity"
)

type fakeResultRepo struct {
	results map[uuid.UUID]entity.Result
}

func newFakeResultRepo() *fakeResultRepo {
	return &fakeResultRepo{results: make(map[uuid.UUID]entity.Result)}
}

func (r *fakeResultRepo) Create(_ context.Context, res entity.Result) error {
	r.results[res.ID] = res
	return nil
}

func (r *fakeResultRepo) GetByID(_ context.Context, id uuid.UUID) (entity.Result, error) {
	res, ok := r.results[id]
	if !ok {
		return entity.Result{}, entity.ErrNotFound
	}
	return res, nil
}

func (r *fakeResultRepo) UpdateCorrection(_ context.Context, id uuid.UUID, corrected int, updatedAt time.Time) error {
	res, ok := r.results[id]
	if !ok {
		return entity.ErrNotFound
	}
	res.CorrectedCount = &corrected
	res.UpdatedAt = updatedAt
	r.results[id] = res
	return nil
}

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestAgreement(t *testing.T) {
	cases := []struct {
		name                  string
		predicted, corrected  int
		precision, recall, f1 float64
	}{
		{"exact match", 5, 5, 1.0, 1.0, 1.0},
		{"predicted five corrected zero", 5, 0, 0.0, 0.0, 0.0},
		{"both zero", 0, 0, 1.0, 1.0, 1.0},
		{"undercount", 3, 5, 1.0, 0.6, 0.75},
		{"overcount", 5, 3, 0.6, 1.0, 0.75},
		{"predicted zero corrected five", 0, 5, 0.0, 0.0, 0.0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := Agreement(tc.predicted, tc.corrected)
			if !almostEqual(m.Precision, tc.precision) {
				t.Fatalf("precision: expected %v, got %v", tc.precision, m.Precision)
			}
			if !almostEqual(m.Recall, tc.recall) {
				t.Fatalf("recall: expected %v, got %v", tc.recall, m.Recall)
			}
			if !almostEqual(m.F1, tc.f1) {
				t.Fatalf("f1: expected %v, got %v", tc.f1, m.F1)
			}
		})
	}
}

func TestReconciler_FinalizeThenCorrect(t *testing.T) {
	ctx := context.Background()
	repo := newFakeResultRepo()
	rec := New(repo)

	task := entity.Task{
		ID:             uuid.New(),
		JobID:          uuid.New(),
		ObjectType:     "apple",
		ImageRef:       "uploads/a.jpg",
		PredictedCount: 5,
		Confidence:     0.92,
		ProcessingTime: 1500 * time.Millisecond,
	}

	resultID, err := rec.Finalize(ctx, task)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	res, metrics, err := rec.ApplyCorrection(ctx, resultID, 3)
	if err != nil {
		t.Fatalf("correct: %v", err)
	}
	if res.CorrectedCount == nil || *res.CorrectedCount != 3 {
		t.Fatalf("expected corrected=3, got %v", res.CorrectedCount)
	}
	if !almostEqual(metrics.F1, 0.75) {
		t.Fatalf("expected f1=0.75, got %v", metrics.F1)
	}

	// a later correction overwrites the earlier one
	before := res.UpdatedAt
	res, _, err = rec.ApplyCorrection(ctx, resultID, 5)
	if err != nil {
		t.Fatalf("second correct: %v", err)
	}
	if *res.CorrectedCount != 5 {
		t.Fatalf("expected corrected=5 after overwrite, got %d", *res.CorrectedCount)
	}
	if res.UpdatedAt.Before(before) {
		t.Fatalf("updated_at went backwards: %v -> %v", before, res.UpdatedAt)
	}
}

func TestReconciler_ApplyCorrection_NotFound(t *testing.T) {
	rec := New(newFakeResultRepo())

	_, _, err := rec.ApplyCorrection(context.Background(), uuid.New(), 3)
	if !errors.Is(err, entity.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReconciler_BulkCorrect_PartialFailure(t *testing.T) {
	ctx := context.Background()
	repo := newFakeResultRepo()
	rec := New(repo)

	validID, err := rec.Finalize(ctx, entity.Task{ID: uuid.New(), JobID: uuid.New(), ObjectType: "car", PredictedCount: 2})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	missingID := uuid.New()

	out := rec.BulkCorrect(ctx, []Correction{
		{ResultID: validID, CorrectedCount: 2},
		{ResultID: missingID, CorrectedCount: 1},
	})

	if len(out.Succeeded) != 1 || out.Succeeded[0] != validID {
		t.Fatalf("expected succeeded=[%s], got %v", validID, out.Succeeded)
	}
	if len(out.Failed) != 1 || out.Failed[0].ResultID != missingID {
		t.Fatalf("expected failed=[%s], got %v", missingID, out.Failed)
	}
	if out.Failed[0].Reason != entity.ErrNotFound.Error() {
		t.Fatalf("expected not found reason, got %q", out.Failed[0].Reason)
	}
}
