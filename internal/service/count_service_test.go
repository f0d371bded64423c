package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"count-orchestrator/internal/entity"
	"count-orchestrator/internal/pipeline"
	"count-orchestrator/internal/queue"
	"count-orchestrator/internal/reconcile"
	"count-orchestrator/internal/service"
	"count-orchestrator/internal/state"
)

// ---- fakes ----

type fakeTypeRepo struct {
	known map[string]entity.ObjectType
}

func (r *fakeTypeRepo) Create(_ context.Context, name, description string) (entity.ObjectType, error) {
	ot := entity.ObjectType{ID: uuid.New(), Name: name, Description: description, CreatedAt: time.Now()}
	r.known[name] = ot
	return ot, nil
}

func (r *fakeTypeRepo) GetByName(_ context.Context, name string) (entity.ObjectType, error) {
	ot, ok := r.known[name]
	if !ok {
		return entity.ObjectType{}, entity.ErrNotFound
	}
	return ot, nil
}

func (r *fakeTypeRepo) List(context.Context) ([]entity.ObjectType, error) {
	out := make([]entity.ObjectType, 0, len(r.known))
	for _, ot := range r.known {
		out = append(out, ot)
	}
	return out, nil
}

type fakeResultRepo struct {
	results map[uuid.UUID]entity.Result
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

func (r *fakeResultRepo) GetByTaskID(_ context.Context, taskID uuid.UUID) (entity.Result, error) {
	for _, res := range r.results {
		if res.TaskID == taskID {
			return res, nil
		}
	}
	return entity.Result{}, entity.ErrNotFound
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

func (r *fakeResultRepo) List(context.Context, int, int, string) ([]entity.Result, int, error) {
	return nil, len(r.results), nil
}

func (r *fakeResultRepo) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := r.results[id]; !ok {
		return entity.ErrNotFound
	}
	delete(r.results, id)
	return nil
}

func (r *fakeResultRepo) CountSince(context.Context, time.Time) (int, error) {
	return len(r.results), nil
}

// ---- helpers ----

func newService() (*service.CountService, *state.Store, *queue.MemoryQueue) {
	store := state.NewStore()
	q := queue.NewMemoryQueue(queue.MemoryConfig{})
	types := &fakeTypeRepo{known: map[string]entity.ObjectType{
		"apple": {ID: uuid.New(), Name: "apple"},
	}}
	results := &fakeResultRepo{results: map[uuid.UUID]entity.Result{}}
	rec := reconcile.New(results)
	svc := service.NewCountService(store, q, types, results, rec, nil, &pipeline.LocalEngine{})
	return svc, store, q
}

func imageInputs(n int) []state.ImageInput {
	out := make([]state.ImageInput, n)
	for i := range out {
		out[i] = state.ImageInput{Ref: uuid.NewString() + ".jpg", Name: "img.jpg"}
	}
	return out
}

// ---- tests ----

func TestSubmitJob_EmptyImagesRejected(t *testing.T) {
	svc, store, _ := newService()

	_, err := svc.SubmitJob(context.Background(), service.SubmitRequest{ObjectType: "apple"})
	if !errors.Is(err, entity.ErrInvalidJob) {
		t.Fatalf("expected ErrInvalidJob, got %v", err)
	}

	// nothing recorded
	if done, failed, _ := store.Aggregate(); done != 0 || failed != 0 {
		t.Fatalf("job state created for invalid submission: done=%d failed=%d", done, failed)
	}
}

func TestSubmitJob_UnknownObjectTypeRejected(t *testing.T) {
	svc, _, _ := newService()

	_, err := svc.SubmitJob(context.Background(), service.SubmitRequest{
		ObjectType: "unicorn",
		Images:     imageInputs(1),
	})
	if !errors.Is(err, entity.ErrInvalidJob) {
		t.Fatalf("expected ErrInvalidJob, got %v", err)
	}
}

func TestSubmitJob_EnqueuesEveryTaskAtPreprocess(t *testing.T) {
	svc, _, q := newService()
	ctx := context.Background()

	job, err := svc.SubmitJob(ctx, service.SubmitRequest{
		ObjectType: "apple",
		Images:     imageInputs(3),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.TotalTasks != 3 || job.Status != entity.JobQueued {
		t.Fatalf("unexpected job: %+v", job)
	}

	claimed, err := q.Claim(ctx, entity.StagePreprocess, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("expected 3 queued tasks, got %d", len(claimed))
	}
}

func TestSubmitJob_AutoDetectSkipsTypeValidation(t *testing.T) {
	svc, _, _ := newService()

	job, err := svc.SubmitJob(context.Background(), service.SubmitRequest{
		AutoDetect: true,
		Images:     imageInputs(1),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !job.AutoDetect || job.ObjectType != "" {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestCancelJob_RemovesPendingFromQueue(t *testing.T) {
	svc, _, q := newService()
	ctx := context.Background()

	job, err := svc.SubmitJob(ctx, service.SubmitRequest{
		ObjectType: "apple",
		Images:     imageInputs(2),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := svc.CancelJob(ctx, job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	claimed, _ := q.Claim(ctx, entity.StagePreprocess, 10)
	if len(claimed) != 0 {
		t.Fatalf("cancelled tasks still claimable: %v", claimed)
	}

	snap, _ := svc.GetJobStatus(job.ID)
	if snap.Status != entity.JobFailed || snap.Failed != 2 {
		t.Fatalf("expected failed job with 2 failed tasks, got %+v", snap)
	}
}

func TestRetryFailed_ReEnqueuesOnlyFailedTasks(t *testing.T) {
	svc, store, q := newService()
	ctx := context.Background()

	job, err := svc.SubmitJob(ctx, service.SubmitRequest{
		ObjectType: "apple",
		Images:     imageInputs(2),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	tasks, _ := store.ListTasks(job.ID)

	// settle one task as failed, leave the other pending
	store.ClaimForBatch([]uuid.UUID{tasks[0].ID})
	_ = store.FailTask(tasks[0].ID, "boom", 0)

	n, err := svc.RetryFailed(ctx, job.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 retried task, got %d", n)
	}

	// original 2 pending + 1 re-enqueued
	claimed, _ := q.Claim(ctx, entity.StagePreprocess, 10)
	if len(claimed) != 3 {
		t.Fatalf("expected 3 claimable entries, got %d", len(claimed))
	}
}

func TestStats_CountsRequests(t *testing.T) {
	svc, _, _ := newService()
	ctx := context.Background()

	_, _ = svc.SubmitJob(ctx, service.SubmitRequest{ObjectType: "apple", Images: imageInputs(1)})
	_, _ = svc.SubmitJob(ctx, service.SubmitRequest{ObjectType: "apple"}) // invalid, still a request

	st, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TotalRequests != 2 {
		t.Fatalf("expected 2 requests, got %d", st.TotalRequests)
	}
}
