package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"count-orchestrator/internal/entity"
	"count-orchestrator/internal/pipeline"
	"count-orchestrator/internal/reconcile"
	"count-orchestrator/internal/state"
)

// Ports into the persistence layer (implementations: postgresql package).

type ObjectTypeRepository interface {
	Create(ctx context.Context, name, description string) (entity.ObjectType, error)
	GetByName(ctx context.Context, name string) (entity.ObjectType, error)
	List(ctx context.Context) ([]entity.ObjectType, error)
}

type ResultRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (entity.Result, error)
	GetByTaskID(ctx context.Context, taskID uuid.UUID) (entity.Result, error)
	List(ctx context.Context, page, perPage int, objectType string) ([]entity.Result, int, error)
	Delete(ctx context.Context, id uuid.UUID) error
	CountSince(ctx context.Context, cutoff time.Time) (int, error)
}

// TaskQueue is the slice of the queue the service needs: submit-side
// enqueue and cancellation-side removal.
type TaskQueue interface {
	Enqueue(ctx context.Context, stage entity.Stage, taskID uuid.UUID) error
	Remove(ctx context.Context, stage entity.Stage, taskID uuid.UUID) error
}

// ArtifactStore deletes stored image/overlay blobs by ref.
type ArtifactStore interface {
	Delete(ref string) error
}

// CountService is the submission/query facade over the orchestration core.
type CountService struct {
	store      *state.Store
	queue      TaskQueue
	types      ObjectTypeRepository
	results    ResultRepository
	reconciler *reconcile.Reconciler
	artifacts  ArtifactStore
	engine     pipeline.Capability

	startedAt     time.Time
	totalRequests atomic.Int64
}

func NewCountService(
	store *state.Store,
	queue TaskQueue,
	types ObjectTypeRepository,
	results ResultRepository,
	reconciler *reconcile.Reconciler,
	artifacts ArtifactStore,
	engine pipeline.Capability,
) *CountService {
	return &CountService{
		store:      store,
		queue:      queue,
		types:      types,
		results:    results,
		reconciler: reconciler,
		artifacts:  artifacts,
		engine:     engine,
		startedAt:  time.Now(),
	}
}

type SubmitRequest struct {
	ObjectType  string
	Description string
	AutoDetect  bool
	Images      []state.ImageInput
}

// SubmitJob validates the submission, records the job with one pending
// task per image and enqueues every task at the first stage. Invalid
// submissions are rejected before anything is recorded.
func (s *CountService) SubmitJob(ctx context.Context, req SubmitRequest) (entity.Job, error) {
	s.totalRequests.Add(1)

	if len(req.Images) == 0 {
		return entity.Job{}, fmt.Errorf("%w: at least one image is required", entity.ErrInvalidJob)
	}

	objectType := req.ObjectType
	if req.AutoDetect {
		objectType = ""
	} else {
		if objectType == "" {
			return entity.Job{}, fmt.Errorf("%w: object_type is required", entity.ErrInvalidJob)
		}
		if _, err := s.types.GetByName(ctx, objectType); err != nil {
			if errors.Is(err, entity.ErrNotFound) {
				return entity.Job{}, fmt.Errorf("%w: unknown object type %q", entity.ErrInvalidJob, objectType)
			}
			return entity.Job{}, err
		}
	}

	job, tasks := s.store.CreateJob(objectType, req.Description, req.AutoDetect, req.Images)
	for _, t := range tasks {
		if err := s.queue.Enqueue(ctx, entity.StagePreprocess, t.ID); err != nil {
			log.Printf("[service] job_id=%s enqueue task %s error=%v", job.ID, t.ID, err)
			_ = s.store.FailTask(t.ID, entity.ErrStageExecution.Error()+": enqueue: "+err.Error(), 0)
		}
	}

	log.Printf("[service] job_id=%s submitted object_type=%q tasks=%d", job.ID, objectType, len(tasks))
	return job, nil
}

func (s *CountService) GetJob(jobID uuid.UUID) (entity.Job, error) {
	return s.store.GetJob(jobID)
}

func (s *CountService) GetJobStatus(jobID uuid.UUID) (state.Snapshot, error) {
	return s.store.GetJobStatus(jobID)
}

func (s *CountService) GetJobTasks(jobID uuid.UUID) ([]entity.Task, error) {
	return s.store.ListTasks(jobID)
}

func (s *CountService) Subscribe(jobID uuid.UUID) (<-chan state.Snapshot, func(), error) {
	return s.store.Subscribe(jobID)
}

// WaitForJob blocks until the job reaches a terminal status or ctx is
// done, then returns the job and its tasks. Backs the synchronous count
// endpoints.
func (s *CountService) WaitForJob(ctx context.Context, jobID uuid.UUID) (entity.Job, []entity.Task, error) {
	ch, unsubscribe, err := s.store.Subscribe(jobID)
	if err != nil {
		return entity.Job{}, nil, err
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return entity.Job{}, nil, ctx.Err()
		case snap, ok := <-ch:
			if !ok || snap.Status.Terminal() {
				job, err := s.store.GetJob(jobID)
				if err != nil {
					return entity.Job{}, nil, err
				}
				tasks, err := s.store.ListTasks(jobID)
				return job, tasks, err
			}
		}
	}
}

// CancelJob fails the job's pending tasks and drops their queue entries.
// Tasks already in a batch settle on their own.
func (s *CountService) CancelJob(ctx context.Context, jobID uuid.UUID) error {
	dropped, err := s.store.Cancel(jobID)
	if err != nil {
		return err
	}
	for _, t := range dropped {
		if qerr := s.queue.Remove(ctx, t.Stage, t.ID); qerr != nil {
			log.Printf("[service] job_id=%s remove task %s from queue: %v", jobID, t.ID, qerr)
		}
	}
	log.Printf("[service] job_id=%s cancelled pending=%d", jobID, len(dropped))
	return nil
}

// RetryFailed re-enqueues a job's failed tasks at the stage they failed
// in. Completed tasks are not resubmitted.
func (s *CountService) RetryFailed(ctx context.Context, jobID uuid.UUID) (int, error) {
	retried, err := s.store.RetryFailed(jobID)
	if err != nil {
		return 0, err
	}
	for _, t := range retried {
		if qerr := s.queue.Enqueue(ctx, t.Stage, t.ID); qerr != nil {
			log.Printf("[service] job_id=%s re-enqueue task %s: %v", jobID, t.ID, qerr)
			_ = s.store.FailTask(t.ID, entity.ErrStageExecution.Error()+": enqueue: "+qerr.Error(), 0)
		}
	}
	return len(retried), nil
}

// DeleteJob removes the job, its tasks and their stored artifacts.
// Historical results survive.
func (s *CountService) DeleteJob(ctx context.Context, jobID uuid.UUID) error {
	if err := s.CancelJob(ctx, jobID); err != nil && !errors.Is(err, entity.ErrNotFound) {
		return err
	}
	tasks, err := s.store.DeleteJob(jobID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		s.deleteArtifacts(t.ImageRef, t.OverlayRef)
	}
	return nil
}

func (s *CountService) deleteArtifacts(imageRef string, overlayRef *string) {
	if s.artifacts == nil {
		return
	}
	if imageRef != "" {
		if err := s.artifacts.Delete(imageRef); err != nil {
			log.Printf("[service] delete artifact %s: %v", imageRef, err)
		}
	}
	if overlayRef != nil && *overlayRef != "" {
		if err := s.artifacts.Delete(*overlayRef); err != nil {
			log.Printf("[service] delete artifact %s: %v", *overlayRef, err)
		}
	}
}

// --- corrections ---

func (s *CountService) Correct(ctx context.Context, resultID uuid.UUID, corrected int) (entity.Result, entity.Metrics, error) {
	return s.reconciler.ApplyCorrection(ctx, resultID, corrected)
}

func (s *CountService) BulkCorrect(ctx context.Context, corrections []reconcile.Correction) reconcile.BulkOutcome {
	return s.reconciler.BulkCorrect(ctx, corrections)
}

// --- results ---

func (s *CountService) GetResult(ctx context.Context, id uuid.UUID) (entity.Result, error) {
	return s.results.GetByID(ctx, id)
}

func (s *CountService) ResultForTask(ctx context.Context, taskID uuid.UUID) (entity.Result, error) {
	return s.results.GetByTaskID(ctx, taskID)
}

func (s *CountService) ListResults(ctx context.Context, page, perPage int, objectType string) ([]entity.Result, int, error) {
	return s.results.List(ctx, page, perPage, objectType)
}

// DeleteResult removes one result and its stored image artifact.
func (s *CountService) DeleteResult(ctx context.Context, id uuid.UUID) error {
	res, err := s.results.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.results.Delete(ctx, id); err != nil {
		return err
	}
	s.deleteArtifacts(res.ImagePath, nil)
	return nil
}

// --- object types ---

func (s *CountService) CreateObjectType(ctx context.Context, name, description string) (entity.ObjectType, error) {
	if name == "" {
		return entity.ObjectType{}, fmt.Errorf("%w: name is required", entity.ErrInvalidJob)
	}
	return s.types.Create(ctx, name, description)
}

func (s *CountService) ListObjectTypes(ctx context.Context) ([]entity.ObjectType, error) {
	return s.types.List(ctx)
}

// --- monitoring ---

type BatchStatus struct {
	TotalProcessedToday   int     `json:"total_processed_today"`
	AverageProcessingTime float64 `json:"average_processing_time"`
	SuccessRate           float64 `json:"success_rate"`
	TotalRequests         int64   `json:"total_requests"`
	SystemUptime          float64 `json:"system_uptime"`
	LastUpdated           string  `json:"last_updated"`
}

func (s *CountService) Stats(ctx context.Context) (BatchStatus, error) {
	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	today, err := s.results.CountSince(ctx, midnight)
	if err != nil {
		return BatchStatus{}, err
	}

	done, failed, processing := s.store.Aggregate()
	st := BatchStatus{
		TotalProcessedToday: today,
		TotalRequests:       s.totalRequests.Load(),
		SystemUptime:        time.Since(s.startedAt).Seconds(),
		LastUpdated:         time.Now().UTC().Format(time.RFC3339),
	}
	if done > 0 {
		st.AverageProcessingTime = processing.Seconds() / float64(done)
	}
	if done+failed > 0 {
		st.SuccessRate = float64(done) / float64(done+failed)
	}
	return st, nil
}

type Health struct {
	Status            string `json:"status"`
	Message           string `json:"message"`
	Database          bool   `json:"database"`
	ObjectTypes       int    `json:"object_types"`
	PipelineAvailable bool   `json:"pipeline_available"`
}

func (s *CountService) Health(ctx context.Context) Health {
	h := Health{Status: "healthy", Message: "service is running"}

	types, err := s.types.List(ctx)
	if err != nil {
		h.Status = "degraded"
		h.Message = "database unavailable"
	} else {
		h.Database = true
		h.ObjectTypes = len(types)
	}

	if err := s.engine.Ping(ctx); err != nil {
		h.Status = "degraded"
		h.Message = "model pipeline unavailable"
	} else {
		h.PipelineAvailable = true
	}
	return h
}
