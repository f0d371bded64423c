package state

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"count-orchestrator/internal/entity"
)

// Snapshot is the client-visible aggregate for one job. Snapshots are taken
// under the store lock, so a subscriber never observes counts going
// backwards.
type Snapshot struct {
	JobID     uuid.UUID        `json:"job_id"`
	Status    entity.JobStatus `json:"status"`
	Completed int              `json:"completed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// ImageInput is one submitted image: an opaque ref into blob storage plus
// the client-supplied file name.
type ImageInput struct {
	Ref  string
	Name string
}

type jobRecord struct {
	job       entity.Job
	tasks     map[uuid.UUID]*entity.Task
	order     []uuid.UUID
	subs      map[int]chan Snapshot
	nextSub   int
	cancelled bool
}

// Store owns all live job and task state. Every transition goes through
// its single mutex; workers never touch task structs directly.
type Store struct {
	mu    sync.Mutex
	jobs  map[uuid.UUID]*jobRecord
	index map[uuid.UUID]uuid.UUID // task id -> job id
}

func NewStore() *Store {
	return &Store{
		jobs:  make(map[uuid.UUID]*jobRecord),
		index: make(map[uuid.UUID]uuid.UUID),
	}
}

// CreateJob records a job with one pending task per image, all at the first
// pipeline stage. Input validation happens in the service layer; by the
// time a job reaches the store it is well-formed.
func (s *Store) CreateJob(objectType, description string, autoDetect bool, images []ImageInput) (entity.Job, []entity.Task) {
	now := time.Now().UTC()
	job := entity.Job{
		ID:          uuid.New(),
		ObjectType:  objectType,
		Description: description,
		AutoDetect:  autoDetect,
		Status:      entity.JobQueued,
		TotalTasks:  len(images),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	rec := &jobRecord{
		job:   job,
		tasks: make(map[uuid.UUID]*entity.Task, len(images)),
		subs:  make(map[int]chan Snapshot),
	}

	tasks := make([]entity.Task, 0, len(images))
	for _, img := range images {
		t := entity.Task{
			ID:         uuid.New(),
			JobID:      job.ID,
			ObjectType: objectType,
			ImageRef:   img.Ref,
			ImageName:  img.Name,
			Stage:      entity.StagePreprocess,
			Status:     entity.TaskPending,
			CreatedAt:  now,
		}
		rec.tasks[t.ID] = &t
		rec.order = append(rec.order, t.ID)
		tasks = append(tasks, t)
	}

	s.mu.Lock()
	s.jobs[job.ID] = rec
	for _, t := range tasks {
		s.index[t.ID] = job.ID
	}
	s.mu.Unlock()

	return job, tasks
}

// GetJobStatus never blocks: it returns a copy of the current aggregate.
func (s *Store) GetJobStatus(jobID uuid.UUID) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return Snapshot{}, entity.ErrNotFound
	}
	return snapshotLocked(rec), nil
}

func (s *Store) GetJob(jobID uuid.UUID) (entity.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return entity.Job{}, entity.ErrNotFound
	}
	return rec.job, nil
}

func (s *Store) ListTasks(jobID uuid.UUID) ([]entity.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, entity.ErrNotFound
	}
	out := make([]entity.Task, 0, len(rec.order))
	for _, id := range rec.order {
		out = append(out, *rec.tasks[id])
	}
	return out, nil
}

// ClaimForBatch moves the given tasks from pending to in_batch and returns
// copies for dispatch. Tasks no longer pending (cancelled, already settled)
// come back in skipped so the caller can ack their stale leases.
func (s *Store) ClaimForBatch(ids []uuid.UUID) (ready []entity.Task, skipped []uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		rec, t := s.taskLocked(id)
		if t == nil || t.Status != entity.TaskPending {
			skipped = append(skipped, id)
			continue
		}
		t.Status = entity.TaskInBatch
		if rec.job.Status == entity.JobQueued {
			rec.job.Status = entity.JobRunning
			rec.job.UpdatedAt = time.Now().UTC()
			s.emitLocked(rec)
		}
		ready = append(ready, *t)
	}
	return ready, skipped
}

// AdvanceTask moves a task to its next stage after a successful non-final
// stage invocation. It returns the next stage and whether the task should
// be re-enqueued; a cancelled job's task is failed instead of advanced, so
// in-flight results of a cancelled job are discarded.
func (s *Store) AdvanceTask(id uuid.UUID, elapsed time.Duration) (entity.Stage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, t := s.taskLocked(id)
	if t == nil {
		return 0, false, entity.ErrNotFound
	}
	if t.Status != entity.TaskInBatch {
		return 0, false, nil
	}
	t.ProcessingTime += elapsed

	if rec.cancelled {
		s.failLocked(rec, t, entity.ErrCancelled.Error())
		return 0, false, nil
	}

	t.Stage = t.Stage.Next()
	t.Status = entity.TaskPending
	return t.Stage, true, nil
}

// CompleteTask settles a task that finished the final stage. The returned
// bool says whether the result should be finalized; it is false when the
// job was cancelled mid-flight.
func (s *Store) CompleteTask(id uuid.UUID, count int, confidence float64, overlayRef string, elapsed time.Duration) (entity.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, t := s.taskLocked(id)
	if t == nil {
		return entity.Task{}, false, entity.ErrNotFound
	}
	if t.Status != entity.TaskInBatch {
		return *t, false, nil
	}
	t.ProcessingTime += elapsed

	if rec.cancelled {
		s.failLocked(rec, t, entity.ErrCancelled.Error())
		return *t, false, nil
	}

	t.Stage = entity.StageDone
	t.Status = entity.TaskDone
	t.PredictedCount = count
	t.Confidence = confidence
	if overlayRef != "" {
		t.OverlayRef = &overlayRef
	}
	rec.job.CompletedTasks++
	s.settleJobLocked(rec)
	return *t, true, nil
}

// FailTask settles a task as failed. Failed tasks never re-enter a batch
// unless explicitly retried.
func (s *Store) FailTask(id uuid.UUID, msg string, elapsed time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, t := s.taskLocked(id)
	if t == nil {
		return entity.ErrNotFound
	}
	if t.Status == entity.TaskDone || t.Status == entity.TaskFailed {
		return nil
	}
	t.ProcessingTime += elapsed
	s.failLocked(rec, t, msg)
	return nil
}

// Cancel fails every still-pending task with Cancelled and returns them so
// the caller can drop their queue entries. Tasks already in a batch are
// left to settle; their results will be discarded on settlement.
func (s *Store) Cancel(jobID uuid.UUID) ([]entity.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, entity.ErrNotFound
	}
	if rec.job.Status.Terminal() {
		return nil, nil
	}
	rec.cancelled = true

	var dropped []entity.Task
	for _, id := range rec.order {
		t := rec.tasks[id]
		if t.Status != entity.TaskPending {
			continue
		}
		dropped = append(dropped, *t)
		s.failLocked(rec, t, entity.ErrCancelled.Error())
	}
	return dropped, nil
}

// RetryFailed resets a job's failed tasks to pending at the stage they
// failed in and returns them for re-enqueueing. Completed tasks are
// untouched.
func (s *Store) RetryFailed(jobID uuid.UUID) ([]entity.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, entity.ErrNotFound
	}

	var retried []entity.Task
	for _, id := range rec.order {
		t := rec.tasks[id]
		if t.Status != entity.TaskFailed {
			continue
		}
		t.Status = entity.TaskPending
		t.Error = nil
		rec.job.FailedTasks--
		retried = append(retried, *t)
	}
	if len(retried) > 0 {
		rec.cancelled = false
		rec.job.Status = entity.JobRunning
		rec.job.UpdatedAt = time.Now().UTC()
		s.emitLocked(rec)
	}
	return retried, nil
}

// DeleteJob removes a job and returns its tasks so owned artifacts can be
// cleaned up. Historical results are untouched.
func (s *Store) DeleteJob(jobID uuid.UUID) ([]entity.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, entity.ErrNotFound
	}

	tasks := make([]entity.Task, 0, len(rec.order))
	for _, id := range rec.order {
		tasks = append(tasks, *rec.tasks[id])
		delete(s.index, id)
	}
	for _, ch := range rec.subs {
		close(ch)
	}
	delete(s.jobs, jobID)
	return tasks, nil
}

// Subscribe returns a channel of status snapshots for the job, starting
// with the current state. The channel closes when the job reaches a
// terminal status or is deleted; the returned func unsubscribes early.
func (s *Store) Subscribe(jobID uuid.UUID) (<-chan Snapshot, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, nil, entity.ErrNotFound
	}

	ch := make(chan Snapshot, 16)
	ch <- snapshotLocked(rec)
	if rec.job.Status.Terminal() {
		close(ch)
		return ch, func() {}, nil
	}

	id := rec.nextSub
	rec.nextSub++
	rec.subs[id] = ch

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		r, ok := s.jobs[jobID]
		if !ok {
			return
		}
		if c, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(c)
		}
	}
	return ch, unsubscribe, nil
}

// Aggregate sums task outcomes across live jobs for the status endpoint.
func (s *Store) Aggregate() (done, failed int, processing time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.jobs {
		done += rec.job.CompletedTasks
		failed += rec.job.FailedTasks
		for _, t := range rec.tasks {
			if t.Status == entity.TaskDone {
				processing += t.ProcessingTime
			}
		}
	}
	return done, failed, processing
}

// --- internal helpers, all called with s.mu held ---

func (s *Store) taskLocked(id uuid.UUID) (*jobRecord, *entity.Task) {
	jobID, ok := s.index[id]
	if !ok {
		return nil, nil
	}
	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	return rec, rec.tasks[id]
}

func (s *Store) failLocked(rec *jobRecord, t *entity.Task, msg string) {
	t.Status = entity.TaskFailed
	t.Error = &msg
	rec.job.FailedTasks++
	s.settleJobLocked(rec)
}

// settleJobLocked recomputes the job status after a task settles. The
// terminal transition happens exactly once, when every task is settled.
func (s *Store) settleJobLocked(rec *jobRecord) {
	j := &rec.job
	j.UpdatedAt = time.Now().UTC()

	if j.CompletedTasks+j.FailedTasks == j.TotalTasks {
		switch {
		case j.FailedTasks == 0:
			j.Status = entity.JobCompleted
		case j.CompletedTasks == 0:
			j.Status = entity.JobFailed
		default:
			j.Status = entity.JobCompletedWithErrors
		}
	}
	s.emitLocked(rec)

	if j.Status.Terminal() {
		for id, ch := range rec.subs {
			close(ch)
			delete(rec.subs, id)
		}
	}
}

func (s *Store) emitLocked(rec *jobRecord) {
	snap := snapshotLocked(rec)
	for _, ch := range rec.subs {
		select {
		case ch <- snap:
		default:
			// slow subscriber: drop, the next snapshot supersedes this one
		}
	}
}

func snapshotLocked(rec *jobRecord) Snapshot {
	return Snapshot{
		JobID:     rec.job.ID,
		Status:    rec.job.Status,
		Completed: rec.job.CompletedTasks,
		Failed:    rec.job.FailedTasks,
		Total:     rec.job.TotalTasks,
	}
}
