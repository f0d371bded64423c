package entity

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobQueued              JobStatus = "queued"
	JobRunning             JobStatus = "running"
	JobCompleted           JobStatus = "completed"
	JobCompletedWithErrors JobStatus = "completed_with_errors"
	JobFailed              JobStatus = "failed"
)

// Terminal reports whether the status can no longer change on its own
// (an explicit retry may still reopen the job).
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobCompletedWithErrors || s == JobFailed
}

// Job is one user submission: N images to count for a single object type.
// A job owns its tasks; finished tasks are promoted to standalone Results.
type Job struct {
	ID             uuid.UUID `json:"id"`
	ObjectType     string    `json:"object_type"`
	Description    string    `json:"description,omitempty"`
	AutoDetect     bool      `json:"auto_detect,omitempty"`
	Status         JobStatus `json:"status"`
	TotalTasks     int       `json:"total_tasks"`
	CompletedTasks int       `json:"completed_tasks"`
	FailedTasks    int       `json:"failed_tasks"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
