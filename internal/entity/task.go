package entity

import (
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskInBatch TaskStatus = "in_batch"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// Task is one image inside a job. Its stage pointer only moves forward;
// a failed task never re-enters a batch unless explicitly retried.
type Task struct {
	ID             uuid.UUID     `json:"id"`
	JobID          uuid.UUID     `json:"job_id"`
	ObjectType     string        `json:"object_type"`
	ImageRef       string        `json:"image_ref"`
	ImageName      string        `json:"image_name,omitempty"`
	Stage          Stage         `json:"-"`
	Status         TaskStatus    `json:"status"`
	PredictedCount int           `json:"predicted_count,omitempty"`
	Confidence     float64       `json:"confidence,omitempty"`
	ProcessingTime time.Duration `json:"-"`
	Error          *string       `json:"error,omitempty"`
	OverlayRef     *string       `json:"overlay_ref,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}
