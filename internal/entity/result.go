package entity

import (
	"time"

	"github.com/google/uuid"
)

// ObjectType is an admin-defined category of countable object.
// Immutable once referenced by a result.
type ObjectType struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Result is the durable record of a finished task. It outlives its job:
// deleting a job does not delete its historical results.
type Result struct {
	ID             uuid.UUID `json:"result_id"`
	JobID          uuid.UUID `json:"job_id"`
	TaskID         uuid.UUID `json:"task_id"`
	ObjectType     string    `json:"object_type"`
	ImagePath      string    `json:"image_path"`
	PredictedCount int       `json:"predicted_count"`
	CorrectedCount *int      `json:"corrected_count,omitempty"`
	Confidence     float64   `json:"confidence"`
	ProcessingTime float64   `json:"processing_time"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Metrics is the agreement between a predicted and a corrected count.
type Metrics struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}
