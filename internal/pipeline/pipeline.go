package pipeline

import (
	"context"

	"github.com/google/uuid"

	"count-orchestrator/internal/entity"
)

// Item is one task's slice of a micro-batch.
type Item struct {
	TaskID     uuid.UUID `json:"task_id"`
	ImageRef   string    `json:"image_ref"`
	ObjectType string    `json:"object_type,omitempty"`
	AutoDetect bool      `json:"auto_detect,omitempty"`
}

// ItemResult is the per-item outcome of a stage invocation. Err set means
// a structured model failure for that item only; counts are meaningful on
// the final stage.
type ItemResult struct {
	TaskID         uuid.UUID
	Err            error
	PredictedCount int
	Confidence     float64
	OverlayRef     string
}

// Capability is one opaque vectorized pipeline step (segmentation,
// classification, ...). The contract: either a per-item result/error for
// every item, or a top-level error meaning the whole invocation failed
// (infrastructure, not input).
type Capability interface {
	Run(ctx context.Context, stage entity.Stage, items []Item) ([]ItemResult, error)
	Ping(ctx context.Context) error
}
