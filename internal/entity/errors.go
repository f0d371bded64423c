package entity

import "errors"

var (
	// ErrInvalidJob rejects a submission before anything is recorded:
	// empty image list or unknown object type.
	ErrInvalidJob = errors.New("invalid job")

	// ErrStageExecution is an infrastructure failure during a batch
	// (e.g. GPU OOM). It fails every task in the batch.
	ErrStageExecution = errors.New("stage execution failed")

	// ErrModelInference is a structured per-item failure (e.g. unsupported
	// image). It fails only the task it belongs to.
	ErrModelInference = errors.New("model inference failed")

	// ErrLeaseExpired marks a task whose lease was reclaimed more than
	// max-retries times.
	ErrLeaseExpired = errors.New("lease expired")

	ErrNotFound  = errors.New("not found")
	ErrCancelled = errors.New("cancelled")
)
