package postgresql

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"count-orchestrator/internal/entity"
)

// ResultRepository stores finalized counts. Results outlive the jobs that
// produced them.
type ResultRepository struct {
	pool *pgxpool.Pool
}

func NewResultRepository(pool *pgxpool.Pool) *ResultRepository {
	return &ResultRepository{pool: pool}
}

func (r *ResultRepository) Create(ctx context.Context, res entity.Result) error {
	const q = `
INSERT INTO results (id, job_id, task_id, object_type, image_path,
                     predicted_count, confidence, processing_time,
                     created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
`
	_, err := r.pool.Exec(ctx, q,
		res.ID, res.JobID, res.TaskID, res.ObjectType, res.ImagePath,
		res.PredictedCount, res.Confidence, res.ProcessingTime,
		res.CreatedAt, res.UpdatedAt,
	)
	return err
}

func (r *ResultRepository) GetByID(ctx context.Context, id uuid.UUID) (entity.Result, error) {
	const q = `
SELECT id, job_id, task_id, object_type, image_path,
       predicted_count, corrected_count, confidence, processing_time,
       created_at, updated_at
FROM results
WHERE id = $1;
`
	var (
		res       entity.Result
		corrected *int
	)
	if err := r.pool.QueryRow(ctx, q, id).Scan(
		&res.ID,
		&res.JobID,
		&res.TaskID,
		&res.ObjectType,
		&res.ImagePath,
		&res.PredictedCount,
		&corrected, // NULL until a correction arrives
		&res.Confidence,
		&res.ProcessingTime,
		&res.CreatedAt,
		&res.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return entity.Result{}, entity.ErrNotFound
		}
		return entity.Result{}, err
	}
	res.CorrectedCount = corrected
	return res, nil
}

// GetByTaskID resolves the result a finished task produced (used by the
// synchronous count endpoints).
func (r *ResultRepository) GetByTaskID(ctx context.Context, taskID uuid.UUID) (entity.Result, error) {
	const q = `
SELECT id, job_id, task_id, object_type, image_path,
       predicted_count, corrected_count, confidence, processing_time,
       created_at, updated_at
FROM results
WHERE task_id = $1;
`
	var (
		res       entity.Result
		corrected *int
	)
	if err := r.pool.QueryRow(ctx, q, taskID).Scan(
		&res.ID, &res.JobID, &res.TaskID, &res.ObjectType, &res.ImagePath,
		&res.PredictedCount, &corrected, &res.Confidence, &res.ProcessingTime,
		&res.CreatedAt, &res.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return entity.Result{}, entity.ErrNotFound
		}
		return entity.Result{}, err
	}
	res.CorrectedCount = corrected
	return res, nil
}

func (r *ResultRepository) UpdateCorrection(ctx context.Context, id uuid.UUID, corrected int, updatedAt time.Time) error {
	const q = `UPDATE results SET corrected_count=$2, updated_at=$3 WHERE id=$1;`

	tag, err := r.pool.Exec(ctx, q, id, corrected, updatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return entity.ErrNotFound
	}
	return nil
}

// List returns one page of results, newest first, optionally filtered by
// object type, plus the total row count for the X-Total-Count header.
func (r *ResultRepository) List(ctx context.Context, page, perPage int, objectType string) ([]entity.Result, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	const countAll = `SELECT COUNT(*) FROM results;`
	const countTyped = `SELECT COUNT(*) FROM results WHERE object_type = $1;`

	var total int
	var err error
	if objectType == "" {
		err = r.pool.QueryRow(ctx, countAll).Scan(&total)
	} else {
		err = r.pool.QueryRow(ctx, countTyped, objectType).Scan(&total)
	}
	if err != nil {
		return nil, 0, err
	}

	const listAll = `
SELECT id, job_id, task_id, object_type, image_path,
       predicted_count, corrected_count, confidence, processing_time,
       created_at, updated_at
FROM results
ORDER BY created_at DESC
LIMIT $1 OFFSET $2;
`
	const listTyped = `
SELECT id, job_id, task_id, object_type, image_path,
       predicted_count, corrected_count, confidence, processing_time,
       created_at, updated_at
FROM results
WHERE object_type = $3
ORDER BY created_at DESC
LIMIT $1 OFFSET $2;
`
	offset := (page - 1) * perPage

	var rows pgx.Rows
	if objectType == "" {
		rows, err = r.pool.Query(ctx, listAll, perPage, offset)
	} else {
		rows, err = r.pool.Query(ctx, listTyped, perPage, offset, objectType)
	}
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []entity.Result
	for rows.Next() {
		var (
			res       entity.Result
			corrected *int
		)
		if err := rows.Scan(
			&res.ID, &res.JobID, &res.TaskID, &res.ObjectType, &res.ImagePath,
			&res.PredictedCount, &corrected, &res.Confidence, &res.ProcessingTime,
			&res.CreatedAt, &res.UpdatedAt,
		); err != nil {
			return nil, 0, err
		}
		res.CorrectedCount = corrected
		out = append(out, res)
	}
	return out, total, rows.Err()
}

func (r *ResultRepository) Delete(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM results WHERE id=$1;`

	tag, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return entity.ErrNotFound
	}
	return nil
}

// CountSince reports how many results were created at or after the cutoff
// (used by the /api/batch/status aggregate).
func (r *ResultRepository) CountSince(ctx context.Context, cutoff time.Time) (int, error) {
	const q = `SELECT COUNT(*) FROM results WHERE created_at >= $1;`

	var n int
	if err := r.pool.QueryRow(ctx, q, cutoff).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
