package postgresql

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"count-orchestrator/internal/entity"
)

type ObjectTypeRepository struct {
	pool *pgxpool.Pool
}

func NewObjectTypeRepository(pool *pgxpool.Pool) *ObjectTypeRepository {
	return &ObjectTypeRepository{pool: pool}
}

func (r *ObjectTypeRepository) Create(ctx context.Context, name, description string) (entity.ObjectType, error) {
	const q = `
INSERT INTO object_types (id, name, description, created_at)
VALUES ($1, $2, $3, NOW())
RETURNING id, name, description, created_at;
`
	var ot entity.ObjectType
	if err := r.pool.QueryRow(ctx, q, uuid.New(), name, description).Scan(
		&ot.ID, &ot.Name, &ot.Description, &ot.CreatedAt,
	); err != nil {
		return entity.ObjectType{}, err
	}
	return ot, nil
}

func (r *ObjectTypeRepository) GetByName(ctx context.Context, name string) (entity.ObjectType, error) {
	const q = `SELECT id, name, description, created_at FROM object_types WHERE name = $1;`

	var ot entity.ObjectType
	if err := r.pool.QueryRow(ctx, q, name).Scan(&ot.ID, &ot.Name, &ot.Description, &ot.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return entity.ObjectType{}, entity.ErrNotFound
		}
		return entity.ObjectType{}, err
	}
	return ot, nil
}

func (r *ObjectTypeRepository) List(ctx context.Context) ([]entity.ObjectType, error) {
	const q = `SELECT id, name, description, created_at FROM object_types ORDER BY name;`

	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entity.ObjectType
	for rows.Next() {
		var ot entity.ObjectType
		if err := rows.Scan(&ot.ID, &ot.Name, &ot.Description, &ot.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ot)
	}
	return out, rows.Err()
}
