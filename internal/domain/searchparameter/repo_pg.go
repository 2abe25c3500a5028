package searchparameter

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinstore/clinstore/internal/platform/db"
	"github.com/clinstore/clinstore/internal/platform/fhir"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const defCols = `id, resource_type, name, type, expression, description, created_at, updated_at`

func scanDef(row pgx.Row) (*Definition, error) {
	var d Definition
	err := row.Scan(&d.ID, &d.ResourceType, &d.Name, &d.Type, &d.Expression, &d.Description,
		&d.CreatedAt, &d.UpdatedAt)
	return &d, err
}

func (r *repoPG) Upsert(ctx context.Context, d *Definition) error {
	if !ValidType(d.Type) {
		return fhir.NewValidationError("search parameter %s.%s has unsupported type %q", d.ResourceType, d.Name, d.Type)
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO search_parameter (id, resource_type, name, type, expression, description)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (resource_type, name) DO UPDATE
		SET type = EXCLUDED.type, expression = EXCLUDED.expression,
			description = EXCLUDED.description, updated_at = NOW()`,
		d.ID, d.ResourceType, d.Name, d.Type, d.Expression, d.Description)
	return err
}

// Lookup returns nil, nil when no definition exists: an unknown search
// parameter is ignored by the compiler, not an error.
func (r *repoPG) Lookup(ctx context.Context, resourceType, name string) (*Definition, error) {
	d, err := scanDef(r.conn(ctx).QueryRow(ctx,
		`SELECT `+defCols+` FROM search_parameter WHERE resource_type = $1 AND name = $2`,
		resourceType, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (r *repoPG) ListByResourceType(ctx context.Context, resourceType string) ([]*Definition, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+defCols+` FROM search_parameter WHERE resource_type = $1 ORDER BY name`,
		resourceType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var defs []*Definition
	for rows.Next() {
		d, err := scanDef(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Definition, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM search_parameter`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+defCols+` FROM search_parameter ORDER BY resource_type, name LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var defs []*Definition
	for rows.Next() {
		d, err := scanDef(rows)
		if err != nil {
			return nil, 0, err
		}
		defs = append(defs, d)
	}
	return defs, total, rows.Err()
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM search_parameter WHERE id = $1`, id)
	return err
}
