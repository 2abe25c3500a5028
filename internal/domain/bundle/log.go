package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinstore/clinstore/internal/platform/db"
)

// Log statuses.
const (
	StatusProcessing      = "processing"
	StatusSuccess         = "success"
	StatusFailed          = "failed"
	StatusPartial         = "partial"
	StatusDuplicateCached = "duplicate-cached"
)

// LogEntry is one row of the bundle_log audit table: one processed
// bundle submission, duplicate or not. Summary holds per-method entry
// counts; Content keeps the submitted bundle verbatim for replay.
type LogEntry struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	BundleHash   string          `db:"bundle_hash" json:"bundle_hash"`
	BundleType   string          `db:"bundle_type" json:"bundle_type"`
	Status       string          `db:"status" json:"status"`
	SubmittedBy  string          `db:"submitted_by" json:"submitted_by,omitempty"`
	SourceSystem string          `db:"source_system" json:"source_system,omitempty"`
	EntryCount   int             `db:"entry_count" json:"entry_count"`
	Duplicate    bool            `db:"duplicate" json:"duplicate"`
	Error        string          `db:"error" json:"error,omitempty"`
	Summary      json.RawMessage `db:"bundle_summary" json:"bundle_summary,omitempty"`
	Content      json.RawMessage `db:"bundle_content" json:"-"`
	DurationMs   int64           `db:"duration_ms" json:"duration_ms"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	CompletedAt  *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}

type logQueryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// LogRepo records bundle submissions. Writes run outside the bundle's
// transaction so a failed bundle still leaves a failed log row.
type LogRepo struct{ pool *pgxpool.Pool }

func NewLogRepo(pool *pgxpool.Pool) *LogRepo {
	return &LogRepo{pool: pool}
}

func (r *LogRepo) conn(ctx context.Context) logQueryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// Start inserts a processing row for the submission and returns its id,
// which doubles as the transaction id stamped on every resource row the
// bundle writes.
func (r *LogRepo) Start(ctx context.Context, e *LogEntry) (uuid.UUID, error) {
	id := uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO bundle_log (id, bundle_hash, bundle_type, status, submitted_by,
			source_system, entry_count, duplicate, bundle_summary, bundle_content)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id, e.BundleHash, e.BundleType, StatusProcessing, e.SubmittedBy,
		e.SourceSystem, e.EntryCount, e.Duplicate, e.Summary, e.Content)
	return id, err
}

func (r *LogRepo) MarkSuccess(ctx context.Context, id uuid.UUID, took time.Duration) error {
	return r.complete(ctx, id, StatusSuccess, "", took)
}

func (r *LogRepo) MarkPartial(ctx context.Context, id uuid.UUID, took time.Duration) error {
	return r.complete(ctx, id, StatusPartial, "", took)
}

func (r *LogRepo) MarkDuplicateCached(ctx context.Context, id uuid.UUID, took time.Duration) error {
	return r.complete(ctx, id, StatusDuplicateCached, "", took)
}

func (r *LogRepo) MarkFailed(ctx context.Context, id uuid.UUID, reason string, took time.Duration) error {
	return r.complete(ctx, id, StatusFailed, reason, took)
}

func (r *LogRepo) complete(ctx context.Context, id uuid.UUID, status, reason string, took time.Duration) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE bundle_log
		SET status = $2, error = NULLIF($3, ''), duration_ms = $4, completed_at = NOW()
		WHERE id = $1`,
		id, status, reason, took.Milliseconds())
	return err
}

// LastSuccessByHash returns the most recent successful submission of a
// bundle with this content hash, or nil when there is none.
func (r *LogRepo) LastSuccessByHash(ctx context.Context, hash string) (*LogEntry, error) {
	e, err := scanLog(r.conn(ctx).QueryRow(ctx, `
		SELECT `+logColumns+`
		FROM bundle_log
		WHERE bundle_hash = $1 AND status = $2
		ORDER BY created_at DESC
		LIMIT 1`, hash, StatusSuccess))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// List returns recent submissions, newest first. The stored bundle
// content is left out; it is audit payload, not listing material.
func (r *LogRepo) List(ctx context.Context, limit, offset int) ([]*LogEntry, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM bundle_log`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+logColumns+`
		FROM bundle_log
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var entries []*LogEntry
	for rows.Next() {
		e, serr := scanLog(rows)
		if serr != nil {
			return nil, 0, serr
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

const logColumns = `id, bundle_hash, bundle_type, status, submitted_by, source_system,
	entry_count, duplicate, COALESCE(error, ''), bundle_summary, duration_ms,
	created_at, completed_at`

func scanLog(row pgx.Row) (*LogEntry, error) {
	var e LogEntry
	err := row.Scan(&e.ID, &e.BundleHash, &e.BundleType, &e.Status, &e.SubmittedBy,
		&e.SourceSystem, &e.EntryCount, &e.Duplicate, &e.Error, &e.Summary,
		&e.DurationMs, &e.CreatedAt, &e.CompletedAt)
	return &e, err
}
