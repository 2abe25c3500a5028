package resource

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/clinstore/clinstore/internal/platform/db"
	"github.com/clinstore/clinstore/internal/platform/fhir"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type txIDKey struct{}

// WithTxID binds the transaction id that every write in this context is
// attributed to, so all rows touched by one bundle share it. Standalone
// operations without a bound id get a fresh one per call.
func WithTxID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, txIDKey{}, id)
}

func txIDFor(ctx context.Context) uuid.UUID {
	if id, ok := ctx.Value(txIDKey{}).(uuid.UUID); ok {
		return id
	}
	return uuid.New()
}

// Store holds the current and historical versions of one resource type.
// Every mutation writes the current row and a history snapshot in a
// single transaction: the store joins a transaction already bound to
// ctx, or opens its own when called standalone.
type Store struct {
	resourceType string
	table        string
	pool         *pgxpool.Pool
}

func NewStore(resourceType string, pool *pgxpool.Pool) *Store {
	return &Store{
		resourceType: resourceType,
		table:        TableName(resourceType),
		pool:         pool,
	}
}

func (s *Store) ResourceType() string { return s.resourceType }
func (s *Store) Table() string        { return s.table }

func (s *Store) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

// withWrite runs fn inside the transaction bound to ctx, or opens and
// commits its own when none is bound.
func (s *Store) withWrite(ctx context.Context, fn func(ctx context.Context) error) error {
	if db.TxFromContext(ctx) != nil {
		return fn(ctx)
	}
	txCtx, tx, err := db.WithTx(ctx, s.pool)
	if err != nil {
		return &fhir.StoreError{Op: "begin", Err: err}
	}
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return &fhir.StoreError{Op: "commit", Err: err}
	}
	return nil
}

// Create stores a new resource and returns it with server-assigned id
// and meta. A client-supplied id is ignored.
func (s *Store) Create(ctx context.Context, doc fhir.Resource) (fhir.Resource, error) {
	stored := fhir.DeepCopy(doc)
	id := uuid.New().String()
	now := time.Now().UTC()
	txid := txIDFor(ctx)
	fhir.StampMeta(stored, s.resourceType, id, 1, now)

	err := s.withWrite(ctx, func(ctx context.Context) error {
		if err := s.insertCurrent(ctx, id, 1, txid, stored, now); err != nil {
			return err
		}
		return s.insertHistory(ctx, id, 1, txid, stored, ActionCreate, now)
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// CreateWithID stores a new resource under a caller-chosen id. It is
// the upsert half of Update and the create path bundle processing uses
// after assigning ids up front. When history rows for the id already
// exist (the resource was deleted earlier), versioning resumes after
// the highest recorded version instead of restarting at 1.
func (s *Store) CreateWithID(ctx context.Context, id string, doc fhir.Resource) (fhir.Resource, error) {
	stored := fhir.DeepCopy(doc)
	now := time.Now().UTC()
	txid := txIDFor(ctx)

	err := s.withWrite(ctx, func(ctx context.Context) error {
		version, verr := s.nextVersion(ctx, id)
		if verr != nil {
			return verr
		}
		fhir.StampMeta(stored, s.resourceType, id, version, now)
		if err := s.insertCurrent(ctx, id, version, txid, stored, now); err != nil {
			return err
		}
		return s.insertHistory(ctx, id, version, txid, stored, ActionCreate, now)
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// nextVersion returns one past the highest version ever recorded for
// the id. A fresh id yields 1.
func (s *Store) nextVersion(ctx context.Context, id string) (int, error) {
	var max int
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT COALESCE(MAX(version_id), 0) FROM `+s.table+`_history WHERE resource_id = $1`,
		id).Scan(&max)
	if err != nil {
		return 0, &fhir.StoreError{Op: "next version " + s.resourceType, Err: err}
	}
	return max + 1, nil
}

// FindByID returns the current version of a resource.
func (s *Store) FindByID(ctx context.Context, id string) (fhir.Resource, error) {
	var raw []byte
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT document FROM `+s.table+` WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &fhir.NotFoundError{ResourceType: s.resourceType, ID: id}
	}
	if err != nil {
		return nil, &fhir.StoreError{Op: "read " + s.resourceType, Err: err}
	}
	var doc fhir.Resource
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &fhir.StoreError{Op: "decode " + s.resourceType, Err: err}
	}
	return doc, nil
}

// Update replaces the current version of a resource. When the incoming
// document carries meta.versionId it must match the stored version or
// the update is rejected with a version conflict. When no resource with
// the id exists, the update becomes a create under that id (PUT upsert);
// the second return value reports whether that happened.
func (s *Store) Update(ctx context.Context, id string, doc fhir.Resource) (fhir.Resource, bool, error) {
	var current int
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT version_id FROM `+s.table+` WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		created, cerr := s.CreateWithID(ctx, id, doc)
		return created, true, cerr
	}
	if err != nil {
		return nil, false, &fhir.StoreError{Op: "read version " + s.resourceType, Err: err}
	}

	if expected := fhir.VersionIDOf(doc); expected != 0 && expected != current {
		return nil, false, &fhir.VersionConflictError{
			ResourceType: s.resourceType, ID: id, Expected: expected, Got: current,
		}
	}

	stored := fhir.DeepCopy(doc)
	next := current + 1
	now := time.Now().UTC()
	txid := txIDFor(ctx)
	fhir.StampMeta(stored, s.resourceType, id, next, now)

	err = s.withWrite(ctx, func(ctx context.Context) error {
		data, merr := json.Marshal(stored)
		if merr != nil {
			return &fhir.StoreError{Op: "encode " + s.resourceType, Err: merr}
		}
		tag, uerr := s.conn(ctx).Exec(ctx, `
			UPDATE `+s.table+`
			SET version_id = $3, txid = $4, document = $5, last_updated = $6
			WHERE id = $1 AND version_id = $2`,
			id, current, next, txid, data, now)
		if uerr != nil {
			return &fhir.StoreError{Op: "update " + s.resourceType, Err: uerr}
		}
		if tag.RowsAffected() == 0 {
			// Lost the race to a concurrent writer.
			return &fhir.VersionConflictError{
				ResourceType: s.resourceType, ID: id, Expected: current, Got: current + 1,
			}
		}
		return s.insertHistory(ctx, id, next, txid, stored, ActionUpdate, now)
	})
	if err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

// Patch applies an RFC 6902 patch to the current version. Unlike
// Update, patching a missing resource is an error, never an upsert.
func (s *Store) Patch(ctx context.Context, id string, ops []fhir.PatchOperation) (fhir.Resource, error) {
	current, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	patched, err := fhir.ApplyJSONPatch(current, ops)
	if err != nil {
		return nil, err
	}
	updated, _, err := s.Update(ctx, id, patched)
	return updated, err
}

// Delete removes the current row and records a delete snapshot in
// history. Deleting a missing resource is a not-found error.
func (s *Store) Delete(ctx context.Context, id string) error {
	current, err := s.FindByID(ctx, id)
	if err != nil {
		return err
	}
	version := fhir.VersionIDOf(current)
	now := time.Now().UTC()
	txid := txIDFor(ctx)

	return s.withWrite(ctx, func(ctx context.Context) error {
		tag, derr := s.conn(ctx).Exec(ctx,
			`DELETE FROM `+s.table+` WHERE id = $1`, id)
		if derr != nil {
			return &fhir.StoreError{Op: "delete " + s.resourceType, Err: derr}
		}
		if tag.RowsAffected() == 0 {
			return &fhir.NotFoundError{ResourceType: s.resourceType, ID: id}
		}
		return s.insertHistory(ctx, id, version+1, txid, current, ActionDelete, now)
	})
}

// History lists version snapshots for a resource, newest first.
func (s *Store) History(ctx context.Context, id string, limit, offset int) ([]*HistoryEntry, int, error) {
	var total int
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM `+s.table+`_history WHERE resource_id = $1`, id).Scan(&total)
	if err != nil {
		return nil, 0, &fhir.StoreError{Op: "count history " + s.resourceType, Err: err}
	}
	if total == 0 {
		return nil, 0, &fhir.NotFoundError{ResourceType: s.resourceType, ID: id}
	}

	rows, err := s.conn(ctx).Query(ctx, `
		SELECT resource_id, version_id, txid, document, action, timestamp
		FROM `+s.table+`_history
		WHERE resource_id = $1
		ORDER BY version_id DESC
		LIMIT $2 OFFSET $3`, id, limit, offset)
	if err != nil {
		return nil, 0, &fhir.StoreError{Op: "list history " + s.resourceType, Err: err}
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		e, serr := scanHistory(rows)
		if serr != nil {
			return nil, 0, &fhir.StoreError{Op: "scan history " + s.resourceType, Err: serr}
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

// Version returns one specific version snapshot of a resource.
func (s *Store) Version(ctx context.Context, id string, versionID int) (fhir.Resource, error) {
	e, err := scanHistory(s.conn(ctx).QueryRow(ctx, `
		SELECT resource_id, version_id, txid, document, action, timestamp
		FROM `+s.table+`_history
		WHERE resource_id = $1 AND version_id = $2`, id, versionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &fhir.NotFoundError{ResourceType: s.resourceType, ID: id}
	}
	if err != nil {
		return nil, &fhir.StoreError{Op: "read version " + s.resourceType, Err: err}
	}
	return e.Document, nil
}

// FindByIdentifier returns the current resource carrying the given
// business identifier, or nil when none does. More than one match is a
// data problem worth logging but the first match still wins.
func (s *Store) FindByIdentifier(ctx context.Context, system, value string) (fhir.Resource, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT document FROM `+s.table+`
		WHERE EXISTS (
			SELECT 1 FROM jsonb_array_elements(document->'identifier') AS ident
			WHERE ident->>'system' = $1 AND ident->>'value' = $2
		)
		ORDER BY last_updated ASC
		LIMIT 2`, system, value)
	if err != nil {
		return nil, &fhir.StoreError{Op: "find by identifier " + s.resourceType, Err: err}
	}
	defer rows.Close()

	var docs []fhir.Resource
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, &fhir.StoreError{Op: "scan " + s.resourceType, Err: err}
		}
		var doc fhir.Resource
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, &fhir.StoreError{Op: "decode " + s.resourceType, Err: err}
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, &fhir.StoreError{Op: "find by identifier " + s.resourceType, Err: err}
	}
	if len(docs) == 0 {
		return nil, nil
	}
	if len(docs) > 1 {
		log.Warn().Str("resource_type", s.resourceType).
			Str("system", system).Str("value", value).
			Msg("multiple resources share one business identifier")
	}
	return docs[0], nil
}

func (s *Store) insertCurrent(ctx context.Context, id string, version int, txid uuid.UUID, doc fhir.Resource, now time.Time) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return &fhir.StoreError{Op: "encode " + s.resourceType, Err: err}
	}
	_, err = s.conn(ctx).Exec(ctx, `
		INSERT INTO `+s.table+` (id, version_id, txid, document, last_updated)
		VALUES ($1, $2, $3, $4, $5)`,
		id, version, txid, data, now)
	if err != nil {
		return &fhir.StoreError{Op: "insert " + s.resourceType, Err: err}
	}
	return nil
}

func (s *Store) insertHistory(ctx context.Context, id string, version int, txid uuid.UUID, doc fhir.Resource, action string, now time.Time) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return &fhir.StoreError{Op: "encode history " + s.resourceType, Err: err}
	}
	_, err = s.conn(ctx).Exec(ctx, `
		INSERT INTO `+s.table+`_history (resource_id, version_id, txid, document, action, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, version, txid, data, action, now)
	if err != nil {
		return &fhir.StoreError{Op: "insert history " + s.resourceType, Err: err}
	}
	return nil
}

func scanHistory(row pgx.Row) (*HistoryEntry, error) {
	var e HistoryEntry
	var raw []byte
	if err := row.Scan(&e.ResourceID, &e.VersionID, &e.TxID, &raw, &e.Action, &e.Timestamp); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &e.Document); err != nil {
		return nil, err
	}
	return &e, nil
}
