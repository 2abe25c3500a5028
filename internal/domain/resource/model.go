package resource

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinstore/clinstore/internal/platform/fhir"
)

// History actions recorded alongside each version snapshot.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Record is one row of a resource table: the current version of a
// resource plus its bookkeeping columns.
type Record struct {
	ID          string        `db:"id" json:"id"`
	VersionID   int           `db:"version_id" json:"version_id"`
	TxID        uuid.UUID     `db:"txid" json:"txid"`
	Document    fhir.Resource `db:"document" json:"document"`
	LastUpdated time.Time     `db:"last_updated" json:"last_updated"`
	DeletedAt   *time.Time    `db:"deleted_at" json:"deleted_at,omitempty"`
}

// HistoryEntry is one row of a <table>_history table. Every create,
// update and delete appends one; version reads are served from here.
type HistoryEntry struct {
	ResourceID string        `db:"resource_id" json:"resource_id"`
	VersionID  int           `db:"version_id" json:"version_id"`
	TxID       uuid.UUID     `db:"txid" json:"txid"`
	Document   fhir.Resource `db:"document" json:"document"`
	Action     string        `db:"action" json:"action"`
	Timestamp  time.Time     `db:"timestamp" json:"timestamp"`
}

// TableName converts a resource type to its table name:
// Patient -> patient, CodeSystem -> code_system.
func TableName(resourceType string) string {
	var sb strings.Builder
	for i, r := range resourceType {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				sb.WriteByte('_')
			}
			sb.WriteRune(r - 'A' + 'a')
		} else {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
