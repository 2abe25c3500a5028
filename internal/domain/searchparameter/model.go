package searchparameter

import (
	"time"

	"github.com/google/uuid"
)

// Search parameter types. They decide how the search compiler turns a
// query value into a SQL predicate.
const (
	TypeToken      = "token"
	TypeString     = "string"
	TypeReference  = "reference"
	TypeNumber     = "number"
	TypeDate       = "date"
	TypeIdentifier = "identifier"
)

// Definition maps to the search_parameter table. One row per
// (resource_type, name) pair; the expression is a JSONPath-style
// pointer into the stored document.
type Definition struct {
	ID           uuid.UUID `db:"id" json:"id"`
	ResourceType string    `db:"resource_type" json:"resource_type"`
	Name         string    `db:"name" json:"name"`
	Type         string    `db:"type" json:"type"`
	Expression   string    `db:"expression" json:"expression"`
	Description  string    `db:"description" json:"description,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// ValidType reports whether t is one of the supported parameter types.
func ValidType(t string) bool {
	switch t {
	case TypeToken, TypeString, TypeReference, TypeNumber, TypeDate, TypeIdentifier:
		return true
	}
	return false
}
