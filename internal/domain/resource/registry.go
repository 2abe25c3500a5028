package resource

import (
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinstore/clinstore/internal/platform/fhir"
)

// SupportedTypes are the resource types with provisioned tables. The
// migration set and this list move together.
var SupportedTypes = []string{
	"CodeSystem",
	"Condition",
	"Encounter",
	"Observation",
	"Organization",
	"Patient",
	"Practitioner",
	"ValueSet",
}

// Registry hands out the Store for each supported resource type.
// Stores are built once at startup; lookups after that are read-only.
type Registry struct {
	stores map[string]*Store
}

func NewRegistry(pool *pgxpool.Pool, types []string) *Registry {
	if len(types) == 0 {
		types = SupportedTypes
	}
	stores := make(map[string]*Store, len(types))
	for _, t := range types {
		stores[t] = NewStore(t, pool)
	}
	return &Registry{stores: stores}
}

// Get returns the store for a resource type. Unknown types are a
// validation problem: the request named a type this server does not
// serve.
func (r *Registry) Get(resourceType string) (*Store, error) {
	s, ok := r.stores[resourceType]
	if !ok {
		return nil, fhir.NewValidationError("unsupported resource type %q", resourceType)
	}
	return s, nil
}

// Has reports whether a resource type is served.
func (r *Registry) Has(resourceType string) bool {
	_, ok := r.stores[resourceType]
	return ok
}

// Types returns the served resource types in sorted order.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.stores))
	for t := range r.stores {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
