package searchparameter

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Upsert(ctx context.Context, d *Definition) error
	Lookup(ctx context.Context, resourceType, name string) (*Definition, error)
	ListByResourceType(ctx context.Context, resourceType string) ([]*Definition, error)
	List(ctx context.Context, limit, offset int) ([]*Definition, int, error)
	Delete(ctx context.Context, id uuid.UUID) error
}
