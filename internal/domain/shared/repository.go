package shared

import (
	"context"
	"iter"
)

// CrudRepository is the CRUD contract shared by every cached entity kind.
// Absent entities are reported as a nil pointer with a nil error.
type CrudRepository[T any] interface {
	Save(ctx context.Context, entity T) (T, error)
	// SaveAll saves every entity independently. A failed item does not roll back the others.
	SaveAll(ctx context.Context, entities []T) []SaveResult[T]
	// SaveFrom exists for parity with stream-based repositories and always
	// returns ErrUnsupportedOperation: only materialized inputs are accepted.
	SaveFrom(ctx context.Context, entities iter.Seq[T]) error

	FindByID(ctx context.Context, id string) (*T, error)
	FindByName(ctx context.Context, name string) (*T, error)
	FindAll(ctx context.Context) ([]T, error)
	FindAllByID(ctx context.Context, ids []string) ([]T, error)

	ExistsByID(ctx context.Context, id string) (bool, error)
	ExistsByName(ctx context.Context, name string) (bool, error)
	Count(ctx context.Context) (int64, error)

	Delete(ctx context.Context, entity T) error
	DeleteByID(ctx context.Context, id string) error
	DeleteEntities(ctx context.Context, entities []T) error
	DeleteAllByID(ctx context.Context, ids []string) error
	DeleteAll(ctx context.Context) error
}

// SaveResult is the outcome of one item in a batch save
type SaveResult[T any] struct {
	Entity T
	Err    error
}

// SplitResults separates a batch outcome into saved entities and failures
func SplitResults[T any](results []SaveResult[T]) (saved []T, failed []SaveResult[T]) {
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r)
			continue
		}
		saved = append(saved, r.Entity)
	}
	return saved, failed
}
