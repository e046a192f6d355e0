package repository

import (
	"context"

	"github.com/mprovost129/ez360pm/pkg/db/option"
	"gorm.io/gorm"
)

// Repository is a thin generic store for read/list paths. Hot write
// paths use raw SQL inside explicit transactions instead.
type Repository[T any] interface {
	WithTrx(tx *gorm.DB) Repository[T]
	Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	Create(ctx context.Context, resource *T) error
	Update(ctx context.Context, resourceID string, resource any) error
	Delete(ctx context.Context, resourceID string) error
	Count(ctx context.Context, query *T) (int64, error)
}
