// Package domain contains persistence models and contracts for
// document numbering.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// ResetPolicy controls when a scheme's sequence restarts.
type ResetPolicy string

const (
	ResetNever   ResetPolicy = "never"
	ResetMonthly ResetPolicy = "monthly"
	ResetYearly  ResetPolicy = "yearly"
)

func (p ResetPolicy) Valid() bool {
	switch p {
	case ResetNever, ResetMonthly, ResetYearly:
		return true
	}
	return false
}

// NumberingScheme is the per-tenant, per-category numbering
// configuration. CurrentSeq and PeriodKey are mutated only by the
// allocator, under a row lock inside the caller's transaction.
type NumberingScheme struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	TenantID    snowflake.ID `gorm:"not null;index;uniqueIndex:ux_numbering_tenant_category"`
	Category    string       `gorm:"type:text;not null;uniqueIndex:ux_numbering_tenant_category"`
	Pattern     string       `gorm:"type:text;not null"`
	ResetPolicy ResetPolicy  `gorm:"type:text;not null;default:'never'"`
	CurrentSeq  int64        `gorm:"not null;default:0"`
	PeriodKey   string       `gorm:"type:text;not null;default:''"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (NumberingScheme) TableName() string { return "numbering_schemes" }

// Service allocates formatted document numbers.
type Service interface {
	// AllocateTx produces the next number for (tenant, category) as of
	// asOf, inside the caller's transaction. The scheme row stays
	// locked until the transaction ends, so two concurrent allocations
	// for the same tenant and category serialize on the row.
	AllocateTx(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, category string, asOf time.Time) (string, error)
	// Allocate wraps AllocateTx in its own transaction.
	Allocate(ctx context.Context, tenantID snowflake.ID, category string, asOf time.Time) (string, error)
	// SaveScheme validates and upserts a tenant's scheme. Pattern
	// validation happens here, never at allocation time.
	SaveScheme(ctx context.Context, scheme NumberingScheme) error
}

var (
	ErrInvalidPattern     = errors.New("invalid_number_pattern")
	ErrInvalidResetPolicy = errors.New("invalid_reset_policy")
	ErrInvalidCategory    = errors.New("invalid_category")
	ErrSchemeNotFound     = errors.New("numbering_scheme_not_found")
)
