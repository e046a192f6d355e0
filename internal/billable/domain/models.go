// Package domain contains persistence models for billable records.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// TimeEntry is a unit of tracked work. Once BilledByDocumentID is set
// the entry is immutable and excluded from every future aggregation;
// that back-reference is the sole double-billing guard.
type TimeEntry struct {
	ID                 snowflake.ID    `gorm:"primaryKey"`
	TenantID           snowflake.ID    `gorm:"not null;index"`
	ProjectID          snowflake.ID    `gorm:"not null;index"`
	UserID             snowflake.ID    `gorm:"not null;index"`
	WorkDate           time.Time       `gorm:"not null;index"`
	Description        string          `gorm:"type:text"`
	Hours              decimal.Decimal `gorm:"type:numeric(10,4);not null"`
	Billable           bool            `gorm:"not null;default:true"`
	Approved           bool            `gorm:"not null;default:false"`
	BilledByDocumentID *snowflake.ID   `gorm:"index"`
	CreatedAt          time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (TimeEntry) TableName() string { return "time_entries" }

// Expense is a reimbursable cost. Amount is in integer minor units.
type Expense struct {
	ID                 snowflake.ID    `gorm:"primaryKey"`
	TenantID           snowflake.ID    `gorm:"not null;index"`
	ProjectID          snowflake.ID    `gorm:"not null;index"`
	Category           string          `gorm:"type:text"`
	Vendor             string          `gorm:"type:text"`
	ExpenseDate        time.Time       `gorm:"not null;index"`
	Description        string          `gorm:"type:text"`
	Amount             int64           `gorm:"not null"`
	Billable           bool            `gorm:"not null;default:true"`
	MarkupPercent      decimal.Decimal `gorm:"type:numeric(6,2);not null;default:0"`
	BilledByDocumentID *snowflake.ID   `gorm:"index"`
	CreatedAt          time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Expense) TableName() string { return "expenses" }

var (
	ErrInvalidPolicy       = errors.New("invalid_aggregation_policy")
	ErrRecordAlreadyBilled = errors.New("record_already_billed")
	ErrProjectNotFound     = errors.New("project_not_found")
	ErrInvalidDateRange    = errors.New("invalid_date_range")
	ErrMissingDocumentID   = errors.New("missing_document_id")
	ErrNothingToMarkBilled = errors.New("nothing_to_mark_billed")
)
