// Package domain defines billing documents and their line items.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusDraft Status = "draft"
	StatusSent  Status = "sent"
	StatusPaid  Status = "paid"
	StatusVoid  Status = "void"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusSent, StatusPaid, StatusVoid:
		return true
	}
	return false
}

// BillingDocument is an issued (or draft) invoice-like document.
// Number is nullable so drafts can exist before allocation; once set it
// is unique per tenant and category.
type BillingDocument struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id,string"`
	TenantID   snowflake.ID      `gorm:"not null;uniqueIndex:ux_documents_tenant_category_number;index" json:"tenant_id,string"`
	ClientID   snowflake.ID      `gorm:"not null;index" json:"client_id,string"`
	ProjectID  *snowflake.ID     `gorm:"index" json:"project_id,omitempty"`
	PlanID     *snowflake.ID     `gorm:"index" json:"plan_id,omitempty"`
	Category   string            `gorm:"type:text;not null;uniqueIndex:ux_documents_tenant_category_number" json:"category"`
	Number     *string           `gorm:"type:text;uniqueIndex:ux_documents_tenant_category_number" json:"number,omitempty"`
	Status     Status            `gorm:"type:text;not null;default:'draft'" json:"status"`
	Currency   string            `gorm:"type:text;not null;default:'USD'" json:"currency"`
	IssueDate  time.Time         `gorm:"not null" json:"issue_date"`
	DueDate    time.Time         `gorm:"not null" json:"due_date"`
	Subtotal   int64             `gorm:"not null;default:0" json:"subtotal"`
	Tax        int64             `gorm:"not null;default:0" json:"tax"`
	Total      int64             `gorm:"not null;default:0" json:"total"`
	AmountPaid int64             `gorm:"not null;default:0" json:"amount_paid"`
	Notes      string            `gorm:"type:text" json:"notes,omitempty"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	SentAt     *time.Time        `json:"sent_at,omitempty"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`

	LineItems []LineItem `gorm:"foreignKey:DocumentID" json:"line_items,omitempty"`
}

// TableName sets the database table name.
func (BillingDocument) TableName() string { return "billing_documents" }

// LineItem is one priced line on a document. Amount is minor units and
// equals Quantity times UnitRate rounded half up.
type LineItem struct {
	ID         snowflake.ID    `gorm:"primaryKey" json:"id,string"`
	DocumentID snowflake.ID    `gorm:"not null;index" json:"document_id,string"`
	Position   int             `gorm:"not null;default:0" json:"position"`
	Label      string          `gorm:"type:text;not null" json:"label"`
	Quantity   decimal.Decimal `gorm:"type:numeric(12,4);not null" json:"quantity"`
	UnitRate   int64           `gorm:"not null" json:"unit_rate"`
	Amount     int64           `gorm:"not null" json:"amount"`
	CreatedAt  time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (LineItem) TableName() string { return "line_items" }

var (
	ErrDocumentNotFound = errors.New("document_not_found")
	ErrNumberConflict   = errors.New("document_number_conflict")
	ErrNumberExhausted  = errors.New("document_number_exhausted")
	ErrInvalidStatus    = errors.New("invalid_document_status")
	ErrNotDraft         = errors.New("document_not_draft")
	ErrEmptyDocument    = errors.New("document_has_no_lines")
)
