package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	billabledomain "github.com/mprovost129/ez360pm/internal/billable/domain"
	"github.com/mprovost129/ez360pm/pkg/db/option"
	"gorm.io/gorm"
)

// CreateInput describes a document to create. When Number is nil a
// number is allocated from the tenant's scheme; a caller-supplied
// number skips allocation and a collision surfaces as
// ErrNumberConflict instead of being retried.
type CreateInput struct {
	TenantID  snowflake.ID
	ClientID  snowflake.ID
	ProjectID *snowflake.ID
	PlanID    *snowflake.ID
	Category  string
	Number    *string
	Currency  string
	IssueDate time.Time
	DueDays   int
	Notes     string
	Metadata  map[string]interface{}
	Lines     []billabledomain.LineDraft

	// Aggregation, when set, stamps the source records billed in the
	// same transaction that inserts the document.
	Aggregation *billabledomain.AggregateResult
}

type ListFilter struct {
	TenantID snowflake.ID
	Category string
	Status   Status
	PlanID   *snowflake.ID
	Options  []option.QueryOption
}

// Service creates and reads billing documents.
type Service interface {
	// Create runs its own transaction and retries allocation when the
	// generated number collides.
	Create(ctx context.Context, input CreateInput) (*BillingDocument, error)

	// CreateTx inserts within the caller's transaction. No retry
	// happens here; a unique violation aborts tx and the caller decides
	// whether to rerun the whole transaction.
	CreateTx(ctx context.Context, tx *gorm.DB, input CreateInput) (*BillingDocument, error)

	MarkSent(ctx context.Context, tenantID, docID snowflake.ID, at time.Time) error
	GetByID(ctx context.Context, tenantID, docID snowflake.ID) (*BillingDocument, error)
	List(ctx context.Context, filter ListFilter) ([]BillingDocument, error)
}
