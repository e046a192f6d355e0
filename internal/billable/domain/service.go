package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AggregateRequest selects the unbilled records to turn into line drafts.
// From and To are inclusive calendar dates; records dated outside the
// window are never touched.
type AggregateRequest struct {
	TenantID  snowflake.ID
	ProjectID snowflake.ID
	ClientID  snowflake.ID
	From      time.Time
	To        time.Time
	Policy    Policy
}

// LineDraft is one prospective document line. Quantity carries rounded
// hours for time lines and 1 for expense lines; Amount is minor units.
type LineDraft struct {
	Label    string
	Quantity decimal.Decimal
	UnitRate int64
	Amount   int64
}

// AggregateResult pairs the drafted lines with the exact source record
// ids they were computed from, so marking billed covers precisely the
// aggregated set and nothing else.
type AggregateResult struct {
	Lines        []LineDraft
	TimeEntryIDs []snowflake.ID
	ExpenseIDs   []snowflake.ID
	TimeTotal    int64
	ExpenseTotal int64
	TotalAmount  int64
}

// Empty reports whether the aggregation found no billable records.
func (r AggregateResult) Empty() bool {
	return len(r.TimeEntryIDs) == 0 && len(r.ExpenseIDs) == 0
}

// Aggregator computes line drafts from unbilled time and expenses and
// stamps records as billed inside a document-creating transaction.
type Aggregator interface {
	// Aggregate is a pure read; it never mutates source records.
	Aggregate(ctx context.Context, req AggregateRequest) (AggregateResult, error)

	// AggregateTx runs the same read inside the caller's transaction so
	// the selection and the billing stamp see one snapshot.
	AggregateTx(ctx context.Context, tx *gorm.DB, req AggregateRequest) (AggregateResult, error)

	// MarkBilledTx stamps every record in result with docID inside tx.
	// If any record was billed concurrently since the aggregation ran,
	// it returns ErrRecordAlreadyBilled and the caller must roll back.
	MarkBilledTx(ctx context.Context, tx *gorm.DB, docID snowflake.ID, result AggregateResult) error
}
