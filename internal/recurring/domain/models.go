// Package domain defines recurring billing plans and the engine
// contract that drives them.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	billabledomain "github.com/mprovost129/ez360pm/internal/billable/domain"
	documentdomain "github.com/mprovost129/ez360pm/internal/document/domain"
	"gorm.io/datatypes"
)

type Frequency string

const (
	FrequencyWeekly    Frequency = "weekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyYearly    Frequency = "yearly"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyWeekly, FrequencyMonthly, FrequencyQuarterly, FrequencyYearly:
		return true
	}
	return false
}

type PlanStatus string

const (
	PlanActive PlanStatus = "active"
	PlanPaused PlanStatus = "paused"
)

// RecurringPlan is a tenant-scoped schedule that emits one billing
// document per occurrence. Schedule fields are mutated only by the
// engine under a row lock; Status may be toggled by an operator, which
// is why the engine re-reads the row after locking it.
type RecurringPlan struct {
	ID                 snowflake.ID                               `gorm:"primaryKey" json:"id,string"`
	TenantID           snowflake.ID                               `gorm:"not null;index" json:"tenant_id,string"`
	ClientID           snowflake.ID                               `gorm:"not null;index" json:"client_id,string"`
	ProjectID          *snowflake.ID                              `gorm:"index" json:"project_id,omitempty"`
	Name               string                                     `gorm:"type:text;not null" json:"name"`
	Frequency          Frequency                                  `gorm:"type:text;not null" json:"frequency"`
	Status             PlanStatus                                 `gorm:"type:text;not null;default:'active';index" json:"status"`
	StartDate          time.Time                                  `gorm:"not null" json:"start_date"`
	NextRunDate        time.Time                                  `gorm:"not null;index" json:"next_run_date"`
	EndDate            *time.Time                                 `json:"end_date,omitempty"`
	MaxOccurrences     *int                                       `json:"max_occurrences,omitempty"`
	OccurrencesSent    int                                        `gorm:"not null;default:0" json:"occurrences_sent"`
	AutoNotify         bool                                       `gorm:"not null;default:false" json:"auto_notify"`
	TemplateDocumentID *snowflake.ID                              `json:"template_document_id,omitempty"`
	UseUnbilled        bool                                       `gorm:"not null;default:false" json:"use_unbilled"`
	Policy             datatypes.JSONType[billabledomain.Policy]  `gorm:"type:jsonb" json:"policy"`
	DueDays            int                                        `gorm:"not null;default:0" json:"due_days"`
	Currency           string                                     `gorm:"type:text;not null;default:'USD'" json:"currency"`
	CreatedAt          time.Time                                  `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt          time.Time                                  `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (RecurringPlan) TableName() string { return "recurring_plans" }

// EligibleAt reports whether the plan is due at the given as-of date.
func (p RecurringPlan) EligibleAt(asOf time.Time) bool {
	if p.Status != PlanActive {
		return false
	}
	if p.NextRunDate.After(asOf) {
		return false
	}
	if p.EndDate != nil && p.NextRunDate.After(*p.EndDate) {
		return false
	}
	if p.MaxOccurrences != nil && p.OccurrencesSent >= *p.MaxOccurrences {
		return false
	}
	return true
}

type NotifyOverride string

const (
	NotifyDefault  NotifyOverride = ""
	NotifyForce    NotifyOverride = "force"
	NotifySuppress NotifyOverride = "suppress"
)

// RunRequest controls one engine invocation. A zero AsOf means "now"
// per the engine's clock.
type RunRequest struct {
	AsOf           time.Time      `json:"as_of_date,omitempty"`
	TenantID       snowflake.ID   `json:"tenant_id,omitempty"`
	Limit          int            `json:"limit,omitempty"`
	DryRun         bool           `json:"dry_run,omitempty"`
	NotifyOverride NotifyOverride `json:"notify_override,omitempty"`
}

type PlanOutcome string

const (
	OutcomeGenerated PlanOutcome = "generated"
	OutcomeSkipped   PlanOutcome = "skipped"
	OutcomeFailed    PlanOutcome = "failed"
)

// PlanResult is the per-plan line of a run summary.
type PlanResult struct {
	PlanID      snowflake.ID `json:"plan_id,string"`
	TenantID    snowflake.ID `json:"tenant_id,string"`
	Outcome     PlanOutcome  `json:"outcome"`
	DocumentID  snowflake.ID `json:"document_id,omitempty"`
	Number      string       `json:"number,omitempty"`
	Error       string       `json:"error,omitempty"`
	NotifyError string       `json:"notify_error,omitempty"`
}

// RunSummary is always returned, even when individual plans failed, so
// operators can tell "nothing eligible" from "N plans failed".
type RunSummary struct {
	AsOf      time.Time    `json:"as_of_date"`
	DryRun    bool         `json:"dry_run"`
	Scanned   int          `json:"scanned"`
	Generated int          `json:"generated"`
	Skipped   int          `json:"skipped"`
	Failed    int          `json:"failed"`
	Plans     []PlanResult `json:"per_plan_results"`
}

// Notifier delivers a generated document to the plan's client. The
// engine only needs the success/failure outcome; rendering and
// transport belong to the implementation.
type Notifier interface {
	Send(ctx context.Context, doc *documentdomain.BillingDocument) error
}

// Engine runs recurring plan batches.
type Engine interface {
	Run(ctx context.Context, req RunRequest) (RunSummary, error)
}

var (
	ErrPlanNotFound      = errors.New("plan_not_found")
	ErrInvalidFrequency  = errors.New("invalid_frequency")
	ErrTemplateNotFound  = errors.New("template_document_not_found")
	ErrPlanMisconfigured = errors.New("plan_misconfigured")
)
