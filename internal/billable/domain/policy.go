package domain

import (
	"github.com/shopspring/decimal"
)

// Rounding is the duration granularity applied to billed hours.
type Rounding string

const (
	RoundingNone    Rounding = "none"
	RoundingFiveMin Rounding = "0.05"
	RoundingTenth   Rounding = "0.1"
	RoundingQuarter Rounding = "0.25"
	RoundingHalf    Rounding = "0.5"
	RoundingHour    Rounding = "1.0"
)

func (r Rounding) Valid() bool {
	switch r {
	case RoundingNone, RoundingFiveMin, RoundingTenth, RoundingQuarter, RoundingHalf, RoundingHour:
		return true
	}
	return false
}

// Increment returns the rounding step, or zero for RoundingNone.
func (r Rounding) Increment() decimal.Decimal {
	if r == RoundingNone || r == "" {
		return decimal.Zero
	}
	inc, err := decimal.NewFromString(string(r))
	if err != nil {
		return decimal.Zero
	}
	return inc
}

type TimeGroupBy string

const (
	TimeGroupProject TimeGroupBy = "project"
	TimeGroupDay     TimeGroupBy = "day"
	TimeGroupUser    TimeGroupBy = "user"
	TimeGroupEntry   TimeGroupBy = "entry"
)

func (g TimeGroupBy) Valid() bool {
	switch g {
	case TimeGroupProject, TimeGroupDay, TimeGroupUser, TimeGroupEntry:
		return true
	}
	return false
}

type ExpenseGroupBy string

const (
	ExpenseGroupAll      ExpenseGroupBy = "all"
	ExpenseGroupCategory ExpenseGroupBy = "category"
	ExpenseGroupVendor   ExpenseGroupBy = "vendor"
	ExpenseGroupExpense  ExpenseGroupBy = "expense"
)

func (g ExpenseGroupBy) Valid() bool {
	switch g {
	case ExpenseGroupAll, ExpenseGroupCategory, ExpenseGroupVendor, ExpenseGroupExpense:
		return true
	}
	return false
}

// Policy controls how billable records become line items. It is
// request-scoped configuration, validated when a caller saves it (on a
// recurring plan) and again defensively before aggregation.
type Policy struct {
	Rounding       Rounding         `json:"rounding"`
	TimeGroupBy    TimeGroupBy      `json:"time_group_by"`
	ExpenseGroupBy ExpenseGroupBy   `json:"expense_group_by"`
	OverrideRate   int64            `json:"override_rate,omitempty"`
	MarkupOverride *decimal.Decimal `json:"markup_override,omitempty"`
	OnlyApproved   bool             `json:"only_approved"`
	LabelPrefix    string           `json:"label_prefix,omitempty"`
}

// DefaultPolicy groups all time on one line and all expenses on one
// line, with no rounding.
func DefaultPolicy() Policy {
	return Policy{
		Rounding:       RoundingNone,
		TimeGroupBy:    TimeGroupProject,
		ExpenseGroupBy: ExpenseGroupAll,
	}
}

func (p Policy) Validate() error {
	if !p.Rounding.Valid() {
		return ErrInvalidPolicy
	}
	if !p.TimeGroupBy.Valid() {
		return ErrInvalidPolicy
	}
	if !p.ExpenseGroupBy.Valid() {
		return ErrInvalidPolicy
	}
	if p.OverrideRate < 0 {
		return ErrInvalidPolicy
	}
	if p.MarkupOverride != nil && p.MarkupOverride.IsNegative() {
		return ErrInvalidPolicy
	}
	return nil
}
