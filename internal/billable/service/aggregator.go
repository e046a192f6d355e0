package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	billabledomain "github.com/mprovost129/ez360pm/internal/billable/domain"
	projectdomain "github.com/mprovost129/ez360pm/internal/project/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type AggregatorParam struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type Aggregator struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewAggregator(p AggregatorParam) billabledomain.Aggregator {
	return &Aggregator{
		db:  p.DB,
		log: p.Log.Named("billable.aggregator"),
	}
}

var oneHundred = decimal.NewFromInt(100)

func (a *Aggregator) Aggregate(ctx context.Context, req billabledomain.AggregateRequest) (billabledomain.AggregateResult, error) {
	return a.AggregateTx(ctx, a.db, req)
}

func (a *Aggregator) AggregateTx(ctx context.Context, tx *gorm.DB, req billabledomain.AggregateRequest) (billabledomain.AggregateResult, error) {
	var result billabledomain.AggregateResult

	if req.Policy == (billabledomain.Policy{}) {
		req.Policy = billabledomain.DefaultPolicy()
	}
	if err := req.Policy.Validate(); err != nil {
		return result, err
	}
	if req.To.Before(req.From) {
		return result, billabledomain.ErrInvalidDateRange
	}

	entries, err := a.fetchTimeEntries(ctx, tx, req)
	if err != nil {
		return result, err
	}
	expenses, err := a.fetchExpenses(ctx, tx, req)
	if err != nil {
		return result, err
	}
	if len(entries) == 0 && len(expenses) == 0 {
		return result, nil
	}

	projects, err := a.fetchProjects(ctx, tx, req.TenantID, entries, expenses)
	if err != nil {
		return result, err
	}

	timeLines, timeIDs, timeTotal, err := a.buildTimeLines(req.Policy, entries, projects)
	if err != nil {
		return result, err
	}
	expenseLines, expenseIDs, expenseTotal := a.buildExpenseLines(req.Policy, expenses)

	result.Lines = append(timeLines, expenseLines...)
	result.TimeEntryIDs = timeIDs
	result.ExpenseIDs = expenseIDs
	result.TimeTotal = timeTotal
	result.ExpenseTotal = expenseTotal
	result.TotalAmount = timeTotal + expenseTotal

	a.log.Debug("aggregation computed",
		zap.String("tenant_id", req.TenantID.String()),
		zap.Int("time_entries", len(timeIDs)),
		zap.Int("expenses", len(expenseIDs)),
		zap.Int64("total_amount", result.TotalAmount),
	)
	return result, nil
}

func (a *Aggregator) fetchTimeEntries(ctx context.Context, tx *gorm.DB, req billabledomain.AggregateRequest) ([]billabledomain.TimeEntry, error) {
	q := tx.WithContext(ctx).
		Where("tenant_id = ?", req.TenantID).
		Where("billable = ?", true).
		Where("billed_by_document_id IS NULL").
		Where("work_date >= ? AND work_date <= ?", dayStart(req.From), dayEnd(req.To))
	if req.ProjectID != 0 {
		q = q.Where("project_id = ?", req.ProjectID)
	} else if req.ClientID != 0 {
		q = q.Where("project_id IN (?)",
			tx.Session(&gorm.Session{NewDB: true}).Model(&projectdomain.Project{}).
				Select("id").
				Where("tenant_id = ? AND client_id = ?", req.TenantID, req.ClientID),
		)
	}
	if req.Policy.OnlyApproved {
		q = q.Where("approved = ?", true)
	}

	var entries []billabledomain.TimeEntry
	if err := q.Order("work_date ASC, id ASC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (a *Aggregator) fetchExpenses(ctx context.Context, tx *gorm.DB, req billabledomain.AggregateRequest) ([]billabledomain.Expense, error) {
	q := tx.WithContext(ctx).
		Where("tenant_id = ?", req.TenantID).
		Where("billable = ?", true).
		Where("billed_by_document_id IS NULL").
		Where("expense_date >= ? AND expense_date <= ?", dayStart(req.From), dayEnd(req.To))
	if req.ProjectID != 0 {
		q = q.Where("project_id = ?", req.ProjectID)
	} else if req.ClientID != 0 {
		q = q.Where("project_id IN (?)",
			tx.Session(&gorm.Session{NewDB: true}).Model(&projectdomain.Project{}).
				Select("id").
				Where("tenant_id = ? AND client_id = ?", req.TenantID, req.ClientID),
		)
	}

	var expenses []billabledomain.Expense
	if err := q.Order("expense_date ASC, id ASC").Find(&expenses).Error; err != nil {
		return nil, err
	}
	return expenses, nil
}

func (a *Aggregator) fetchProjects(
	ctx context.Context,
	tx *gorm.DB,
	tenantID snowflake.ID,
	entries []billabledomain.TimeEntry,
	expenses []billabledomain.Expense,
) (map[snowflake.ID]projectdomain.Project, error) {
	seen := make(map[snowflake.ID]struct{})
	ids := make([]snowflake.ID, 0)
	for _, e := range entries {
		if _, ok := seen[e.ProjectID]; !ok {
			seen[e.ProjectID] = struct{}{}
			ids = append(ids, e.ProjectID)
		}
	}
	for _, e := range expenses {
		if _, ok := seen[e.ProjectID]; !ok {
			seen[e.ProjectID] = struct{}{}
			ids = append(ids, e.ProjectID)
		}
	}

	projects := make(map[snowflake.ID]projectdomain.Project, len(ids))
	if len(ids) == 0 {
		return projects, nil
	}
	var rows []projectdomain.Project
	if err := tx.WithContext(ctx).
		Where("tenant_id = ? AND id IN ?", tenantID, ids).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, p := range rows {
		projects[p.ID] = p
	}
	return projects, nil
}

// timeGroup accumulates raw hours so the rounding increment applies
// once to the group total, not per entry.
type timeGroup struct {
	label string
	hours decimal.Decimal
	rate  int64
}

func (a *Aggregator) buildTimeLines(
	policy billabledomain.Policy,
	entries []billabledomain.TimeEntry,
	projects map[snowflake.ID]projectdomain.Project,
) ([]billabledomain.LineDraft, []snowflake.ID, int64, error) {
	if len(entries) == 0 {
		return nil, nil, 0, nil
	}

	ids := make([]snowflake.ID, 0, len(entries))
	inc := policy.Rounding.Increment()

	rateFor := func(e billabledomain.TimeEntry) (int64, error) {
		if policy.OverrideRate > 0 {
			return policy.OverrideRate, nil
		}
		p, ok := projects[e.ProjectID]
		if !ok {
			return 0, billabledomain.ErrProjectNotFound
		}
		return p.HourlyRate, nil
	}

	if policy.TimeGroupBy == billabledomain.TimeGroupEntry {
		lines := make([]billabledomain.LineDraft, 0, len(entries))
		var total int64
		for _, e := range entries {
			rate, err := rateFor(e)
			if err != nil {
				return nil, nil, 0, err
			}
			hours := roundHours(e.Hours, inc)
			amount := priceHours(hours, rate)
			lines = append(lines, billabledomain.LineDraft{
				Label:    policy.LabelPrefix + entryLabel(e),
				Quantity: hours,
				UnitRate: rate,
				Amount:   amount,
			})
			ids = append(ids, e.ID)
			total += amount
		}
		return lines, ids, total, nil
	}

	groups := make(map[string]*timeGroup)
	for _, e := range entries {
		rate, err := rateFor(e)
		if err != nil {
			return nil, nil, 0, err
		}
		key, label := timeGroupKey(policy.TimeGroupBy, e, projects)
		// A group mixing rates would price ambiguously, so rate is part
		// of the key.
		key = fmt.Sprintf("%s|%d", key, rate)
		g, ok := groups[key]
		if !ok {
			g = &timeGroup{label: label, rate: rate}
			groups[key] = g
		}
		g.hours = g.hours.Add(e.Hours)
		ids = append(ids, e.ID)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]billabledomain.LineDraft, 0, len(groups))
	var total int64
	for _, k := range keys {
		g := groups[k]
		hours := roundHours(g.hours, inc)
		amount := priceHours(hours, g.rate)
		lines = append(lines, billabledomain.LineDraft{
			Label:    policy.LabelPrefix + g.label,
			Quantity: hours,
			UnitRate: g.rate,
			Amount:   amount,
		})
		total += amount
	}
	return lines, ids, total, nil
}

func timeGroupKey(
	by billabledomain.TimeGroupBy,
	e billabledomain.TimeEntry,
	projects map[snowflake.ID]projectdomain.Project,
) (key, label string) {
	switch by {
	case billabledomain.TimeGroupDay:
		day := e.WorkDate.UTC().Format("2006-01-02")
		return "day:" + day, "Time — " + day
	case billabledomain.TimeGroupUser:
		return "user:" + e.UserID.String(), "Time — user " + e.UserID.String()
	default:
		if p, ok := projects[e.ProjectID]; ok && p.Name != "" {
			return "project:" + e.ProjectID.String(), "Time — " + p.Name
		}
		return "project:" + e.ProjectID.String(), "Time — project " + e.ProjectID.String()
	}
}

func entryLabel(e billabledomain.TimeEntry) string {
	day := e.WorkDate.UTC().Format("2006-01-02")
	if e.Description != "" {
		return "Time — " + day + ": " + e.Description
	}
	return "Time — " + day
}

// expenseGroup sums already-rounded per-expense amounts; expenses round
// before summing because each carries its own markup.
type expenseGroup struct {
	label  string
	amount int64
}

func (a *Aggregator) buildExpenseLines(
	policy billabledomain.Policy,
	expenses []billabledomain.Expense,
) ([]billabledomain.LineDraft, []snowflake.ID, int64) {
	if len(expenses) == 0 {
		return nil, nil, 0
	}

	ids := make([]snowflake.ID, 0, len(expenses))

	if policy.ExpenseGroupBy == billabledomain.ExpenseGroupExpense {
		lines := make([]billabledomain.LineDraft, 0, len(expenses))
		var total int64
		for _, e := range expenses {
			amount := markedUpAmount(e, policy.MarkupOverride)
			lines = append(lines, billabledomain.LineDraft{
				Label:    policy.LabelPrefix + expenseLabel(e),
				Quantity: decimal.NewFromInt(1),
				UnitRate: amount,
				Amount:   amount,
			})
			ids = append(ids, e.ID)
			total += amount
		}
		return lines, ids, total
	}

	groups := make(map[string]*expenseGroup)
	for _, e := range expenses {
		key, label := expenseGroupKey(policy.ExpenseGroupBy, e)
		g, ok := groups[key]
		if !ok {
			g = &expenseGroup{label: label}
			groups[key] = g
		}
		g.amount += markedUpAmount(e, policy.MarkupOverride)
		ids = append(ids, e.ID)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]billabledomain.LineDraft, 0, len(groups))
	var total int64
	for _, k := range keys {
		g := groups[k]
		lines = append(lines, billabledomain.LineDraft{
			Label:    policy.LabelPrefix + g.label,
			Quantity: decimal.NewFromInt(1),
			UnitRate: g.amount,
			Amount:   g.amount,
		})
		total += g.amount
	}
	return lines, ids, total
}

func expenseGroupKey(by billabledomain.ExpenseGroupBy, e billabledomain.Expense) (key, label string) {
	switch by {
	case billabledomain.ExpenseGroupCategory:
		c := e.Category
		if c == "" {
			c = "uncategorized"
		}
		return "category:" + c, "Expenses — " + c
	case billabledomain.ExpenseGroupVendor:
		v := e.Vendor
		if v == "" {
			v = "unknown vendor"
		}
		return "vendor:" + v, "Expenses — " + v
	default:
		return "all", "Expenses"
	}
}

func expenseLabel(e billabledomain.Expense) string {
	day := e.ExpenseDate.UTC().Format("2006-01-02")
	if e.Description != "" {
		return "Expense — " + day + ": " + e.Description
	}
	return "Expense — " + day
}

// markedUpAmount applies the effective markup and rounds half up to a
// whole minor unit.
func markedUpAmount(e billabledomain.Expense, override *decimal.Decimal) int64 {
	markup := e.MarkupPercent
	if override != nil {
		markup = *override
	}
	if markup.IsZero() {
		return e.Amount
	}
	factor := decimal.NewFromInt(1).Add(markup.Div(oneHundred))
	return decimal.NewFromInt(e.Amount).Mul(factor).Round(0).IntPart()
}

// roundHours snaps hours to the nearest increment, half away from zero.
func roundHours(hours, inc decimal.Decimal) decimal.Decimal {
	if inc.IsZero() {
		return hours
	}
	return hours.Div(inc).Round(0).Mul(inc)
}

// priceHours converts hours at an hourly minor-unit rate to a minor-unit
// amount, rounding half up.
func priceHours(hours decimal.Decimal, rate int64) int64 {
	return hours.Mul(decimal.NewFromInt(rate)).Round(0).IntPart()
}

func (a *Aggregator) MarkBilledTx(ctx context.Context, tx *gorm.DB, docID snowflake.ID, result billabledomain.AggregateResult) error {
	if docID == 0 {
		return billabledomain.ErrMissingDocumentID
	}
	if result.Empty() {
		return billabledomain.ErrNothingToMarkBilled
	}
	now := time.Now().UTC()

	if len(result.TimeEntryIDs) > 0 {
		res := tx.WithContext(ctx).Exec(
			`UPDATE time_entries
			 SET billed_by_document_id = ?, updated_at = ?
			 WHERE id IN ? AND billed_by_document_id IS NULL`,
			docID, now, result.TimeEntryIDs,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != int64(len(result.TimeEntryIDs)) {
			a.log.Warn("time entries billed concurrently",
				zap.String("document_id", docID.String()),
				zap.Int64("stamped", res.RowsAffected),
				zap.Int("expected", len(result.TimeEntryIDs)),
			)
			return billabledomain.ErrRecordAlreadyBilled
		}
	}

	if len(result.ExpenseIDs) > 0 {
		res := tx.WithContext(ctx).Exec(
			`UPDATE expenses
			 SET billed_by_document_id = ?, updated_at = ?
			 WHERE id IN ? AND billed_by_document_id IS NULL`,
			docID, now, result.ExpenseIDs,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != int64(len(result.ExpenseIDs)) {
			a.log.Warn("expenses billed concurrently",
				zap.String("document_id", docID.String()),
				zap.Int64("stamped", res.RowsAffected),
				zap.Int("expected", len(result.ExpenseIDs)),
			)
			return billabledomain.ErrRecordAlreadyBilled
		}
	}
	return nil
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func dayEnd(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 999999999, time.UTC)
}
