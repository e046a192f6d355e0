package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	billabledomain "github.com/mprovost129/ez360pm/internal/billable/domain"
	"github.com/mprovost129/ez360pm/internal/clock"
	documentdomain "github.com/mprovost129/ez360pm/internal/document/domain"
	"github.com/mprovost129/ez360pm/internal/observability/metrics"
	recurringdomain "github.com/mprovost129/ez360pm/internal/recurring/domain"
	"github.com/mprovost129/ez360pm/internal/recurring/schedule"
	"github.com/mprovost129/ez360pm/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// maxNumberAttempts bounds whole-transaction retries when the document
// number allocated inside the plan transaction collides. The retry has
// to rerun the transaction because a unique violation aborts it.
const maxNumberAttempts = 5

type Config struct {
	WorkerCount int
	PlanTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.PlanTimeout <= 0 {
		c.PlanTimeout = 30 * time.Second
	}
	return c
}

type EngineParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	DocSvc     documentdomain.Service
	Aggregator billabledomain.Aggregator
	Notifier   recurringdomain.Notifier `optional:"true"`
	Config     Config                   `optional:"true"`
}

type Engine struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	clock      clock.Clock
	docSvc     documentdomain.Service
	aggregator billabledomain.Aggregator
	notifier   recurringdomain.Notifier
}

func NewEngine(p EngineParam) recurringdomain.Engine {
	return &Engine{
		db:         p.DB,
		log:        p.Log.Named("recurring.engine").With(zap.String("component", "recurring_engine")),
		cfg:        p.Config.withDefaults(),
		clock:      p.Clock,
		docSvc:     p.DocSvc,
		aggregator: p.Aggregator,
		notifier:   p.Notifier,
	}
}

func (e *Engine) Run(ctx context.Context, req recurringdomain.RunRequest) (recurringdomain.RunSummary, error) {
	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = e.clock.Now()
	}
	asOf = asOf.UTC()

	summary := recurringdomain.RunSummary{AsOf: asOf, DryRun: req.DryRun}
	engMetrics := metrics.Engine()
	engMetrics.IncRun()
	start := time.Now()
	defer func() { engMetrics.ObserveRunDuration(time.Since(start)) }()

	e.log.Info("recurring.run.start",
		zap.Time("as_of", asOf),
		zap.Bool("dry_run", req.DryRun),
		zap.String("tenant_id", req.TenantID.String()),
	)

	plans, err := e.scanPlans(ctx, req)
	if err != nil {
		return summary, err
	}
	summary.Scanned = len(plans)

	// Cheap pre-filter before any lock is taken.
	eligible := make([]recurringdomain.RecurringPlan, 0, len(plans))
	for _, plan := range plans {
		if !plan.EligibleAt(asOf) {
			summary.Plans = append(summary.Plans, recurringdomain.PlanResult{
				PlanID:   plan.ID,
				TenantID: plan.TenantID,
				Outcome:  recurringdomain.OutcomeSkipped,
			})
			continue
		}
		if req.Limit > 0 && len(eligible) >= req.Limit {
			summary.Plans = append(summary.Plans, recurringdomain.PlanResult{
				PlanID:   plan.ID,
				TenantID: plan.TenantID,
				Outcome:  recurringdomain.OutcomeSkipped,
			})
			continue
		}
		eligible = append(eligible, plan)
	}

	var results []recurringdomain.PlanResult
	if req.DryRun {
		results = e.dryRun(ctx, eligible, asOf)
	} else {
		results = e.processPlans(ctx, eligible, asOf, req.NotifyOverride)
	}
	summary.Plans = append(summary.Plans, results...)

	for _, r := range summary.Plans {
		switch r.Outcome {
		case recurringdomain.OutcomeGenerated:
			summary.Generated++
		case recurringdomain.OutcomeFailed:
			summary.Failed++
		default:
			summary.Skipped++
		}
		engMetrics.IncPlanOutcome(string(r.Outcome))
	}

	e.log.Info("recurring.run.finish",
		zap.Time("as_of", asOf),
		zap.Bool("dry_run", req.DryRun),
		zap.Int("scanned", summary.Scanned),
		zap.Int("generated", summary.Generated),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}

// scanPlans is a plain read; the deterministic order matters for
// reproducible batch logs, not for correctness.
func (e *Engine) scanPlans(ctx context.Context, req recurringdomain.RunRequest) ([]recurringdomain.RecurringPlan, error) {
	q := e.db.WithContext(ctx).Where("status = ?", recurringdomain.PlanActive)
	if req.TenantID != 0 {
		q = q.Where("tenant_id = ?", req.TenantID)
	}
	var plans []recurringdomain.RecurringPlan
	if err := q.Order("next_run_date ASC, id ASC").Find(&plans).Error; err != nil {
		return nil, err
	}
	return plans, nil
}

// dryRun re-reads each plan lock-free and reports what a real run would
// generate. No locks, no mutation, no notification.
func (e *Engine) dryRun(ctx context.Context, plans []recurringdomain.RecurringPlan, asOf time.Time) []recurringdomain.PlanResult {
	results := make([]recurringdomain.PlanResult, 0, len(plans))
	for _, plan := range plans {
		var current recurringdomain.RecurringPlan
		err := e.db.WithContext(ctx).Where("id = ?", plan.ID).First(&current).Error
		if err != nil {
			results = append(results, recurringdomain.PlanResult{
				PlanID:   plan.ID,
				TenantID: plan.TenantID,
				Outcome:  recurringdomain.OutcomeFailed,
				Error:    err.Error(),
			})
			continue
		}
		outcome := recurringdomain.OutcomeSkipped
		if current.EligibleAt(asOf) {
			outcome = recurringdomain.OutcomeGenerated
		}
		results = append(results, recurringdomain.PlanResult{
			PlanID:   plan.ID,
			TenantID: plan.TenantID,
			Outcome:  outcome,
		})
	}
	return results
}

func (e *Engine) processPlans(
	ctx context.Context,
	plans []recurringdomain.RecurringPlan,
	asOf time.Time,
	override recurringdomain.NotifyOverride,
) []recurringdomain.PlanResult {
	results := make([]recurringdomain.PlanResult, len(plans))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.WorkerCount)
	for i, plan := range plans {
		i, plan := i, plan
		g.Go(func() error {
			planCtx, cancel := context.WithTimeout(gctx, e.cfg.PlanTimeout)
			defer cancel()
			results[i] = e.processPlan(planCtx, plan, asOf, override)
			// Plan failures stay inside the plan boundary.
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// processPlan runs the locked per-plan state machine. Every error is
// absorbed into the PlanResult so one plan can never abort the batch.
func (e *Engine) processPlan(
	ctx context.Context,
	plan recurringdomain.RecurringPlan,
	asOf time.Time,
	override recurringdomain.NotifyOverride,
) (result recurringdomain.PlanResult) {
	result = recurringdomain.PlanResult{PlanID: plan.ID, TenantID: plan.TenantID}
	log := e.log.With(
		zap.String("plan_id", plan.ID.String()),
		zap.String("tenant_id", plan.TenantID.String()),
	)

	defer func() {
		if r := recover(); r != nil {
			result.Outcome = recurringdomain.OutcomeFailed
			result.Error = fmt.Sprintf("panic: %v", r)
			log.Error("recurring.plan.panic", zap.Any("panic", r))
		}
	}()

	var doc *documentdomain.BillingDocument
	var claimed bool
	var err error

	for attempt := 1; attempt <= maxNumberAttempts; attempt++ {
		doc, claimed, err = e.generateOnce(ctx, plan.ID, asOf)
		if err == nil || !db.IsDuplicateKeyErr(err) {
			break
		}
		metrics.Engine().IncNumberRetry()
		log.Warn("recurring.plan.number_conflict", zap.Int("attempt", attempt), zap.Error(err))
	}
	if err != nil {
		result.Outcome = recurringdomain.OutcomeFailed
		result.Error = err.Error()
		log.Warn("recurring.plan.failed", zap.Error(err))
		return result
	}
	if !claimed || doc == nil {
		// Another worker holds the row, or it stopped being eligible.
		result.Outcome = recurringdomain.OutcomeSkipped
		return result
	}

	result.Outcome = recurringdomain.OutcomeGenerated
	result.DocumentID = doc.ID
	if doc.Number != nil {
		result.Number = *doc.Number
	}
	log.Info("recurring.plan.generated",
		zap.String("document_id", doc.ID.String()),
		zap.Stringp("number", doc.Number),
	)

	if e.shouldNotify(plan, override) {
		if notifyErr := e.notify(ctx, doc); notifyErr != nil {
			// The document already exists and must not be lost because
			// delivery failed; it stays in its pre-send status.
			result.NotifyError = notifyErr.Error()
			metrics.Engine().IncNotifyFailure()
			log.Warn("recurring.plan.notify_failed",
				zap.String("document_id", doc.ID.String()),
				zap.Error(notifyErr),
			)
		}
	}
	return result
}

// generateOnce runs one claim-generate-advance transaction. claimed is
// false when the row was held by another worker or re-validation found
// the plan no longer eligible.
func (e *Engine) generateOnce(ctx context.Context, planID snowflake.ID, asOf time.Time) (*documentdomain.BillingDocument, bool, error) {
	var doc *documentdomain.BillingDocument
	var claimed bool

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := e.claimPlan(ctx, tx, planID)
		if err != nil {
			return err
		}
		if current == nil {
			return nil
		}
		// Re-validate under the lock; an operator may have paused or
		// another worker advanced the plan since the scan.
		if !current.EligibleAt(asOf) {
			return nil
		}
		claimed = true

		input, aggregation, err := e.buildDocumentInput(ctx, tx, *current, asOf)
		if err != nil {
			return err
		}
		if input == nil {
			// Nothing billable this period; advance without a document
			// would silently swallow an occurrence, so skip instead.
			claimed = false
			return nil
		}
		input.Aggregation = aggregation

		doc, err = e.docSvc.CreateTx(ctx, tx, *input)
		if err != nil {
			return err
		}

		next, err := schedule.NextOccurrence(current.Frequency, current.NextRunDate)
		if err != nil {
			return err
		}
		// Advance in the same transaction as generation: a crash
		// commits both or neither, never a generated-but-not-advanced
		// plan that would bill twice on the next run.
		return tx.WithContext(ctx).Exec(
			`UPDATE recurring_plans
			 SET next_run_date = ?, occurrences_sent = occurrences_sent + 1, updated_at = ?
			 WHERE id = ?`,
			next, asOf, current.ID,
		).Error
	})
	if err != nil {
		return nil, false, err
	}
	return doc, claimed, nil
}

func (e *Engine) claimPlan(ctx context.Context, tx *gorm.DB, planID snowflake.ID) (*recurringdomain.RecurringPlan, error) {
	lockStart := time.Now()
	var plan recurringdomain.RecurringPlan
	err := tx.WithContext(ctx).Raw(
		`SELECT *
		 FROM recurring_plans
		 WHERE id = ? AND status = ?
		 FOR UPDATE SKIP LOCKED`,
		planID,
		recurringdomain.PlanActive,
	).Scan(&plan).Error
	metrics.Engine().ObserveLockWait(time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	if plan.ID == 0 {
		return nil, nil
	}
	return &plan, nil
}

// buildDocumentInput produces the create input for a plan: either the
// template document's lines copied verbatim, or a fresh aggregation of
// the plan's unbilled records for the period ending at asOf. All reads
// go through tx so the selection shares the claim's snapshot and
// connection.
func (e *Engine) buildDocumentInput(
	ctx context.Context,
	tx *gorm.DB,
	plan recurringdomain.RecurringPlan,
	asOf time.Time,
) (*documentdomain.CreateInput, *billabledomain.AggregateResult, error) {
	input := documentdomain.CreateInput{
		TenantID:  plan.TenantID,
		ClientID:  plan.ClientID,
		ProjectID: plan.ProjectID,
		PlanID:    &plan.ID,
		Category:  "invoice",
		Currency:  plan.Currency,
		IssueDate: asOf,
		DueDays:   plan.DueDays,
	}

	if plan.UseUnbilled {
		from, err := schedule.PreviousOccurrence(plan.Frequency, plan.NextRunDate)
		if err != nil {
			return nil, nil, err
		}
		req := billabledomain.AggregateRequest{
			TenantID: plan.TenantID,
			ClientID: plan.ClientID,
			From:     from,
			To:       asOf,
			Policy:   plan.Policy.Data(),
		}
		if plan.ProjectID != nil {
			req.ProjectID = *plan.ProjectID
		}
		result, err := e.aggregator.AggregateTx(ctx, tx, req)
		if err != nil {
			return nil, nil, err
		}
		if result.Empty() {
			return nil, nil, nil
		}
		input.Lines = result.Lines
		return &input, &result, nil
	}

	if plan.TemplateDocumentID == nil {
		return nil, nil, recurringdomain.ErrPlanMisconfigured
	}
	var template documentdomain.BillingDocument
	err := tx.WithContext(ctx).
		Preload("LineItems", func(q *gorm.DB) *gorm.DB { return q.Order("position ASC") }).
		Where("id = ? AND tenant_id = ?", *plan.TemplateDocumentID, plan.TenantID).
		First(&template).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, recurringdomain.ErrTemplateNotFound
		}
		return nil, nil, err
	}

	lines := make([]billabledomain.LineDraft, 0, len(template.LineItems))
	for _, item := range template.LineItems {
		lines = append(lines, billabledomain.LineDraft{
			Label:    item.Label,
			Quantity: item.Quantity,
			UnitRate: item.UnitRate,
			Amount:   item.Amount,
		})
	}
	if len(lines) == 0 {
		return nil, nil, recurringdomain.ErrTemplateNotFound
	}
	input.Lines = lines
	return &input, nil, nil
}

func (e *Engine) shouldNotify(plan recurringdomain.RecurringPlan, override recurringdomain.NotifyOverride) bool {
	switch override {
	case recurringdomain.NotifyForce:
		return true
	case recurringdomain.NotifySuppress:
		return false
	default:
		return plan.AutoNotify
	}
}

// notify delivers the document and advances it to sent on success.
func (e *Engine) notify(ctx context.Context, doc *documentdomain.BillingDocument) error {
	if e.notifier == nil {
		return fmt.Errorf("no notifier configured")
	}
	if err := e.notifier.Send(ctx, doc); err != nil {
		return err
	}
	return e.docSvc.MarkSent(ctx, doc.TenantID, doc.ID, e.clock.Now())
}
