package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	billabledomain "github.com/mprovost129/ez360pm/internal/billable/domain"
	billableservice "github.com/mprovost129/ez360pm/internal/billable/service"
	"github.com/mprovost129/ez360pm/internal/clock"
	documentdomain "github.com/mprovost129/ez360pm/internal/document/domain"
	documentservice "github.com/mprovost129/ez360pm/internal/document/service"
	numberingservice "github.com/mprovost129/ez360pm/internal/numbering/service"
	recurringdomain "github.com/mprovost129/ez360pm/internal/recurring/domain"
	"github.com/mprovost129/ez360pm/pkg/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type notifierStub struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (n *notifierStub) Send(ctx context.Context, doc *documentdomain.BillingDocument) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	return n.err
}

func (n *notifierStub) Calls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	// SQLite support hack: remove FOR UPDATE clauses
	stripLocks := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripLocks)
	db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripLocks)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error

	for _, stmt := range []string{
		`CREATE TABLE numbering_schemes (
			id INTEGER PRIMARY KEY,
			tenant_id INTEGER NOT NULL,
			category TEXT NOT NULL,
			pattern TEXT NOT NULL,
			reset_policy TEXT NOT NULL DEFAULT 'never',
			current_seq INTEGER NOT NULL DEFAULT 0,
			period_key TEXT NOT NULL DEFAULT '',
			created_at DATETIME,
			updated_at DATETIME,
			UNIQUE (tenant_id, category)
		)`,
		`CREATE TABLE billing_documents (
			id INTEGER PRIMARY KEY,
			tenant_id INTEGER NOT NULL,
			client_id INTEGER NOT NULL,
			project_id INTEGER,
			plan_id INTEGER,
			category TEXT NOT NULL,
			number TEXT,
			status TEXT NOT NULL DEFAULT 'draft',
			currency TEXT NOT NULL DEFAULT 'USD',
			issue_date DATETIME NOT NULL,
			due_date DATETIME NOT NULL,
			subtotal INTEGER NOT NULL DEFAULT 0,
			tax INTEGER NOT NULL DEFAULT 0,
			total INTEGER NOT NULL DEFAULT 0,
			amount_paid INTEGER NOT NULL DEFAULT 0,
			notes TEXT,
			metadata TEXT,
			sent_at DATETIME,
			created_at DATETIME,
			updated_at DATETIME
		)`,
		`CREATE UNIQUE INDEX ux_documents_tenant_category_number
			ON billing_documents (tenant_id, category, number)
			WHERE number IS NOT NULL`,
		`CREATE TABLE line_items (
			id INTEGER PRIMARY KEY,
			document_id INTEGER NOT NULL,
			position INTEGER NOT NULL DEFAULT 0,
			label TEXT NOT NULL,
			quantity NUMERIC NOT NULL,
			unit_rate INTEGER NOT NULL,
			amount INTEGER NOT NULL,
			created_at DATETIME
		)`,
		`CREATE TABLE time_entries (
			id INTEGER PRIMARY KEY,
			tenant_id INTEGER NOT NULL,
			project_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			work_date DATETIME NOT NULL,
			description TEXT,
			hours NUMERIC NOT NULL,
			billable BOOLEAN NOT NULL DEFAULT 1,
			approved BOOLEAN NOT NULL DEFAULT 0,
			billed_by_document_id INTEGER,
			created_at DATETIME,
			updated_at DATETIME
		)`,
		`CREATE TABLE expenses (
			id INTEGER PRIMARY KEY,
			tenant_id INTEGER NOT NULL,
			project_id INTEGER NOT NULL,
			category TEXT,
			vendor TEXT,
			expense_date DATETIME NOT NULL,
			description TEXT,
			amount INTEGER NOT NULL,
			billable BOOLEAN NOT NULL DEFAULT 1,
			markup_percent NUMERIC NOT NULL DEFAULT 0,
			billed_by_document_id INTEGER,
			created_at DATETIME,
			updated_at DATETIME
		)`,
		`CREATE TABLE projects (
			id INTEGER PRIMARY KEY,
			tenant_id INTEGER NOT NULL,
			client_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			hourly_rate INTEGER NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT 'USD',
			created_at DATETIME,
			updated_at DATETIME
		)`,
		`CREATE TABLE recurring_plans (
			id INTEGER PRIMARY KEY,
			tenant_id INTEGER NOT NULL,
			client_id INTEGER NOT NULL,
			project_id INTEGER,
			name TEXT NOT NULL,
			frequency TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			start_date DATETIME NOT NULL,
			next_run_date DATETIME NOT NULL,
			end_date DATETIME,
			max_occurrences INTEGER,
			occurrences_sent INTEGER NOT NULL DEFAULT 0,
			auto_notify BOOLEAN NOT NULL DEFAULT 0,
			template_document_id INTEGER,
			use_unbilled BOOLEAN NOT NULL DEFAULT 0,
			policy TEXT,
			due_days INTEGER NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT 'USD',
			created_at DATETIME,
			updated_at DATETIME
		)`,
	} {
		require.NoError(t, db.Exec(stmt).Error)
	}

	return db
}

func mustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

type engineFixture struct {
	db       *gorm.DB
	node     *snowflake.Node
	clock    *clock.FakeClock
	docSvc   documentdomain.Service
	engine   recurringdomain.Engine
	notifier *notifierStub
	tenantID snowflake.ID
	clientID snowflake.ID
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	db := openTestDB(t)
	node := mustNode(t)
	fake := clock.NewFakeClock(time.Date(2024, time.February, 1, 8, 0, 0, 0, time.UTC))

	aggregator := billableservice.NewAggregator(billableservice.AggregatorParam{
		DB:  db,
		Log: zap.NewNop(),
	})
	docSvc := documentservice.NewService(documentservice.ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Numbering: numberingservice.NewService(numberingservice.ServiceParam{
			DB:    db,
			Log:   zap.NewNop(),
			GenID: node,
		}),
		Aggregator: aggregator,
		Docs:       repository.ProvideStore[documentdomain.BillingDocument](db),
	})
	notifier := &notifierStub{}
	engine := NewEngine(EngineParam{
		DB:         db,
		Log:        zap.NewNop(),
		Clock:      fake,
		DocSvc:     docSvc,
		Aggregator: aggregator,
		Notifier:   notifier,
		Config:     Config{WorkerCount: 1},
	})

	return &engineFixture{
		db:       db,
		node:     node,
		clock:    fake,
		docSvc:   docSvc,
		engine:   engine,
		notifier: notifier,
		tenantID: node.Generate(),
		clientID: node.Generate(),
	}
}

func (f *engineFixture) createTemplate(t *testing.T) snowflake.ID {
	t.Helper()
	number := "TPL-" + f.node.Generate().String()
	doc, err := f.docSvc.Create(context.Background(), documentdomain.CreateInput{
		TenantID:  f.tenantID,
		ClientID:  f.clientID,
		Category:  "template",
		Number:    &number,
		IssueDate: f.clock.Now(),
		Lines: []billabledomain.LineDraft{
			{Label: "Monthly retainer", Quantity: decimal.NewFromInt(1), UnitRate: 150000, Amount: 150000},
		},
	})
	require.NoError(t, err)
	return doc.ID
}

func (f *engineFixture) createPlan(t *testing.T, mutate func(*recurringdomain.RecurringPlan)) snowflake.ID {
	t.Helper()
	plan := recurringdomain.RecurringPlan{
		ID:          f.node.Generate(),
		TenantID:    f.tenantID,
		ClientID:    f.clientID,
		Name:        "Monthly retainer",
		Frequency:   recurringdomain.FrequencyMonthly,
		Status:      recurringdomain.PlanActive,
		StartDate:   time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		NextRunDate: time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC),
		DueDays:     14,
	}
	if mutate != nil {
		mutate(&plan)
	}
	require.NoError(t, f.db.Create(&plan).Error)
	return plan.ID
}

func (f *engineFixture) reloadPlan(t *testing.T, id snowflake.ID) recurringdomain.RecurringPlan {
	t.Helper()
	var plan recurringdomain.RecurringPlan
	require.NoError(t, f.db.First(&plan, "id = ?", id).Error)
	return plan
}

func TestRunEndToEndMonthlyPlan(t *testing.T) {
	f := newEngineFixture(t)
	templateID := f.createTemplate(t)
	planID := f.createPlan(t, func(p *recurringdomain.RecurringPlan) {
		p.TemplateDocumentID = &templateID
		p.AutoNotify = true
	})

	asOf := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)
	summary, err := f.engine.Run(context.Background(), recurringdomain.RunRequest{AsOf: asOf})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Scanned)
	require.Equal(t, 1, summary.Generated)
	require.Equal(t, 0, summary.Skipped)
	require.Equal(t, 0, summary.Failed)
	require.Len(t, summary.Plans, 1)
	require.Equal(t, recurringdomain.OutcomeGenerated, summary.Plans[0].Outcome)
	require.Equal(t, "INV-202402-0001", summary.Plans[0].Number)
	require.Empty(t, summary.Plans[0].NotifyError)

	plan := f.reloadPlan(t, planID)
	require.Equal(t, time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC), plan.NextRunDate.UTC())
	require.Equal(t, 1, plan.OccurrencesSent)

	require.Equal(t, 1, f.notifier.Calls())

	doc, err := f.docSvc.GetByID(context.Background(), f.tenantID, summary.Plans[0].DocumentID)
	require.NoError(t, err)
	require.Equal(t, documentdomain.StatusSent, doc.Status)
	require.NotNil(t, doc.PlanID)
	require.Equal(t, planID, *doc.PlanID)
	require.Len(t, doc.LineItems, 1)
	require.Equal(t, int64(150000), doc.Total)
	require.Equal(t, asOf.AddDate(0, 0, 14), doc.DueDate.UTC())
}

func TestRunIdempotentAdvance(t *testing.T) {
	f := newEngineFixture(t)
	templateID := f.createTemplate(t)
	f.createPlan(t, func(p *recurringdomain.RecurringPlan) {
		p.TemplateDocumentID = &templateID
	})

	asOf := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)
	first, err := f.engine.Run(context.Background(), recurringdomain.RunRequest{AsOf: asOf})
	require.NoError(t, err)
	require.Equal(t, 1, first.Generated)

	// Same as-of, no clock change: the advanced plan is no longer
	// eligible and nothing new is generated.
	second, err := f.engine.Run(context.Background(), recurringdomain.RunRequest{AsOf: asOf})
	require.NoError(t, err)
	require.Equal(t, 1, second.Scanned)
	require.Equal(t, 0, second.Generated)
	require.Equal(t, 1, second.Skipped)

	var docs int64
	require.NoError(t, f.db.Model(&documentdomain.BillingDocument{}).
		Where("category = ?", "invoice").Count(&docs).Error)
	require.Equal(t, int64(1), docs)
}

func TestRunIsolatedFailure(t *testing.T) {
	f := newEngineFixture(t)
	templateID := f.createTemplate(t)

	f.createPlan(t, func(p *recurringdomain.RecurringPlan) {
		p.TemplateDocumentID = &templateID
	})
	missing := f.node.Generate()
	brokenID := f.createPlan(t, func(p *recurringdomain.RecurringPlan) {
		p.Name = "Broken plan"
		p.TemplateDocumentID = &missing
	})
	f.createPlan(t, func(p *recurringdomain.RecurringPlan) {
		p.TemplateDocumentID = &templateID
	})

	asOf := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)
	summary, err := f.engine.Run(context.Background(), recurringdomain.RunRequest{AsOf: asOf})
	require.NoError(t, err)
	require.Equal(t, 3, summary.Scanned)
	require.Equal(t, 2, summary.Generated)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 0, summary.Skipped)

	for _, r := range summary.Plans {
		if r.PlanID == brokenID {
			require.Equal(t, recurringdomain.OutcomeFailed, r.Outcome)
			require.Contains(t, r.Error, recurringdomain.ErrTemplateNotFound.Error())
		}
	}

	// The failed plan did not advance; the healthy ones did.
	broken := f.reloadPlan(t, brokenID)
	require.Equal(t, asOf, broken.NextRunDate.UTC())
	require.Equal(t, 0, broken.OccurrencesSent)
}

func TestRunDryRun(t *testing.T) {
	f := newEngineFixture(t)
	templateID := f.createTemplate(t)
	planID := f.createPlan(t, func(p *recurringdomain.RecurringPlan) {
		p.TemplateDocumentID = &templateID
		p.AutoNotify = true
	})

	asOf := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)
	summary, err := f.engine.Run(context.Background(), recurringdomain.RunRequest{AsOf: asOf, DryRun: true})
	require.NoError(t, err)
	require.True(t, summary.DryRun)
	require.Equal(t, 1, summary.Generated)

	// Preview only: no document, no advance, no notification.
	var docs int64
	require.NoError(t, f.db.Model(&documentdomain.BillingDocument{}).
		Where("category = ?", "invoice").Count(&docs).Error)
	require.Zero(t, docs)
	plan := f.reloadPlan(t, planID)
	require.Equal(t, asOf, plan.NextRunDate.UTC())
	require.Zero(t, plan.OccurrencesSent)
	require.Zero(t, f.notifier.Calls())
}

func TestRunEligibilityBounds(t *testing.T) {
	f := newEngineFixture(t)
	templateID := f.createTemplate(t)

	f.createPlan(t, func(p *recurringdomain.RecurringPlan) {
		p.Name = "Not yet due"
		p.TemplateDocumentID = &templateID
		p.NextRunDate = time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	})
	ended := time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC)
	f.createPlan(t, func(p *recurringdomain.RecurringPlan) {
		p.Name = "Past end date"
		p.TemplateDocumentID = &templateID
		p.EndDate = &ended
	})
	maxed := 2
	f.createPlan(t, func(p *recurringdomain.RecurringPlan) {
		p.Name = "Max occurrences reached"
		p.TemplateDocumentID = &templateID
		p.MaxOccurrences = &maxed
		p.OccurrencesSent = 2
	})

	asOf := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)
	summary, err := f.engine.Run(context.Background(), recurringdomain.RunRequest{AsOf: asOf})
	require.NoError(t, err)
	require.Equal(t, 3, summary.Scanned)
	require.Equal(t, 0, summary.Generated)
	require.Equal(t, 3, summary.Skipped)
	require.Zero(t, f.notifier.Calls())
}

func TestRunNotifyFailureKeepsDocument(t *testing.T) {
	f := newEngineFixture(t)
	f.notifier.err = errors.New("smtp unreachable")
	templateID := f.createTemplate(t)
	planID := f.createPlan(t, func(p *recurringdomain.RecurringPlan) {
		p.TemplateDocumentID = &templateID
		p.AutoNotify = true
	})

	asOf := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)
	summary, err := f.engine.Run(context.Background(), recurringdomain.RunRequest{AsOf: asOf})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Generated)
	require.Equal(t, "smtp unreachable", summary.Plans[0].NotifyError)

	// Delivery failure never rolls back creation or the advance; the
	// document just stays un-sent.
	doc, err := f.docSvc.GetByID(context.Background(), f.tenantID, summary.Plans[0].DocumentID)
	require.NoError(t, err)
	require.Equal(t, documentdomain.StatusDraft, doc.Status)
	plan := f.reloadPlan(t, planID)
	require.Equal(t, 1, plan.OccurrencesSent)
}

func TestRunNotifyOverride(t *testing.T) {
	f := newEngineFixture(t)
	templateID := f.createTemplate(t)
	f.createPlan(t, func(p *recurringdomain.RecurringPlan) {
		p.TemplateDocumentID = &templateID
		p.AutoNotify = true
	})

	asOf := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)
	summary, err := f.engine.Run(context.Background(), recurringdomain.RunRequest{
		AsOf:           asOf,
		NotifyOverride: recurringdomain.NotifySuppress,
	})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Generated)
	require.Zero(t, f.notifier.Calls())

	// Force overrides auto_notify=false the other way.
	f.createPlan(t, func(p *recurringdomain.RecurringPlan) {
		p.TemplateDocumentID = &templateID
		p.AutoNotify = false
	})
	summary, err = f.engine.Run(context.Background(), recurringdomain.RunRequest{
		AsOf:           asOf,
		NotifyOverride: recurringdomain.NotifyForce,
	})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Generated)
	require.Equal(t, 1, f.notifier.Calls())
}

func TestRunUnbilledPlanAggregatesAndMarksBilled(t *testing.T) {
	f := newEngineFixture(t)
	projectID := f.node.Generate()
	require.NoError(t, f.db.Exec(
		`INSERT INTO projects (id, tenant_id, client_id, name, hourly_rate, currency)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		projectID, f.tenantID, f.clientID, "Support retainer", 10000, "USD",
	).Error)

	entry := billabledomain.TimeEntry{
		ID:        f.node.Generate(),
		TenantID:  f.tenantID,
		ProjectID: projectID,
		UserID:    f.node.Generate(),
		WorkDate:  time.Date(2024, time.January, 20, 0, 0, 0, 0, time.UTC),
		Hours:     decimal.RequireFromString("6"),
		Billable:  true,
	}
	require.NoError(t, f.db.Create(&entry).Error)

	planID := f.createPlan(t, func(p *recurringdomain.RecurringPlan) {
		p.ProjectID = &projectID
		p.UseUnbilled = true
		p.Policy = datatypes.NewJSONType(billabledomain.DefaultPolicy())
	})

	asOf := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)
	summary, err := f.engine.Run(context.Background(), recurringdomain.RunRequest{AsOf: asOf})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Generated)

	doc, err := f.docSvc.GetByID(context.Background(), f.tenantID, summary.Plans[0].DocumentID)
	require.NoError(t, err)
	require.Equal(t, int64(60000), doc.Total)

	var stamped billabledomain.TimeEntry
	require.NoError(t, f.db.First(&stamped, "id = ?", entry.ID).Error)
	require.NotNil(t, stamped.BilledByDocumentID)
	require.Equal(t, doc.ID, *stamped.BilledByDocumentID)

	// Nothing unbilled next period: the plan is skipped, not billed
	// with an empty document.
	_ = planID
	next := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	summary, err = f.engine.Run(context.Background(), recurringdomain.RunRequest{AsOf: next})
	require.NoError(t, err)
	require.Equal(t, 0, summary.Generated)
	require.Equal(t, 1, summary.Skipped)
}
