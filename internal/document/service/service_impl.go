package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/mprovost129/ez360pm/internal/billable/domain"
	"github.com/mprovost129/ez360pm/internal/config"
	documentdomain "github.com/mprovost129/ez360pm/internal/document/domain"
	numberingdomain "github.com/mprovost129/ez360pm/internal/numbering/domain"
	"github.com/mprovost129/ez360pm/internal/observability/metrics"
	"github.com/mprovost129/ez360pm/pkg/db"
	"github.com/mprovost129/ez360pm/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maxNumberAttempts bounds retries when an allocated number collides
// with a concurrently issued document.
const maxNumberAttempts = 5

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Numbering  numberingdomain.Service
	Aggregator domain.Aggregator
	Defaults   *config.BillingDefaultsHolder
	Docs       repository.Repository[documentdomain.BillingDocument]
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	numbering  numberingdomain.Service
	aggregator domain.Aggregator
	defaults   *config.BillingDefaultsHolder
	docs       repository.Repository[documentdomain.BillingDocument]
}

func NewService(p ServiceParam) documentdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("document.service"),
		genID:      p.GenID,
		numbering:  p.Numbering,
		aggregator: p.Aggregator,
		defaults:   p.Defaults,
		docs:       p.Docs,
	}
}

func (s *Service) Create(ctx context.Context, input documentdomain.CreateInput) (*documentdomain.BillingDocument, error) {
	var doc *documentdomain.BillingDocument
	var err error

	for attempt := 1; attempt <= maxNumberAttempts; attempt++ {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var txErr error
			doc, txErr = s.CreateTx(ctx, tx, input)
			return txErr
		})
		if err == nil {
			return doc, nil
		}
		// Manual numbers never retry; the caller picked the value.
		if input.Number != nil || !db.IsDuplicateKeyErr(err) {
			return nil, err
		}
		metrics.Engine().IncNumberRetry()
		s.log.Warn("document number collision, retrying",
			zap.String("tenant_id", input.TenantID.String()),
			zap.String("category", input.Category),
			zap.Int("attempt", attempt),
		)
	}
	return nil, errors.Join(documentdomain.ErrNumberExhausted, err)
}

func (s *Service) CreateTx(ctx context.Context, tx *gorm.DB, input documentdomain.CreateInput) (*documentdomain.BillingDocument, error) {
	if len(input.Lines) == 0 {
		return nil, documentdomain.ErrEmptyDocument
	}
	category := strings.ToLower(strings.TrimSpace(input.Category))
	if category == "" {
		category = "invoice"
	}

	number := input.Number
	if number == nil {
		allocated, err := s.numbering.AllocateTx(ctx, tx, input.TenantID, category, input.IssueDate)
		if err != nil {
			return nil, err
		}
		number = &allocated
	}

	dueDays := input.DueDays
	if dueDays <= 0 {
		dueDays = s.defaultDueDays()
	}
	currency := input.Currency
	if currency == "" {
		currency = "USD"
	}

	var subtotal int64
	for _, l := range input.Lines {
		subtotal += l.Amount
	}

	now := time.Now().UTC()
	doc := documentdomain.BillingDocument{
		ID:        s.genID.Generate(),
		TenantID:  input.TenantID,
		ClientID:  input.ClientID,
		ProjectID: input.ProjectID,
		PlanID:    input.PlanID,
		Category:  category,
		Number:    number,
		Status:    documentdomain.StatusDraft,
		Currency:  currency,
		IssueDate: input.IssueDate.UTC(),
		DueDate:   input.IssueDate.UTC().AddDate(0, 0, dueDays),
		Subtotal:  subtotal,
		Total:     subtotal,
		Notes:     input.Notes,
		Metadata:  input.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.WithContext(ctx).Create(&doc).Error; err != nil {
		if input.Number != nil && db.IsDuplicateKeyErr(err) {
			return nil, documentdomain.ErrNumberConflict
		}
		return nil, err
	}

	items := make([]documentdomain.LineItem, 0, len(input.Lines))
	for i, l := range input.Lines {
		items = append(items, documentdomain.LineItem{
			ID:         s.genID.Generate(),
			DocumentID: doc.ID,
			Position:   i,
			Label:      l.Label,
			Quantity:   l.Quantity,
			UnitRate:   l.UnitRate,
			Amount:     l.Amount,
			CreatedAt:  now,
		})
	}
	if err := tx.WithContext(ctx).Create(&items).Error; err != nil {
		return nil, err
	}
	doc.LineItems = items

	if input.Aggregation != nil && !input.Aggregation.Empty() {
		if err := s.aggregator.MarkBilledTx(ctx, tx, doc.ID, *input.Aggregation); err != nil {
			return nil, err
		}
	}

	s.log.Info("document created",
		zap.String("tenant_id", doc.TenantID.String()),
		zap.String("document_id", doc.ID.String()),
		zap.String("category", doc.Category),
		zap.Stringp("number", doc.Number),
		zap.Int64("total", doc.Total),
	)
	return &doc, nil
}

func (s *Service) MarkSent(ctx context.Context, tenantID, docID snowflake.ID, at time.Time) error {
	res := s.db.WithContext(ctx).Exec(
		`UPDATE billing_documents
		 SET status = ?, sent_at = ?, updated_at = ?
		 WHERE id = ? AND tenant_id = ? AND status = ?`,
		documentdomain.StatusSent,
		at.UTC(),
		at.UTC(),
		docID,
		tenantID,
		documentdomain.StatusDraft,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).
			Model(&documentdomain.BillingDocument{}).
			Where("id = ? AND tenant_id = ?", docID, tenantID).
			Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return documentdomain.ErrDocumentNotFound
		}
		return documentdomain.ErrNotDraft
	}
	return nil
}

func (s *Service) GetByID(ctx context.Context, tenantID, docID snowflake.ID) (*documentdomain.BillingDocument, error) {
	var doc documentdomain.BillingDocument
	err := s.db.WithContext(ctx).
		Preload("LineItems", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		Where("id = ? AND tenant_id = ?", docID, tenantID).
		First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, documentdomain.ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *Service) List(ctx context.Context, filter documentdomain.ListFilter) ([]documentdomain.BillingDocument, error) {
	query := documentdomain.BillingDocument{
		TenantID: filter.TenantID,
		Category: strings.ToLower(strings.TrimSpace(filter.Category)),
		Status:   filter.Status,
	}
	if filter.PlanID != nil {
		query.PlanID = filter.PlanID
	}
	rows, err := s.docs.Find(ctx, &query, filter.Options...)
	if err != nil {
		return nil, err
	}
	docs := make([]documentdomain.BillingDocument, 0, len(rows))
	for _, r := range rows {
		docs = append(docs, *r)
	}
	return docs, nil
}

func (s *Service) defaultDueDays() int {
	defaults := config.DefaultBillingDefaults()
	if s.defaults != nil {
		defaults = s.defaults.Current()
	}
	if defaults.DueDays > 0 {
		return defaults.DueDays
	}
	return 30
}
