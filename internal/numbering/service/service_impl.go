package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/mprovost129/ez360pm/internal/config"
	numberingdomain "github.com/mprovost129/ez360pm/internal/numbering/domain"
	"github.com/mprovost129/ez360pm/internal/numbering/format"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Defaults *config.BillingDefaultsHolder
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	defaults *config.BillingDefaultsHolder
}

func NewService(p ServiceParam) numberingdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("numbering.service"),
		genID:    p.GenID,
		defaults: p.Defaults,
	}
}

func (s *Service) Allocate(ctx context.Context, tenantID snowflake.ID, category string, asOf time.Time) (string, error) {
	var number string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		number, err = s.AllocateTx(ctx, tx, tenantID, category, asOf)
		return err
	})
	return number, err
}

func (s *Service) AllocateTx(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, category string, asOf time.Time) (string, error) {
	category = strings.ToLower(strings.TrimSpace(category))
	if category == "" {
		return "", numberingdomain.ErrInvalidCategory
	}

	scheme, err := s.lockScheme(ctx, tx, tenantID, category)
	if err != nil {
		return "", err
	}
	if scheme == nil {
		if err := s.insertDefaultScheme(ctx, tx, tenantID, category, asOf); err != nil {
			return "", err
		}
		scheme, err = s.lockScheme(ctx, tx, tenantID, category)
		if err != nil {
			return "", err
		}
		if scheme == nil {
			return "", numberingdomain.ErrSchemeNotFound
		}
	}

	key := PeriodKey(scheme.ResetPolicy, asOf)
	seq := scheme.CurrentSeq
	if key != scheme.PeriodKey {
		seq = 0
	}
	seq++

	if err := tx.WithContext(ctx).Exec(
		`UPDATE numbering_schemes
		 SET current_seq = ?, period_key = ?, updated_at = ?
		 WHERE id = ?`,
		seq,
		key,
		asOf.UTC(),
		scheme.ID,
	).Error; err != nil {
		return "", err
	}

	return format.Render(scheme.Pattern, asOf, seq), nil
}

func (s *Service) SaveScheme(ctx context.Context, scheme numberingdomain.NumberingScheme) error {
	scheme.Category = strings.ToLower(strings.TrimSpace(scheme.Category))
	if scheme.Category == "" {
		return numberingdomain.ErrInvalidCategory
	}
	if !scheme.ResetPolicy.Valid() {
		return numberingdomain.ErrInvalidResetPolicy
	}
	if err := format.Validate(scheme.Pattern); err != nil {
		s.log.Warn("rejected numbering pattern",
			zap.String("tenant_id", scheme.TenantID.String()),
			zap.String("category", scheme.Category),
			zap.Error(err),
		)
		return numberingdomain.ErrInvalidPattern
	}

	now := time.Now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.lockScheme(ctx, tx, scheme.TenantID, scheme.Category)
		if err != nil {
			return err
		}
		if existing == nil {
			return tx.WithContext(ctx).Exec(
				`INSERT INTO numbering_schemes (
					id, tenant_id, category, pattern, reset_policy,
					current_seq, period_key, created_at, updated_at
				) VALUES (?, ?, ?, ?, ?, 0, '', ?, ?)`,
				s.genID.Generate(),
				scheme.TenantID,
				scheme.Category,
				scheme.Pattern,
				scheme.ResetPolicy,
				now,
				now,
			).Error
		}
		// Counter state survives pattern and policy edits.
		return tx.WithContext(ctx).Exec(
			`UPDATE numbering_schemes
			 SET pattern = ?, reset_policy = ?, updated_at = ?
			 WHERE id = ?`,
			scheme.Pattern,
			scheme.ResetPolicy,
			now,
			existing.ID,
		).Error
	})
}

// PeriodKey derives the reset bucket for a policy at a given date.
// Crossing a bucket boundary resets the sequence.
func PeriodKey(policy numberingdomain.ResetPolicy, asOf time.Time) string {
	switch policy {
	case numberingdomain.ResetMonthly:
		return asOf.Format("200601")
	case numberingdomain.ResetYearly:
		return asOf.Format("2006")
	default:
		return ""
	}
}

type schemeRow struct {
	ID          snowflake.ID
	TenantID    snowflake.ID
	Category    string
	Pattern     string
	ResetPolicy numberingdomain.ResetPolicy
	CurrentSeq  int64
	PeriodKey   string
}

func (s *Service) lockScheme(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, category string) (*schemeRow, error) {
	var scheme schemeRow
	err := tx.WithContext(ctx).Raw(
		`SELECT id, tenant_id, category, pattern, reset_policy, current_seq, period_key
		 FROM numbering_schemes
		 WHERE tenant_id = ? AND category = ?
		 FOR UPDATE`,
		tenantID,
		category,
	).Scan(&scheme).Error
	if err != nil {
		return nil, err
	}
	if scheme.ID == 0 {
		return nil, nil
	}
	return &scheme, nil
}

func (s *Service) insertDefaultScheme(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, category string, now time.Time) error {
	defaults := config.DefaultBillingDefaults()
	if s.defaults != nil {
		defaults = s.defaults.Current()
	}
	pattern, ok := defaults.NumberPatterns[category]
	if !ok || strings.TrimSpace(pattern) == "" {
		pattern = "DOC-{YYYY}{MM}-{SEQ:4}"
	}

	// Another transaction may create the row first; the caller
	// re-locks after this insert either way.
	return tx.WithContext(ctx).Exec(
		`INSERT INTO numbering_schemes (
			id, tenant_id, category, pattern, reset_policy,
			current_seq, period_key, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, 0, '', ?, ?)
		ON CONFLICT (tenant_id, category) DO NOTHING`,
		s.genID.Generate(),
		tenantID,
		category,
		pattern,
		numberingdomain.ResetMonthly,
		now.UTC(),
		now.UTC(),
	).Error
}
