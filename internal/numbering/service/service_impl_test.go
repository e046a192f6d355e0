package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	numberingdomain "github.com/mprovost129/ez360pm/internal/numbering/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

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

	require.NoError(t, db.Exec(`
		CREATE TABLE numbering_schemes (
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
		)
	`).Error)

	return db
}

func newTestService(t *testing.T, db *gorm.DB, node *snowflake.Node) numberingdomain.Service {
	t.Helper()
	return NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
	})
}

func mustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

func TestAllocateCreatesDefaultScheme(t *testing.T) {
	db := openTestDB(t)
	node := mustNode(t)
	svc := newTestService(t, db, node)
	tenantID := node.Generate()

	asOf := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)
	number, err := svc.Allocate(context.Background(), tenantID, "invoice", asOf)
	require.NoError(t, err)
	require.Equal(t, "INV-202402-0001", number)

	number, err = svc.Allocate(context.Background(), tenantID, "invoice", asOf)
	require.NoError(t, err)
	require.Equal(t, "INV-202402-0002", number)
}

func TestAllocateMonthlyReset(t *testing.T) {
	db := openTestDB(t)
	node := mustNode(t)
	svc := newTestService(t, db, node)
	tenantID := node.Generate()

	require.NoError(t, svc.SaveScheme(context.Background(), numberingdomain.NumberingScheme{
		TenantID:    tenantID,
		Category:    "invoice",
		Pattern:     "INV-{YYYY}{MM}-{SEQ:4}",
		ResetPolicy: numberingdomain.ResetMonthly,
	}))

	jan := time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)

	for i := 1; i <= 3; i++ {
		number, err := svc.Allocate(context.Background(), tenantID, "invoice", jan)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("INV-202401-%04d", i), number)
	}

	// Crossing the month boundary restarts the sequence at 1, no
	// matter how high January climbed.
	number, err := svc.Allocate(context.Background(), tenantID, "invoice", feb)
	require.NoError(t, err)
	require.Equal(t, "INV-202402-0001", number)
}

func TestAllocateYearlyAndNeverReset(t *testing.T) {
	db := openTestDB(t)
	node := mustNode(t)
	svc := newTestService(t, db, node)
	tenantID := node.Generate()

	require.NoError(t, svc.SaveScheme(context.Background(), numberingdomain.NumberingScheme{
		TenantID:    tenantID,
		Category:    "quote",
		Pattern:     "Q{YY}-{SEQ:3}",
		ResetPolicy: numberingdomain.ResetYearly,
	}))

	dec := time.Date(2024, time.December, 31, 0, 0, 0, 0, time.UTC)
	jan := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

	number, err := svc.Allocate(context.Background(), tenantID, "quote", dec)
	require.NoError(t, err)
	require.Equal(t, "Q24-001", number)

	number, err = svc.Allocate(context.Background(), tenantID, "quote", jan)
	require.NoError(t, err)
	require.Equal(t, "Q25-001", number)

	require.NoError(t, svc.SaveScheme(context.Background(), numberingdomain.NumberingScheme{
		TenantID:    tenantID,
		Category:    "contract",
		Pattern:     "C-{SEQ:4}",
		ResetPolicy: numberingdomain.ResetNever,
	}))
	number, err = svc.Allocate(context.Background(), tenantID, "contract", dec)
	require.NoError(t, err)
	require.Equal(t, "C-0001", number)
	number, err = svc.Allocate(context.Background(), tenantID, "contract", jan)
	require.NoError(t, err)
	require.Equal(t, "C-0002", number)
}

func TestAllocateConcurrentUnique(t *testing.T) {
	db := openTestDB(t)
	node := mustNode(t)
	svc := newTestService(t, db, node)
	tenantID := node.Generate()

	require.NoError(t, svc.SaveScheme(context.Background(), numberingdomain.NumberingScheme{
		TenantID:    tenantID,
		Category:    "invoice",
		Pattern:     "INV-{SEQ:5}",
		ResetPolicy: numberingdomain.ResetNever,
	}))

	const workers = 20
	asOf := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)

	numbers := make(chan string, workers)
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			number, err := svc.Allocate(context.Background(), tenantID, "invoice", asOf)
			if err != nil {
				errs <- err
				return
			}
			numbers <- number
		}()
	}
	wg.Wait()
	close(numbers)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	seen := make(map[string]bool, workers)
	for number := range numbers {
		require.False(t, seen[number], "duplicate number %s", number)
		seen[number] = true
	}
	require.Len(t, seen, workers)
}

func TestSaveSchemeValidation(t *testing.T) {
	db := openTestDB(t)
	node := mustNode(t)
	svc := newTestService(t, db, node)
	tenantID := node.Generate()

	err := svc.SaveScheme(context.Background(), numberingdomain.NumberingScheme{
		TenantID:    tenantID,
		Category:    "invoice",
		Pattern:     "no-sequence-token",
		ResetPolicy: numberingdomain.ResetMonthly,
	})
	require.ErrorIs(t, err, numberingdomain.ErrInvalidPattern)

	err = svc.SaveScheme(context.Background(), numberingdomain.NumberingScheme{
		TenantID:    tenantID,
		Category:    "invoice",
		Pattern:     "INV-{SEQ:4}",
		ResetPolicy: numberingdomain.ResetPolicy("weekly"),
	})
	require.ErrorIs(t, err, numberingdomain.ErrInvalidResetPolicy)

	err = svc.SaveScheme(context.Background(), numberingdomain.NumberingScheme{
		TenantID:    tenantID,
		Category:    "   ",
		Pattern:     "INV-{SEQ:4}",
		ResetPolicy: numberingdomain.ResetMonthly,
	})
	require.ErrorIs(t, err, numberingdomain.ErrInvalidCategory)
}

func TestSaveSchemePreservesCounter(t *testing.T) {
	db := openTestDB(t)
	node := mustNode(t)
	svc := newTestService(t, db, node)
	tenantID := node.Generate()

	require.NoError(t, svc.SaveScheme(context.Background(), numberingdomain.NumberingScheme{
		TenantID:    tenantID,
		Category:    "invoice",
		Pattern:     "INV-{SEQ:4}",
		ResetPolicy: numberingdomain.ResetNever,
	}))

	asOf := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	_, err := svc.Allocate(context.Background(), tenantID, "invoice", asOf)
	require.NoError(t, err)
	_, err = svc.Allocate(context.Background(), tenantID, "invoice", asOf)
	require.NoError(t, err)

	// Editing the pattern must not restart the counter.
	require.NoError(t, svc.SaveScheme(context.Background(), numberingdomain.NumberingScheme{
		TenantID:    tenantID,
		Category:    "invoice",
		Pattern:     "BILL-{SEQ:4}",
		ResetPolicy: numberingdomain.ResetNever,
	}))

	number, err := svc.Allocate(context.Background(), tenantID, "invoice", asOf)
	require.NoError(t, err)
	require.Equal(t, "BILL-0003", number)
}
