package catalog_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"supplydesk-backend/internal/apperr"
	"supplydesk-backend/internal/catalog"
	"supplydesk-backend/internal/config"
	"supplydesk-backend/internal/ledger"
	"supplydesk-backend/internal/models"
	"supplydesk-backend/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newService(t *testing.T) (*catalog.Service, *gorm.DB) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	runner := testutil.Runner(db)
	stock := ledger.NewService(runner, ledger.New(config.LedgerPolicy{}, zap.NewNop()), nil, zap.NewNop())
	svc := catalog.NewService(runner, stock, 2, zap.NewNop())
	svc.Now = testutil.NewClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)).Now
	return svc, db
}

func countStock(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&models.StockEntry{}).Count(&n).Error)
	return n
}

func TestCreateBranchProvisionsEveryItemType(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()

	for _, sku := range []string{"HP-101", "HP-102", "CANON-725"} {
		_, n, err := svc.CreateItemType(ctx, catalog.ItemTypeInput{SKU: sku, Name: sku}, nil)
		require.NoError(t, err)
		assert.Zero(t, n, "no branches yet")
	}

	branch, n, err := svc.CreateBranch(ctx, catalog.BranchInput{Code: "f-kaz", Name: "Kazan", City: "Kazan"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "F-KAZ", branch.Code)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, int64(3), countStock(t, db))

	var entries []models.AuditEntry
	require.NoError(t, db.Where("entity_type = ? AND entity_id = ?", models.EntityBranch, branch.ID).Order("id").Find(&entries).Error)
	require.Len(t, entries, 2)
	assert.Equal(t, models.AuditActionCreated, entries[0].Action)
	assert.Equal(t, models.AuditActionProvisioned, entries[1].Action)
	assert.JSONEq(t, `{"created":3}`, entries[1].AfterData)
}

func TestCreateItemTypeProvisionsEveryBranch(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()

	for _, code := range []string{"F-KAZ", "F-MSK"} {
		_, _, err := svc.CreateBranch(ctx, catalog.BranchInput{Code: code, Name: code}, nil)
		require.NoError(t, err)
	}

	item, n, err := svc.CreateItemType(ctx, catalog.ItemTypeInput{SKU: "HP-101", Name: "HP 101 Black", MinStockLevel: testutil.IntPtr(2)}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	var rows []models.StockEntry
	require.NoError(t, db.Where("item_type_id = ?", item.ID).Find(&rows).Error)
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Zero(t, r.OnHand)
		assert.Zero(t, r.Reserved)
	}
}

func TestDuplicateCodesAreRejected(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, _, err := svc.CreateBranch(ctx, catalog.BranchInput{Code: "F-KAZ", Name: "Kazan"}, nil)
	require.NoError(t, err)
	_, _, err = svc.CreateBranch(ctx, catalog.BranchInput{Code: "f-kaz", Name: "Kazan again"}, nil)
	assert.True(t, errors.Is(err, apperr.Validation))

	_, _, err = svc.CreateItemType(ctx, catalog.ItemTypeInput{SKU: "HP-101", Name: "HP"}, nil)
	require.NoError(t, err)
	_, _, err = svc.CreateItemType(ctx, catalog.ItemTypeInput{SKU: "HP-101", Name: "HP"}, nil)
	assert.True(t, errors.Is(err, apperr.Validation))
}

func TestCreateValidatesInput(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, _, err := svc.CreateBranch(ctx, catalog.BranchInput{Code: " ", Name: "x"}, nil)
	assert.True(t, errors.Is(err, apperr.Validation))
	_, _, err = svc.CreateItemType(ctx, catalog.ItemTypeInput{SKU: "X", Name: "x", MinStockLevel: testutil.IntPtr(-1)}, nil)
	assert.True(t, errors.Is(err, apperr.Validation))
}

func TestProvisionAllRepairsMissingRows(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()

	// rows written behind the service's back, as after a crash
	for _, code := range []string{"F-KAZ", "F-MSK", "F-SPB"} {
		testutil.CreateBranch(t, db, code, code)
	}
	a := testutil.CreateItemType(t, db, "HP-101", "HP 101", nil)
	testutil.CreateItemType(t, db, "HP-102", "HP 102", nil)
	b := models.Branch{}
	require.NoError(t, db.Where("code = ?", "F-KAZ").Take(&b).Error)
	testutil.CreateStock(t, db, b.ID, a.ID, 7, 1)

	n, err := svc.ProvisionAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, int64(6), countStock(t, db))

	n, err = svc.ProvisionAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "second run finds nothing missing")

	kept := testutil.LoadStock(t, db, b.ID, a.ID)
	assert.Equal(t, 7, kept.OnHand)
	assert.Equal(t, 1, kept.Reserved)
}

func TestSetActive(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()

	branch, _, err := svc.CreateBranch(ctx, catalog.BranchInput{Code: "F-KAZ", Name: "Kazan"}, nil)
	require.NoError(t, err)

	got, err := svc.SetBranchActive(ctx, branch.ID, false, nil)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	// no-op toggles are not audited
	_, err = svc.SetBranchActive(ctx, branch.ID, false, nil)
	require.NoError(t, err)

	var actions []models.AuditAction
	require.NoError(t, db.Model(&models.AuditEntry{}).
		Where("entity_type = ? AND entity_id = ?", models.EntityBranch, branch.ID).
		Order("id").Pluck("action", &actions).Error)
	assert.Equal(t, []models.AuditAction{models.AuditActionCreated, models.AuditActionDeactivated}, actions)

	_, err = svc.SetItemTypeActive(ctx, 999, true, nil)
	assert.True(t, errors.Is(err, apperr.NotFound))
}

func workbook(t *testing.T, rows ...[]any) *bytes.Buffer {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &row))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf
}

func TestImportCounts(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()

	branch, _, err := svc.CreateBranch(ctx, catalog.BranchInput{Code: "F-KAZ", Name: "Kazan"}, nil)
	require.NoError(t, err)
	hp101, _, err := svc.CreateItemType(ctx, catalog.ItemTypeInput{SKU: "HP-101", Name: "HP 101"}, nil)
	require.NoError(t, err)
	hp102, _, err := svc.CreateItemType(ctx, catalog.ItemTypeInput{SKU: "HP-102", Name: "HP 102"}, nil)
	require.NoError(t, err)

	// reserved 3 on HP-102 so a count of 1 falls below reservations
	require.NoError(t, db.Model(&models.StockEntry{}).
		Where("branch_id = ? AND item_type_id = ?", branch.ID, hp102.ID).
		Updates(map[string]any{"on_hand": 5, "reserved": 3}).Error)

	buf := workbook(t,
		[]any{"Branch", "SKU", "Counted"},
		[]any{"F-KAZ", "hp-101", 12},
		[]any{"F-KAZ", "HP-102", 1},
		[]any{"F-XXX", "HP-101", 4},
		[]any{"F-KAZ", "HP-101", "many"},
	)

	res, err := svc.ImportCounts(ctx, buf, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 3, res.Skipped)
	assert.Len(t, res.Errors, 3)

	assert.Equal(t, 12, testutil.LoadStock(t, db, branch.ID, hp101.ID).OnHand)
	assert.Equal(t, 5, testutil.LoadStock(t, db, branch.ID, hp102.ID).OnHand)
}

func TestImportRejectsGarbage(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.ImportCounts(context.Background(), bytes.NewBufferString("not a workbook"), false, nil)
	assert.True(t, errors.Is(err, apperr.Validation))
}
