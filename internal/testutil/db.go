// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"testing"
	"time"

	"supplydesk-backend/internal/config"
	"supplydesk-backend/internal/database"
	"supplydesk-backend/internal/models"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SetupTestDB returns a migrated in-memory SQLite database private to t.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := database.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func Runner(db *gorm.DB) *database.Runner {
	return database.NewRunner(db, config.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}, zap.NewNop())
}

// Clock is a settable clock for deterministic timestamps.
type Clock struct {
	T time.Time
}

func NewClock(t time.Time) *Clock { return &Clock{T: t.UTC()} }

func (c *Clock) Now() time.Time { return c.T }

func (c *Clock) Advance(d time.Duration) { c.T = c.T.Add(d) }

func CreateBranch(t *testing.T, db *gorm.DB, code, name string) models.Branch {
	t.Helper()
	b := models.Branch{Code: code, Name: name, IsActive: true}
	require.NoError(t, db.Create(&b).Error)
	return b
}

func CreateItemType(t *testing.T, db *gorm.DB, sku, name string, minLevel *int) models.ItemType {
	t.Helper()
	it := models.ItemType{SKU: sku, Name: name, MinStockLevel: minLevel, IsActive: true}
	require.NoError(t, db.Create(&it).Error)
	return it
}

// CreateStock writes a stock row directly, bypassing the ledger.
func CreateStock(t *testing.T, db *gorm.DB, branchID, itemTypeID uint, onHand, reserved int) models.StockEntry {
	t.Helper()
	e := models.StockEntry{BranchID: branchID, ItemTypeID: itemTypeID, OnHand: onHand, Reserved: reserved}
	require.NoError(t, db.Create(&e).Error)
	return e
}

func CreateUser(t *testing.T, db *gorm.DB, name string, role models.UserRole, branchID *uint) models.User {
	t.Helper()
	u := models.User{Name: name, Email: name + "@example.com", PasswordHash: "x", Role: role, BranchID: branchID, IsActive: true}
	require.NoError(t, db.Create(&u).Error)
	return u
}

func LoadStock(t *testing.T, db *gorm.DB, branchID, itemTypeID uint) models.StockEntry {
	t.Helper()
	var e models.StockEntry
	require.NoError(t, db.Where("branch_id = ? AND item_type_id = ?", branchID, itemTypeID).First(&e).Error)
	return e
}

func IntPtr(v int) *int { return &v }
