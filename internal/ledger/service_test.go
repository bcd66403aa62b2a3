package ledger_test

import (
	"context"
	"errors"
	"testing"

	"supplydesk-backend/internal/apperr"
	"supplydesk-backend/internal/config"
	"supplydesk-backend/internal/events"
	"supplydesk-backend/internal/ledger"
	"supplydesk-backend/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestServiceAdjustStock(t *testing.T) {
	db := testutil.SetupTestDB(t)
	b := testutil.CreateBranch(t, db, "F-KAZ", "Kazan")
	it := testutil.CreateItemType(t, db, "HP-101", "HP 101 Black", testutil.IntPtr(3))
	key := ledger.Key{BranchID: b.ID, ItemTypeID: it.ID}

	bus := events.NewBus(zap.NewNop())
	feed := bus.Subscribe("test", 8)
	svc := ledger.NewService(testutil.Runner(db), ledger.New(config.LedgerPolicy{}, zap.NewNop()), bus, zap.NewNop())
	svc.Now = testutil.NewClock(t0).Now
	ctx := context.Background()

	// no stock row yet: adjusting provisions it first
	entry, err := svc.AdjustStock(ctx, key, 10, false, nil, "initial receipt")
	require.NoError(t, err)
	assert.Equal(t, 10, entry.OnHand)
	assert.Empty(t, feed)

	_, err = svc.AdjustStock(ctx, key, -8, false, nil, "write-off")
	require.NoError(t, err)
	require.Len(t, feed, 1)
	assert.Equal(t, events.StockLow, (<-feed).Type)

	a, err := svc.GetAvailability(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, ledger.Availability{BranchID: b.ID, ItemTypeID: it.ID, OnHand: 2, Available: 2}, a)

	entry, err = svc.CountStock(ctx, key, 7, false, nil, "inventory count")
	require.NoError(t, err)
	assert.Equal(t, 7, entry.OnHand)

	rows, err := svc.BranchAvailability(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestServiceValidatesBeforeTransaction(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := ledger.NewService(testutil.Runner(db), ledger.New(config.LedgerPolicy{}, zap.NewNop()), nil, zap.NewNop())

	_, err := svc.AdjustStock(context.Background(), ledger.Key{BranchID: 99, ItemTypeID: 1}, 1, false, nil, "")
	assert.True(t, errors.Is(err, apperr.Validation))

	_, err = svc.GetAvailability(context.Background(), ledger.Key{BranchID: 99, ItemTypeID: 1})
	assert.True(t, errors.Is(err, apperr.NotFound))
}
