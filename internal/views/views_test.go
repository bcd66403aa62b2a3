package views_test

import (
	"context"
	"testing"
	"time"

	"supplydesk-backend/internal/config"
	"supplydesk-backend/internal/ledger"
	"supplydesk-backend/internal/lifecycle"
	"supplydesk-backend/internal/models"
	"supplydesk-backend/internal/sla"
	"supplydesk-backend/internal/testutil"
	"supplydesk-backend/internal/views"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func TestLevelOf(t *testing.T) {
	min5 := testutil.IntPtr(5)
	assert.Equal(t, views.LevelEmpty, views.LevelOf(0, min5))
	assert.Equal(t, views.LevelEmpty, views.LevelOf(-2, nil))
	assert.Equal(t, views.LevelLow, views.LevelOf(4, min5))
	assert.Equal(t, views.LevelOK, views.LevelOf(5, min5))
	assert.Equal(t, views.LevelOK, views.LevelOf(1, nil))
}

func TestSLAStatusOf(t *testing.T) {
	deadline := t0.Add(4 * time.Hour)
	assert.Equal(t, views.SLAWithin, views.SLAStatusOf(models.StatusApproved, deadline, t0))
	assert.Equal(t, views.SLAOverdue, views.SLAStatusOf(models.StatusInProgress, deadline, t0.Add(5*time.Hour)))
	assert.Equal(t, views.SLACompleted, views.SLAStatusOf(models.StatusDelivered, deadline, t0.Add(5*time.Hour)))
	assert.Equal(t, views.SLACompleted, views.SLAStatusOf(models.StatusCancelled, deadline, t0.Add(5*time.Hour)))
}

func TestViews(t *testing.T) {
	db := testutil.SetupTestDB(t)
	kaz := testutil.CreateBranch(t, db, "F-KAZ", "Kazan")
	msk := testutil.CreateBranch(t, db, "F-MSK", "Moscow")
	hp101 := testutil.CreateItemType(t, db, "HP-101", "HP 101", testutil.IntPtr(3))
	hp102 := testutil.CreateItemType(t, db, "HP-102", "HP 102", nil)
	testutil.CreateStock(t, db, kaz.ID, hp101.ID, 5, 0)
	testutil.CreateStock(t, db, kaz.ID, hp102.ID, 2, 0)
	testutil.CreateStock(t, db, msk.ID, hp101.ID, 0, 0)
	user := testutil.CreateUser(t, db, "olga", models.RoleBranchUser, &kaz.ID)
	exec := testutil.CreateUser(t, db, "ivan", models.RoleExecutor, nil)

	runner := testutil.Runner(db)
	mgr := lifecycle.NewManager(runner, ledger.New(config.LedgerPolicy{}, zap.NewNop()),
		sla.NewPolicy(config.DefaultSLAPolicy()), nil, zap.NewNop())
	mgr.Now = testutil.NewClock(t0).Now
	ctx := context.Background()

	create := func(p models.Priority, item models.ItemType, qty int) *models.Request {
		req, err := mgr.Create(ctx, lifecycle.CreateInput{
			BranchID: kaz.ID, RequesterID: user.ID, Priority: p,
			Lines: []lifecycle.LineInput{{ItemTypeID: item.ID, Quantity: qty}},
		})
		require.NoError(t, err)
		return req
	}
	normal := create(models.PriorityNormal, hp101, 3)
	urgent := create(models.PriorityUrgent, hp102, 2)
	closed := create(models.PriorityLow, hp101, 1)
	_, err := mgr.Transition(ctx, closed.ID, lifecycle.TransitionInput{Event: lifecycle.EventCancel})
	require.NoError(t, err)
	_, err = mgr.Transition(ctx, normal.ID, lifecycle.TransitionInput{Event: lifecycle.EventAssign, ExecutorID: &exec.ID})
	require.NoError(t, err)

	svc := views.NewService(runner)
	svc.Now = func() time.Time { return t0.Add(5 * time.Hour) }

	t.Run("active requests", func(t *testing.T) {
		rows, err := svc.ActiveRequests(ctx, 0)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, urgent.ID, rows[0].ID, "urgent first")
		assert.True(t, rows[0].IsOverdue)
		assert.Equal(t, "F-KAZ", rows[0].BranchCode)
		assert.Equal(t, "olga", rows[0].RequesterName)
		assert.False(t, rows[1].IsOverdue)
		require.NotNil(t, rows[1].ExecutorName)
		assert.Equal(t, "ivan", *rows[1].ExecutorName)

		rows, err = svc.ActiveRequests(ctx, msk.ID)
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("stock alerts", func(t *testing.T) {
		rows, err := svc.StockAlerts(ctx, 0, false)
		require.NoError(t, err)
		require.Len(t, rows, 3)

		levels := map[string]views.StockLevel{}
		for _, r := range rows {
			levels[r.BranchCode+"/"+r.SKU] = r.Level
		}
		assert.Equal(t, map[string]views.StockLevel{
			"F-KAZ/HP-101": views.LevelLow,   // 5 on hand, 3 reserved, min 3
			"F-KAZ/HP-102": views.LevelEmpty, // 2 on hand, 2 reserved
			"F-MSK/HP-101": views.LevelEmpty,
		}, levels)

		rows, err = svc.StockAlerts(ctx, kaz.ID, true)
		require.NoError(t, err)
		assert.Len(t, rows, 2)
	})

	t.Run("sla monitor", func(t *testing.T) {
		rows, err := svc.SlaMonitor(ctx, kaz.ID)
		require.NoError(t, err)
		require.Len(t, rows, 3)

		status := map[uint]views.SLAStatus{}
		for _, r := range rows {
			status[r.ID] = r.SLAStatus
		}
		assert.Equal(t, views.SLAOverdue, status[urgent.ID])
		assert.Equal(t, views.SLAWithin, status[normal.ID])
		assert.Equal(t, views.SLACompleted, status[closed.ID])
	})
}
