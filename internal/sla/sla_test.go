package sla_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"supplydesk-backend/internal/audit"
	"supplydesk-backend/internal/config"
	"supplydesk-backend/internal/events"
	"supplydesk-backend/internal/ledger"
	"supplydesk-backend/internal/lifecycle"
	"supplydesk-backend/internal/models"
	"supplydesk-backend/internal/sla"
	"supplydesk-backend/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func TestPolicyDeadline(t *testing.T) {
	p := sla.NewPolicy(config.DefaultSLAPolicy())

	deadline, warnAt := p.Deadline(models.PriorityUrgent, t0)
	assert.Equal(t, t0.Add(4*time.Hour), deadline)
	assert.Equal(t, t0.Add(192*time.Minute), warnAt)

	deadline, _ = p.Deadline(models.PriorityLow, t0)
	assert.Equal(t, t0.Add(168*time.Hour), deadline)
	assert.Equal(t, 72*time.Hour, p.Duration(models.PriorityNormal))
}

type fixture struct {
	db      *gorm.DB
	mgr     *lifecycle.Manager
	monitor *sla.Monitor
	feed    <-chan events.Event
	item    models.ItemType
	branch  models.Branch
	user    models.User
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := testutil.SetupTestDB(t)
	f := &fixture{db: db}
	f.branch = testutil.CreateBranch(t, db, "F-KAZ", "Kazan")
	f.item = testutil.CreateItemType(t, db, "HP-101", "HP 101", nil)
	testutil.CreateStock(t, db, f.branch.ID, f.item.ID, 100, 0)
	f.user = testutil.CreateUser(t, db, "olga", models.RoleBranchUser, &f.branch.ID)

	bus := events.NewBus(zap.NewNop())
	f.feed = bus.Subscribe("test", 64)
	runner := testutil.Runner(db)
	f.mgr = lifecycle.NewManager(runner, ledger.New(config.LedgerPolicy{}, zap.NewNop()),
		sla.NewPolicy(config.DefaultSLAPolicy()), nil, zap.NewNop())
	f.mgr.Now = testutil.NewClock(t0).Now
	f.monitor = sla.NewMonitor(runner, bus, 2, zap.NewNop())
	return f
}

func (f *fixture) create(t *testing.T, p models.Priority) *models.Request {
	t.Helper()
	req, err := f.mgr.Create(context.Background(), lifecycle.CreateInput{
		BranchID:    f.branch.ID,
		RequesterID: f.user.ID,
		Priority:    p,
		Lines:       []lifecycle.LineInput{{ItemTypeID: f.item.ID, Quantity: 1}},
	})
	require.NoError(t, err)
	return req
}

func (f *fixture) drain() map[events.Type]int {
	out := map[events.Type]int{}
	for {
		select {
		case ev := <-f.feed:
			out[ev.Type]++
		default:
			return out
		}
	}
}

func TestUrgentRequestViolatesOnce(t *testing.T) {
	f := setup(t)
	req := f.create(t, models.PriorityUrgent)
	assert.Equal(t, t0.Add(4*time.Hour), req.SLADeadline)

	res, err := f.monitor.Sweep(context.Background(), t0.Add(5*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, sla.SweepResult{WarningsEmitted: 1, ViolationsEmitted: 1}, res)
	assert.Equal(t, map[events.Type]int{events.SlaWarning: 1, events.SlaViolation: 1}, f.drain())

	res, err = f.monitor.Sweep(context.Background(), t0.Add(6*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, res.ViolationsEmitted)
	assert.Zero(t, res.WarningsEmitted)
	assert.Empty(t, f.drain())

	var got models.Request
	require.NoError(t, f.db.Take(&got, req.ID).Error)
	require.NotNil(t, got.SLANotifiedAt)
	assert.True(t, got.SLANotifiedAt.Equal(t0.Add(5*time.Hour)))
}

func TestWarningFiresBeforeViolation(t *testing.T) {
	f := setup(t)
	req := f.create(t, models.PriorityUrgent)

	res, err := f.monitor.Sweep(context.Background(), t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, sla.SweepResult{}, res, "before the warning threshold")

	res, err = f.monitor.Sweep(context.Background(), t0.Add(3*time.Hour+30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, sla.SweepResult{WarningsEmitted: 1}, res)

	res, err = f.monitor.Sweep(context.Background(), t0.Add(4*time.Hour+time.Second))
	require.NoError(t, err)
	assert.Equal(t, sla.SweepResult{ViolationsEmitted: 1}, res)

	entries, err := audit.Collect(audit.NewLog(f.db, 10).History(context.Background(), models.EntityRequest, req.ID))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, models.AuditActionSLAWarning, entries[1].Action)
	assert.Equal(t, models.AuditActionSLAViolation, entries[2].Action)
	status, ok := audit.StatusOf(entries[2])
	require.True(t, ok)
	assert.Equal(t, "new", status)
}

func TestConcurrentSweepsEmitOnce(t *testing.T) {
	f := setup(t)
	for i := 0; i < 5; i++ {
		f.create(t, models.PriorityUrgent)
	}

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		violations int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.monitor.Sweep(context.Background(), t0.Add(5*time.Hour))
			assert.NoError(t, err)
			mu.Lock()
			violations += res.ViolationsEmitted
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, violations)
	assert.Equal(t, 5, f.drain()[events.SlaViolation])

	var stamped int64
	f.db.Model(&models.Request{}).Where("sla_notified_at IS NOT NULL").Count(&stamped)
	assert.Equal(t, int64(5), stamped)
}

func TestSweepSkipsDeliveredAndClosed(t *testing.T) {
	f := setup(t)
	cancelled := f.create(t, models.PriorityUrgent)
	_, err := f.mgr.Transition(context.Background(), cancelled.ID, lifecycle.TransitionInput{Event: lifecycle.EventCancel})
	require.NoError(t, err)

	delivered := f.create(t, models.PriorityUrgent)
	for _, ev := range []lifecycle.Event{lifecycle.EventApprove, lifecycle.EventStart} {
		_, err := f.mgr.Transition(context.Background(), delivered.ID, lifecycle.TransitionInput{Event: ev})
		require.NoError(t, err)
	}
	_, err = f.mgr.Transition(context.Background(), delivered.ID, lifecycle.TransitionInput{
		Event:      lifecycle.EventDeliver,
		Deliveries: []lifecycle.Delivery{{ItemTypeID: f.item.ID, Quantity: 1}},
	})
	require.NoError(t, err)

	res, err := f.monitor.Sweep(context.Background(), t0.Add(10*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, sla.SweepResult{}, res)
}

func TestSweepHonoursCancellation(t *testing.T) {
	f := setup(t)
	f.create(t, models.PriorityUrgent)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.monitor.Sweep(ctx, t0.Add(5*time.Hour))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSchedulerSweepsPeriodically(t *testing.T) {
	f := setup(t)
	f.create(t, models.PriorityUrgent)

	s := sla.NewScheduler(f.monitor, 5*time.Millisecond, zap.NewNop())
	s.Now = func() time.Time { return t0.Add(5 * time.Hour) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		var n int64
		f.db.Model(&models.Request{}).Where("sla_notified_at IS NOT NULL").Count(&n)
		return n == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
