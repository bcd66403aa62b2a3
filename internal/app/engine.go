// Package app assembles the engine services and exposes them over HTTP.
package app

import (
	"context"
	"iter"
	"time"

	"supplydesk-backend/internal/audit"
	"supplydesk-backend/internal/catalog"
	"supplydesk-backend/internal/config"
	"supplydesk-backend/internal/database"
	"supplydesk-backend/internal/events"
	"supplydesk-backend/internal/ledger"
	"supplydesk-backend/internal/lifecycle"
	"supplydesk-backend/internal/models"
	"supplydesk-backend/internal/sla"
	"supplydesk-backend/internal/views"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Engine owns one instance of every service and shares a single runner,
// ledger and emitter between them.
type Engine struct {
	Config *config.Config
	DB     *gorm.DB
	Runner *database.Runner

	Stock     *ledger.Service
	Catalog   *catalog.Service
	Requests  *lifecycle.Manager
	Monitor   *sla.Monitor
	Views     *views.Service
	Audit     *audit.Log
	Scheduler *sla.Scheduler

	Now func() time.Time
}

// NewEngine wires the services over db. emitter receives events after commit.
func NewEngine(cfg *config.Config, db *gorm.DB, emitter events.Emitter, log *zap.Logger) *Engine {
	runner := database.NewRunner(db, cfg.Retry, log.Named("tx"))
	l := ledger.New(cfg.Ledger, log.Named("ledger"))
	stock := ledger.NewService(runner, l, emitter, log.Named("stock"))
	monitor := sla.NewMonitor(runner, emitter, cfg.SweepBatchSize, log.Named("sla"))

	return &Engine{
		Config:    cfg,
		DB:        db,
		Runner:    runner,
		Stock:     stock,
		Catalog:   catalog.NewService(runner, stock, cfg.ProvisionBatchSize, log.Named("catalog")),
		Requests:  lifecycle.NewManager(runner, l, sla.NewPolicy(cfg.SLA), emitter, log.Named("lifecycle")),
		Monitor:   monitor,
		Views:     views.NewService(runner),
		Audit:     audit.NewLog(db, cfg.AuditPageSize),
		Scheduler: sla.NewScheduler(monitor, cfg.SweepInterval, log.Named("sla")),
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source of every service.
func (e *Engine) SetClock(now func() time.Time) {
	e.Now = now
	e.Stock.Now = now
	e.Catalog.Now = now
	e.Requests.Now = now
	e.Views.Now = now
	e.Scheduler.Now = now
}

func (e *Engine) CreateRequest(ctx context.Context, in lifecycle.CreateInput) (*models.Request, error) {
	return e.Requests.Create(ctx, in)
}

func (e *Engine) Transition(ctx context.Context, requestID uint, in lifecycle.TransitionInput) (*models.Request, error) {
	return e.Requests.Transition(ctx, requestID, in)
}

func (e *Engine) AdjustStock(ctx context.Context, key ledger.Key, delta int, force bool, actorID *uint, note string) (*models.StockEntry, error) {
	return e.Stock.AdjustStock(ctx, key, delta, force, actorID, note)
}

func (e *Engine) GetAvailability(ctx context.Context, key ledger.Key) (ledger.Availability, error) {
	return e.Stock.GetAvailability(ctx, key)
}

// RunSlaSweep sweeps as of the engine clock.
func (e *Engine) RunSlaSweep(ctx context.Context) (sla.SweepResult, error) {
	return e.Monitor.Sweep(ctx, e.Now())
}

func (e *Engine) History(ctx context.Context, entityType string, entityID uint) iter.Seq2[models.AuditEntry, error] {
	return e.Audit.History(ctx, entityType, entityID)
}

func (e *Engine) ActiveRequests(ctx context.Context, branchID uint) ([]views.ActiveRequest, error) {
	return e.Views.ActiveRequests(ctx, branchID)
}

func (e *Engine) StockAlerts(ctx context.Context, branchID uint, problemsOnly bool) ([]views.StockAlert, error) {
	return e.Views.StockAlerts(ctx, branchID, problemsOnly)
}

func (e *Engine) SlaMonitor(ctx context.Context, branchID uint) ([]views.SLAEntry, error) {
	return e.Views.SlaMonitor(ctx, branchID)
}
