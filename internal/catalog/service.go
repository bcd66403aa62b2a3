// Package catalog manages branches and item types and keeps the stock ledger
// provisioned with one row per (branch, item type) pair.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"supplydesk-backend/internal/apperr"
	"supplydesk-backend/internal/audit"
	"supplydesk-backend/internal/database"
	"supplydesk-backend/internal/ledger"
	"supplydesk-backend/internal/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	runner    *database.Runner
	stock     *ledger.Service
	batchSize int
	log       *zap.Logger
	tracer    trace.Tracer

	Now func() time.Time
}

func NewService(runner *database.Runner, stock *ledger.Service, batchSize int, log *zap.Logger) *Service {
	if batchSize < 1 {
		batchSize = 500
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		runner:    runner,
		stock:     stock,
		batchSize: batchSize,
		log:       log,
		tracer:    otel.Tracer("supplydesk/catalog"),
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

type BranchInput struct {
	Code string
	Name string
	City string
}

type ItemTypeInput struct {
	SKU           string
	Name          string
	MinStockLevel *int
}

// CreateBranch adds a branch and provisions a stock row for every item type
// in the same transaction. It returns the number of rows provisioned.
func (s *Service) CreateBranch(ctx context.Context, in BranchInput, actorID *uint) (*models.Branch, int64, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.CreateBranch", trace.WithAttributes(attribute.String("code", in.Code)))
	defer span.End()

	in.Code = strings.ToUpper(strings.TrimSpace(in.Code))
	in.Name = strings.TrimSpace(in.Name)
	in.City = strings.TrimSpace(in.City)
	if in.Code == "" || in.Name == "" {
		return nil, 0, apperr.NewValidation("branch code and name are required")
	}

	var (
		branch  models.Branch
		created int64
	)
	err := s.runner.Do(ctx, func(tx *gorm.DB) error {
		now := s.Now()
		if err := ensureUnique(tx, &models.Branch{}, "code", in.Code); err != nil {
			return err
		}
		branch = models.Branch{Code: in.Code, Name: in.Name, City: in.City, IsActive: true, CreatedAt: now, UpdatedAt: now}
		if err := tx.Create(&branch).Error; err != nil {
			return fmt.Errorf("create branch: %w", err)
		}
		if _, err := audit.WriteLog(tx, audit.LogOptions{
			EntityType: models.EntityBranch,
			EntityID:   branch.ID,
			ActorID:    actorID,
			Action:     models.AuditActionCreated,
			After:      branch,
			At:         now,
		}); err != nil {
			return err
		}

		var err error
		created, err = s.provisionMissing(tx, "b.id = ?", branch.ID)
		if err != nil {
			return err
		}
		return s.auditProvisioned(tx, models.EntityBranch, branch.ID, created, actorID, now)
	})
	if err != nil {
		return nil, 0, err
	}

	s.log.Info("branch created",
		zap.Uint("branch_id", branch.ID),
		zap.String("code", branch.Code),
		zap.Int64("provisioned", created),
	)
	return &branch, created, nil
}

// CreateItemType adds an item type and provisions it for every branch.
func (s *Service) CreateItemType(ctx context.Context, in ItemTypeInput, actorID *uint) (*models.ItemType, int64, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.CreateItemType", trace.WithAttributes(attribute.String("sku", in.SKU)))
	defer span.End()

	in.SKU = strings.ToUpper(strings.TrimSpace(in.SKU))
	in.Name = strings.TrimSpace(in.Name)
	if in.SKU == "" || in.Name == "" {
		return nil, 0, apperr.NewValidation("item type sku and name are required")
	}
	if in.MinStockLevel != nil && *in.MinStockLevel < 0 {
		return nil, 0, apperr.NewValidation("min stock level must not be negative, got %d", *in.MinStockLevel)
	}

	var (
		item    models.ItemType
		created int64
	)
	err := s.runner.Do(ctx, func(tx *gorm.DB) error {
		now := s.Now()
		if err := ensureUnique(tx, &models.ItemType{}, "sku", in.SKU); err != nil {
			return err
		}
		item = models.ItemType{SKU: in.SKU, Name: in.Name, MinStockLevel: in.MinStockLevel, IsActive: true, CreatedAt: now, UpdatedAt: now}
		if err := tx.Create(&item).Error; err != nil {
			return fmt.Errorf("create item type: %w", err)
		}
		if _, err := audit.WriteLog(tx, audit.LogOptions{
			EntityType: models.EntityItemType,
			EntityID:   item.ID,
			ActorID:    actorID,
			Action:     models.AuditActionCreated,
			After:      item,
			At:         now,
		}); err != nil {
			return err
		}

		var err error
		created, err = s.provisionMissing(tx, "i.id = ?", item.ID)
		if err != nil {
			return err
		}
		return s.auditProvisioned(tx, models.EntityItemType, item.ID, created, actorID, now)
	})
	if err != nil {
		return nil, 0, err
	}

	s.log.Info("item type created",
		zap.Uint("item_type_id", item.ID),
		zap.String("sku", item.SKU),
		zap.Int64("provisioned", created),
	)
	return &item, created, nil
}

// ProvisionAll inserts every missing (branch, item type) row. Safe to re-run;
// the server calls it at startup to repair a crash between catalog insert and
// provisioning.
func (s *Service) ProvisionAll(ctx context.Context) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.ProvisionAll")
	defer span.End()

	var created int64
	err := s.runner.Do(ctx, func(tx *gorm.DB) error {
		var err error
		created, err = s.provisionMissing(tx, "")
		return err
	})
	if err != nil {
		return 0, err
	}
	if created > 0 {
		s.log.Info("stock rows provisioned", zap.Int64("created", created))
	}
	return created, nil
}

// SetBranchActive toggles a branch. Inactive branches cannot raise new
// requests; stock and open requests are left as they are.
func (s *Service) SetBranchActive(ctx context.Context, id uint, active bool, actorID *uint) (*models.Branch, error) {
	var branch models.Branch
	err := s.runner.Do(ctx, func(tx *gorm.DB) error {
		if err := tx.Take(&branch, id).Error; err != nil {
			return notFound(err, "branch", id)
		}
		return s.toggle(tx, &branch, models.EntityBranch, branch.ID, &branch.IsActive, active, actorID)
	})
	if err != nil {
		return nil, err
	}
	return &branch, nil
}

func (s *Service) SetItemTypeActive(ctx context.Context, id uint, active bool, actorID *uint) (*models.ItemType, error) {
	var item models.ItemType
	err := s.runner.Do(ctx, func(tx *gorm.DB) error {
		if err := tx.Take(&item, id).Error; err != nil {
			return notFound(err, "item type", id)
		}
		return s.toggle(tx, &item, models.EntityItemType, item.ID, &item.IsActive, active, actorID)
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Service) toggle(tx *gorm.DB, model any, entity string, id uint, flag *bool, active bool, actorID *uint) error {
	if *flag == active {
		return nil
	}
	now := s.Now()
	if err := tx.Model(model).Updates(map[string]any{"is_active": active, "updated_at": now}).Error; err != nil {
		return fmt.Errorf("update %s %d: %w", entity, id, err)
	}
	*flag = active

	action := models.AuditActionDeactivated
	if active {
		action = models.AuditActionActivated
	}
	_, err := audit.WriteLog(tx, audit.LogOptions{
		EntityType: entity,
		EntityID:   id,
		ActorID:    actorID,
		Action:     action,
		Before:     map[string]bool{"is_active": !active},
		After:      map[string]bool{"is_active": active},
		At:         now,
	})
	return err
}

func (s *Service) ListBranches(ctx context.Context) ([]models.Branch, error) {
	var rows []models.Branch
	if err := s.runner.DB(ctx).Order("code").Find(&rows).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, err, "list branches")
	}
	return rows, nil
}

func (s *Service) ListItemTypes(ctx context.Context) ([]models.ItemType, error) {
	var rows []models.ItemType
	if err := s.runner.DB(ctx).Order("sku").Find(&rows).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, err, "list item types")
	}
	return rows, nil
}

type pair struct {
	BranchID   uint
	ItemTypeID uint
}

// provisionMissing finds pairs of the cross product without a stock row,
// optionally narrowed by filter, and inserts them in batches.
func (s *Service) provisionMissing(tx *gorm.DB, filter string, args ...any) (int64, error) {
	q := tx.Table("branches AS b").
		Select("b.id AS branch_id, i.id AS item_type_id").
		Joins("CROSS JOIN item_types AS i").
		Joins("LEFT JOIN stock_entries AS s ON s.branch_id = b.id AND s.item_type_id = i.id").
		Where("s.id IS NULL")
	if filter != "" {
		q = q.Where(filter, args...)
	}

	var missing []pair
	if err := q.Order("b.id, i.id").Scan(&missing).Error; err != nil {
		return 0, fmt.Errorf("find missing stock rows: %w", err)
	}
	if len(missing) == 0 {
		return 0, nil
	}

	now := s.Now()
	rows := make([]models.StockEntry, 0, len(missing))
	for _, p := range missing {
		rows = append(rows, models.StockEntry{BranchID: p.BranchID, ItemTypeID: p.ItemTypeID, CreatedAt: now, UpdatedAt: now})
	}
	return s.stock.Ledger().ProvisionBatch(tx, rows, s.batchSize)
}

func (s *Service) auditProvisioned(tx *gorm.DB, entity string, id uint, created int64, actorID *uint, at time.Time) error {
	if created == 0 {
		return nil
	}
	_, err := audit.WriteLog(tx, audit.LogOptions{
		EntityType: entity,
		EntityID:   id,
		ActorID:    actorID,
		Action:     models.AuditActionProvisioned,
		After:      map[string]int64{"created": created},
		At:         at,
	})
	return err
}

// ensureUnique runs inside the transaction so a retry after a racing insert
// sees the winner and reports a validation error instead of looping.
func ensureUnique(tx *gorm.DB, model any, column, value string) error {
	var n int64
	if err := tx.Model(model).Where(column+" = ?", value).Count(&n).Error; err != nil {
		return fmt.Errorf("check %s: %w", column, err)
	}
	if n > 0 {
		return apperr.NewValidation("%s %q already exists", column, value).With(column, value)
	}
	return nil
}

func notFound(err error, what string, id uint) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NewNotFound("%s %d not found", what, id).With("id", id)
	}
	return err
}
