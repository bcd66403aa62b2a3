package ledger

import (
	"context"
	"errors"
	"time"

	"supplydesk-backend/internal/apperr"
	"supplydesk-backend/internal/database"
	"supplydesk-backend/internal/events"
	"supplydesk-backend/internal/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service runs ledger operations that are not part of a request transition.
type Service struct {
	runner  *database.Runner
	ledger  *Ledger
	emitter events.Emitter
	log     *zap.Logger
	tracer  trace.Tracer

	Now func() time.Time
}

func NewService(runner *database.Runner, l *Ledger, emitter events.Emitter, log *zap.Logger) *Service {
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Service{
		runner:  runner,
		ledger:  l,
		emitter: emitter,
		log:     log,
		tracer:  otel.Tracer("supplydesk/ledger"),
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Ledger() *Ledger { return s.ledger }

// AdjustStock corrects on-hand stock by delta, e.g. on goods receipt.
func (s *Service) AdjustStock(ctx context.Context, key Key, delta int, force bool, actorID *uint, note string) (*models.StockEntry, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.AdjustStock", trace.WithAttributes(
		attribute.Int64("branch_id", int64(key.BranchID)),
		attribute.Int64("item_type_id", int64(key.ItemTypeID)),
		attribute.Int("delta", delta),
	))
	defer span.End()

	if delta == 0 {
		return nil, apperr.NewValidation("adjustment delta must not be zero")
	}
	return s.mutate(ctx, key, actorID, func(tx *gorm.DB, meta Meta) (*Change, error) {
		return s.ledger.AdjustOnHand(tx, key, delta, force, meta)
	}, note)
}

// CountStock records a physical inventory count for key.
func (s *Service) CountStock(ctx context.Context, key Key, counted int, force bool, actorID *uint, note string) (*models.StockEntry, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.CountStock")
	defer span.End()

	if counted < 0 {
		return nil, apperr.NewValidation("counted quantity must not be negative, got %d", counted)
	}
	return s.mutate(ctx, key, actorID, func(tx *gorm.DB, meta Meta) (*Change, error) {
		return s.ledger.SetOnHand(tx, key, counted, force, meta)
	}, note)
}

func (s *Service) mutate(ctx context.Context, key Key, actorID *uint, op func(*gorm.DB, Meta) (*Change, error), note string) (*models.StockEntry, error) {
	if err := s.checkCatalog(ctx, key); err != nil {
		return nil, err
	}

	var (
		result models.StockEntry
		buf    events.Buffer
	)
	err := s.runner.Do(ctx, func(tx *gorm.DB) error {
		buf.Reset()
		now := s.Now()
		if _, err := s.ledger.Provision(tx, key, now); err != nil {
			return err
		}
		change, err := op(tx, Meta{ActorID: actorID, Note: note, At: now})
		if err != nil {
			return err
		}
		result = change.After
		buf.Add(change.Events()...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	buf.Flush(ctx, s.emitter)
	return &result, nil
}

// checkCatalog rejects unknown branches and item types before any
// transaction opens.
func (s *Service) checkCatalog(ctx context.Context, key Key) error {
	db := s.runner.DB(ctx)
	var n int64
	if err := db.Model(&models.Branch{}).Where("id = ?", key.BranchID).Count(&n).Error; err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, err, "lookup branch")
	}
	if n == 0 {
		return apperr.NewValidation("unknown branch %d", key.BranchID).With("branch_id", key.BranchID)
	}
	if err := db.Model(&models.ItemType{}).Where("id = ?", key.ItemTypeID).Count(&n).Error; err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, err, "lookup item type")
	}
	if n == 0 {
		return apperr.NewValidation("unknown item type %d", key.ItemTypeID).With("item_type_id", key.ItemTypeID)
	}
	return nil
}

func (s *Service) GetAvailability(ctx context.Context, key Key) (Availability, error) {
	var e models.StockEntry
	err := s.runner.DB(ctx).
		Where("branch_id = ? AND item_type_id = ?", key.BranchID, key.ItemTypeID).
		Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Availability{}, &apperr.Error{
			Kind:    apperr.KindNotFound,
			Message: "no stock entry for this branch and item type",
			Detail:  key.detail(),
		}
	}
	if err != nil {
		return Availability{}, apperr.Wrap(apperr.KindStorageUnavailable, err, "read availability")
	}
	return AvailabilityOf(e), nil
}

// BranchAvailability lists every stock row of a branch ordered by item type.
func (s *Service) BranchAvailability(ctx context.Context, branchID uint) ([]Availability, error) {
	var rows []models.StockEntry
	if err := s.runner.DB(ctx).Where("branch_id = ?", branchID).Order("item_type_id").Find(&rows).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, err, "read availability")
	}
	out := make([]Availability, 0, len(rows))
	for _, r := range rows {
		out = append(out, AvailabilityOf(r))
	}
	return out, nil
}
