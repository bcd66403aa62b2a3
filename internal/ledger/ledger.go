// Package ledger owns per-branch stock counts. Every operation runs on the
// caller's transaction and locks the rows it touches, so reservation state
// commits or rolls back together with the request change that caused it.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"supplydesk-backend/internal/apperr"
	"supplydesk-backend/internal/audit"
	"supplydesk-backend/internal/config"
	"supplydesk-backend/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Key struct {
	BranchID   uint
	ItemTypeID uint
}

func (k Key) detail() map[string]any {
	return map[string]any{"branch_id": k.BranchID, "item_type_id": k.ItemTypeID}
}

// Meta describes who caused a mutation, for the audit trail.
type Meta struct {
	ActorID *uint
	Note    string
	At      time.Time
}

type Ledger struct {
	policy config.LedgerPolicy
	log    *zap.Logger
}

func New(policy config.LedgerPolicy, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{policy: policy, log: log}
}

func (l *Ledger) Policy() config.LedgerPolicy { return l.policy }

var stockConflict = clause.OnConflict{
	Columns:   []clause.Column{{Name: "branch_id"}, {Name: "item_type_id"}},
	DoNothing: true,
}

// Provision creates the zero row for key if it is missing. It reports whether
// a row was inserted.
func (l *Ledger) Provision(tx *gorm.DB, key Key, at time.Time) (bool, error) {
	entry := models.StockEntry{BranchID: key.BranchID, ItemTypeID: key.ItemTypeID, CreatedAt: at, UpdatedAt: at}
	res := tx.Clauses(stockConflict).Create(&entry)
	if res.Error != nil {
		return false, fmt.Errorf("provision stock %d/%d: %w", key.BranchID, key.ItemTypeID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ProvisionBatch inserts rows in batches, skipping pairs that already exist,
// and returns how many were inserted.
func (l *Ledger) ProvisionBatch(tx *gorm.DB, rows []models.StockEntry, batchSize int) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	res := tx.Clauses(stockConflict).CreateInBatches(&rows, batchSize)
	if res.Error != nil {
		return 0, fmt.Errorf("provision stock batch: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Lock reads the entry for key with a row lock held until the transaction ends.
func Lock(tx *gorm.DB, key Key) (*models.StockEntry, error) {
	var e models.StockEntry
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("branch_id = ? AND item_type_id = ?", key.BranchID, key.ItemTypeID).
		Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &apperr.Error{
			Kind:    apperr.KindNotFound,
			Message: fmt.Sprintf("no stock entry for branch %d item type %d", key.BranchID, key.ItemTypeID),
			Detail:  key.detail(),
		}
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Reserve earmarks qty units. Without backorder the reservation must fit in
// on-hand stock. Backorder needs both the ledger policy and the caller's
// opt-in, and is capped at MaxOversubscription units beyond on-hand.
func (l *Ledger) Reserve(tx *gorm.DB, key Key, qty int, backorder bool, meta Meta) (*Change, error) {
	if qty <= 0 {
		return nil, apperr.NewValidation("reserve quantity must be positive, got %d", qty)
	}
	e, err := Lock(tx, key)
	if err != nil {
		return nil, err
	}
	before := *e

	if e.Reserved+qty > e.OnHand {
		over := e.Reserved + qty - e.OnHand
		allowed := backorder && l.policy.AllowBackorder && over <= l.policy.MaxOversubscription
		if !allowed {
			detail := key.detail()
			detail["on_hand"] = e.OnHand
			detail["reserved"] = e.Reserved
			detail["available"] = e.Available()
			detail["requested"] = qty
			return nil, &apperr.Error{
				Kind:    apperr.KindInsufficientStock,
				Message: fmt.Sprintf("insufficient stock: available %d, requested %d", e.Available(), qty),
				Detail:  detail,
			}
		}
		l.log.Info("backorder reservation",
			zap.Uint("branch_id", key.BranchID),
			zap.Uint("item_type_id", key.ItemTypeID),
			zap.Int("shortfall", over),
		)
	}

	e.Reserved += qty
	return l.apply(tx, before, e, models.AuditActionReserved, meta)
}

// Release gives back up to qty reserved units; it never drives reserved negative.
func (l *Ledger) Release(tx *gorm.DB, key Key, qty int, meta Meta) (*Change, error) {
	if qty <= 0 {
		return nil, apperr.NewValidation("release quantity must be positive, got %d", qty)
	}
	e, err := Lock(tx, key)
	if err != nil {
		return nil, err
	}
	before := *e
	e.Reserved -= min(qty, e.Reserved)
	return l.apply(tx, before, e, models.AuditActionReleased, meta)
}

// Consume removes delivered units from both on-hand and reserved.
func (l *Ledger) Consume(tx *gorm.DB, key Key, qty int, meta Meta) (*Change, error) {
	if qty <= 0 {
		return nil, apperr.NewValidation("consume quantity must be positive, got %d", qty)
	}
	e, err := Lock(tx, key)
	if err != nil {
		return nil, err
	}
	if qty > e.Reserved || qty > e.OnHand {
		detail := key.detail()
		detail["on_hand"] = e.OnHand
		detail["reserved"] = e.Reserved
		detail["requested"] = qty
		return nil, &apperr.Error{
			Kind:    apperr.KindInvalidConsumption,
			Message: fmt.Sprintf("cannot consume %d: reserved %d, on hand %d", qty, e.Reserved, e.OnHand),
			Detail:  detail,
		}
	}
	before := *e
	e.OnHand -= qty
	e.Reserved -= qty
	return l.apply(tx, before, e, models.AuditActionConsumed, meta)
}

// AdjustOnHand applies an administrative correction. Dropping below reserved
// needs force, and a forced adjustment leaves reservations in place.
func (l *Ledger) AdjustOnHand(tx *gorm.DB, key Key, delta int, force bool, meta Meta) (*Change, error) {
	if delta == 0 {
		return nil, apperr.NewValidation("adjustment delta must not be zero")
	}
	e, err := Lock(tx, key)
	if err != nil {
		return nil, err
	}
	return l.adjust(tx, key, e, e.OnHand+delta, force, meta)
}

// SetOnHand records a physical count, adjusting by whatever delta it implies.
func (l *Ledger) SetOnHand(tx *gorm.DB, key Key, counted int, force bool, meta Meta) (*Change, error) {
	e, err := Lock(tx, key)
	if err != nil {
		return nil, err
	}
	if counted == e.OnHand {
		return &Change{Before: *e, After: *e, At: meta.At}, nil
	}
	return l.adjust(tx, key, e, counted, force, meta)
}

func (l *Ledger) adjust(tx *gorm.DB, key Key, e *models.StockEntry, newOnHand int, force bool, meta Meta) (*Change, error) {
	if newOnHand < 0 {
		detail := key.detail()
		detail["on_hand"] = e.OnHand
		detail["new_on_hand"] = newOnHand
		return nil, &apperr.Error{
			Kind:    apperr.KindValidation,
			Message: fmt.Sprintf("on hand cannot go negative: %d -> %d", e.OnHand, newOnHand),
			Detail:  detail,
		}
	}
	if newOnHand < e.Reserved {
		if !force {
			detail := key.detail()
			detail["reserved"] = e.Reserved
			detail["new_on_hand"] = newOnHand
			return nil, &apperr.Error{
				Kind:    apperr.KindStockBelowReserved,
				Message: fmt.Sprintf("on hand %d would fall below reserved %d", newOnHand, e.Reserved),
				Detail:  detail,
			}
		}
		l.log.Warn("forced stock adjustment below reserved",
			zap.Uint("branch_id", key.BranchID),
			zap.Uint("item_type_id", key.ItemTypeID),
			zap.Int("on_hand", newOnHand),
			zap.Int("reserved", e.Reserved),
		)
	}

	before := *e
	e.OnHand = newOnHand
	return l.apply(tx, before, e, models.AuditActionAdjusted, meta)
}

func (l *Ledger) apply(tx *gorm.DB, before models.StockEntry, e *models.StockEntry, action models.AuditAction, meta Meta) (*Change, error) {
	e.Shortfall = max(0, e.Reserved-e.OnHand)
	e.UpdatedAt = meta.At

	err := tx.Model(&models.StockEntry{}).
		Where("id = ?", e.ID).
		Updates(map[string]any{
			"on_hand":    e.OnHand,
			"reserved":   e.Reserved,
			"shortfall":  e.Shortfall,
			"updated_at": e.UpdatedAt,
		}).Error
	if err != nil {
		return nil, fmt.Errorf("update stock entry %d: %w", e.ID, err)
	}

	if _, err := audit.WriteLog(tx, audit.LogOptions{
		EntityType: models.EntityStockEntry,
		EntityID:   e.ID,
		ActorID:    meta.ActorID,
		Action:     action,
		Before:     stateOf(before),
		After:      stateOf(*e),
		Note:       meta.Note,
		At:         meta.At,
	}); err != nil {
		return nil, err
	}

	var it models.ItemType
	if err := tx.Select("id", "min_stock_level").Take(&it, e.ItemTypeID).Error; err != nil {
		return nil, fmt.Errorf("load item type %d: %w", e.ItemTypeID, err)
	}

	return &Change{Before: before, After: *e, MinStockLevel: it.MinStockLevel, At: meta.At}, nil
}

type stockState struct {
	OnHand    int `json:"on_hand"`
	Reserved  int `json:"reserved"`
	Available int `json:"available"`
	Shortfall int `json:"shortfall"`
}

func stateOf(e models.StockEntry) stockState {
	return stockState{OnHand: e.OnHand, Reserved: e.Reserved, Available: e.Available(), Shortfall: e.Shortfall}
}
