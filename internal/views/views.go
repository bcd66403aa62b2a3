// Package views serves the derived read models: open requests, stock alerts
// and SLA standing. Nothing here writes.
package views

import (
	"cmp"
	"context"
	"slices"
	"time"

	"supplydesk-backend/internal/apperr"
	"supplydesk-backend/internal/database"
	"supplydesk-backend/internal/models"
)

type StockLevel string

const (
	LevelEmpty StockLevel = "empty"
	LevelLow   StockLevel = "low"
	LevelOK    StockLevel = "ok"
)

type SLAStatus string

const (
	SLAWithin    SLAStatus = "within_sla"
	SLAOverdue   SLAStatus = "overdue"
	SLACompleted SLAStatus = "completed"
)

type ActiveRequest struct {
	ID            uint                 `json:"id"`
	Code          string               `json:"code"`
	BranchID      uint                 `json:"branch_id"`
	BranchCode    string               `json:"branch_code"`
	BranchName    string               `json:"branch_name"`
	RequesterName string               `json:"requester_name"`
	ExecutorName  *string              `json:"executor_name"`
	Priority      models.Priority      `json:"priority"`
	Status        models.RequestStatus `json:"status"`
	CreatedAt     time.Time            `json:"created_at"`
	SLADeadline   time.Time            `json:"sla_deadline"`
	IsOverdue     bool                 `json:"is_overdue"`
}

type StockAlert struct {
	BranchID      uint       `json:"branch_id"`
	BranchCode    string     `json:"branch_code"`
	ItemTypeID    uint       `json:"item_type_id"`
	SKU           string     `json:"sku"`
	ItemName      string     `json:"item_name"`
	OnHand        int        `json:"on_hand"`
	Reserved      int        `json:"reserved"`
	Available     int        `json:"available"`
	MinStockLevel *int       `json:"min_stock_level"`
	Level         StockLevel `json:"level"`
}

type SLAEntry struct {
	ID          uint                 `json:"id"`
	Code        string               `json:"code"`
	BranchID    uint                 `json:"branch_id"`
	Priority    models.Priority      `json:"priority"`
	Status      models.RequestStatus `json:"status"`
	CreatedAt   time.Time            `json:"created_at"`
	SLADeadline time.Time            `json:"sla_deadline"`
	CompletedAt *time.Time           `json:"completed_at"`
	SLAStatus   SLAStatus            `json:"sla_status"`
}

type Service struct {
	runner *database.Runner

	Now func() time.Time
}

func NewService(runner *database.Runner) *Service {
	return &Service{runner: runner, Now: func() time.Time { return time.Now().UTC() }}
}

// ActiveRequests lists non-terminal requests, most urgent first and then by
// deadline. branchID 0 means all branches.
func (s *Service) ActiveRequests(ctx context.Context, branchID uint) ([]ActiveRequest, error) {
	q := s.runner.DB(ctx).Table("requests AS r").
		Select(`r.id, r.code, r.branch_id, b.code AS branch_code, b.name AS branch_name,
			u.name AS requester_name, e.name AS executor_name,
			r.priority, r.status, r.created_at, r.sla_deadline`).
		Joins("JOIN branches AS b ON b.id = r.branch_id").
		Joins("JOIN users AS u ON u.id = r.requester_id").
		Joins("LEFT JOIN users AS e ON e.id = r.assigned_executor_id").
		Where("r.status IN ?", models.OpenStatuses)
	if branchID != 0 {
		q = q.Where("r.branch_id = ?", branchID)
	}

	var rows []ActiveRequest
	if err := q.Order("r.sla_deadline, r.id").Scan(&rows).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, err, "active requests")
	}

	now := s.Now()
	for i := range rows {
		rows[i].IsOverdue = rows[i].Status != models.StatusDelivered && now.After(rows[i].SLADeadline)
	}
	slices.SortStableFunc(rows, func(a, b ActiveRequest) int {
		return cmp.Compare(b.Priority.Rank(), a.Priority.Rank())
	})
	return rows, nil
}

// StockAlerts classifies every stock row of active item types. With
// problemsOnly set, rows at LevelOK are left out.
func (s *Service) StockAlerts(ctx context.Context, branchID uint, problemsOnly bool) ([]StockAlert, error) {
	q := s.runner.DB(ctx).Table("stock_entries AS s").
		Select(`s.branch_id, b.code AS branch_code, s.item_type_id, i.sku, i.name AS item_name,
			s.on_hand, s.reserved, i.min_stock_level`).
		Joins("JOIN branches AS b ON b.id = s.branch_id").
		Joins("JOIN item_types AS i ON i.id = s.item_type_id").
		Where("i.is_active = ?", true)
	if branchID != 0 {
		q = q.Where("s.branch_id = ?", branchID)
	}

	var rows []StockAlert
	if err := q.Order("b.code, i.sku").Scan(&rows).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, err, "stock alerts")
	}

	out := rows[:0]
	for _, r := range rows {
		r.Available = r.OnHand - r.Reserved
		r.Level = LevelOf(r.Available, r.MinStockLevel)
		if problemsOnly && r.Level == LevelOK {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func LevelOf(available int, minLevel *int) StockLevel {
	switch {
	case available <= 0:
		return LevelEmpty
	case minLevel != nil && available < *minLevel:
		return LevelLow
	default:
		return LevelOK
	}
}

// SlaMonitor reports SLA standing for every request that is not archived.
func (s *Service) SlaMonitor(ctx context.Context, branchID uint) ([]SLAEntry, error) {
	q := s.runner.DB(ctx).Model(&models.Request{}).
		Select("id, code, branch_id, priority, status, created_at, sla_deadline, completed_at").
		Where("status <> ?", models.StatusArchived)
	if branchID != 0 {
		q = q.Where("branch_id = ?", branchID)
	}

	var rows []SLAEntry
	if err := q.Order("sla_deadline, id").Scan(&rows).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, err, "sla monitor")
	}

	now := s.Now()
	for i := range rows {
		rows[i].SLAStatus = SLAStatusOf(rows[i].Status, rows[i].SLADeadline, now)
	}
	return rows, nil
}

func SLAStatusOf(status models.RequestStatus, deadline, now time.Time) SLAStatus {
	if !slices.Contains(models.SLAStatuses, status) {
		return SLACompleted
	}
	if now.After(deadline) {
		return SLAOverdue
	}
	return SLAWithin
}
