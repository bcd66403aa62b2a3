package models

import "time"

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank orders priorities low < normal < high < urgent; 0 means unknown.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityNormal:
		return 2
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	}
	return 0
}

func (p Priority) Valid() bool { return p.Rank() > 0 }

type RequestStatus string

const (
	StatusNew        RequestStatus = "new"
	StatusApproved   RequestStatus = "approved"
	StatusInProgress RequestStatus = "in_progress"
	StatusDelivered  RequestStatus = "delivered"
	StatusCompleted  RequestStatus = "completed"
	StatusCancelled  RequestStatus = "cancelled"
	StatusRejected   RequestStatus = "rejected"
	StatusArchived   RequestStatus = "archived"
)

func (s RequestStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRejected, StatusArchived:
		return true
	}
	return false
}

// SLAStatuses are the statuses still subject to the deadline. Delivered
// requests have met their SLA.
var SLAStatuses = []RequestStatus{StatusNew, StatusApproved, StatusInProgress}

// OpenStatuses are all non-terminal statuses.
var OpenStatuses = []RequestStatus{StatusNew, StatusApproved, StatusInProgress, StatusDelivered}

type Request struct {
	ID          uint          `gorm:"primaryKey" json:"id"`
	Code        string        `gorm:"size:32;not null;uniqueIndex" json:"code"`
	BranchID    uint          `gorm:"not null;index" json:"branch_id"`
	RequesterID uint          `gorm:"not null;index" json:"requester_id"`
	Priority    Priority      `gorm:"size:16;not null" json:"priority"`
	Status      RequestStatus `gorm:"size:16;not null;index" json:"status"`
	Comment     string        `gorm:"size:1000" json:"comment"`

	AssignedExecutorID *uint `json:"assigned_executor_id"`
	AllowBackorder     bool  `gorm:"not null" json:"allow_backorder"`

	SLADeadline   time.Time  `gorm:"not null;index" json:"sla_deadline"`
	SLAWarningAt  time.Time  `gorm:"not null" json:"sla_warning_at"`
	SLAWarnedAt   *time.Time `json:"sla_warned_at"`
	SLANotifiedAt *time.Time `json:"sla_notified_at"`
	CompletedAt   *time.Time `json:"completed_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Lines []RequestLine `gorm:"foreignKey:RequestID" json:"lines"`
}

type RequestLine struct {
	ID                uint `gorm:"primaryKey" json:"id"`
	RequestID         uint `gorm:"not null;uniqueIndex:idx_line_request_item,priority:1" json:"request_id"`
	ItemTypeID        uint `gorm:"not null;uniqueIndex:idx_line_request_item,priority:2" json:"item_type_id"`
	Position          int  `gorm:"not null" json:"position"`
	QuantityRequested int  `gorm:"not null" json:"quantity_requested"`
	QuantityDelivered int  `gorm:"not null;default:0" json:"quantity_delivered"`
	// QuantityReserved is what this line still holds in the ledger.
	QuantityReserved int `gorm:"not null;default:0" json:"quantity_reserved"`
}

func (l RequestLine) Outstanding() int {
	return l.QuantityRequested - l.QuantityDelivered
}

// FullyDelivered reports whether every line received its requested quantity.
func (r *Request) FullyDelivered() bool {
	for _, l := range r.Lines {
		if l.QuantityDelivered < l.QuantityRequested {
			return false
		}
	}
	return len(r.Lines) > 0
}

// All returns every model the engine persists, in migration order.
func All() []any {
	return []any{
		&Branch{},
		&User{},
		&ItemType{},
		&StockEntry{},
		&Request{},
		&RequestLine{},
		&StockSnapshot{},
		&AuditEntry{},
	}
}
