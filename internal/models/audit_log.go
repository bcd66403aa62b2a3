package models

import "time"

type AuditAction string

const (
	AuditActionCreated       AuditAction = "created"
	AuditActionStatusChanged AuditAction = "status_changed"
	AuditActionDelivered     AuditAction = "delivered"
	AuditActionAssigned      AuditAction = "assigned"
	AuditActionSLAWarning    AuditAction = "sla_warning"
	AuditActionSLAViolation  AuditAction = "sla_violation"

	AuditActionReserved    AuditAction = "reserved"
	AuditActionReleased    AuditAction = "released"
	AuditActionConsumed    AuditAction = "consumed"
	AuditActionAdjusted    AuditAction = "adjusted"
	AuditActionProvisioned AuditAction = "provisioned"

	AuditActionActivated   AuditAction = "activated"
	AuditActionDeactivated AuditAction = "deactivated"
)

const (
	EntityRequest    = "request"
	EntityStockEntry = "stock_entry"
	EntityBranch     = "branch"
	EntityItemType   = "item_type"
)

// AuditEntry is append-only. Timestamp never decreases for one entity and ID
// breaks ties in insertion order.
type AuditEntry struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	EntityType string    `gorm:"size:50;not null;index:idx_audit_entity,priority:1" json:"entity_type"`
	EntityID   uint      `gorm:"not null;index:idx_audit_entity,priority:2" json:"entity_id"`
	Timestamp  time.Time `gorm:"column:recorded_at;not null;index:idx_audit_entity,priority:3" json:"timestamp"`

	// nil for system-initiated entries (SLA sweep, provisioning at startup)
	ActorID *uint `json:"actor_id"`

	Action AuditAction `gorm:"size:32;not null" json:"action"`

	// before/after state as JSON, "null" when absent
	BeforeData string `gorm:"type:text" json:"before_data"`
	AfterData  string `gorm:"type:text" json:"after_data"`

	Note string `gorm:"size:255" json:"note"`
}
