package models

import "time"

// StockSnapshot keeps the branch availability seen when a request was created,
// used later to reconcile against the accounting system.
type StockSnapshot struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	RequestID    uint      `gorm:"not null;uniqueIndex" json:"request_id"`
	BranchID     uint      `gorm:"index;not null" json:"branch_id"`
	SnapshotJSON string    `gorm:"type:text;not null" json:"snapshot_json"`
	CreatedAt    time.Time `json:"created_at"`
}

type SnapshotLine struct {
	ItemTypeID uint `json:"item_type_id"`
	OnHand     int  `json:"on_hand"`
	Reserved   int  `json:"reserved"`
	Available  int  `json:"available"`
}
