package models

import "time"

// StockEntry: per-branch counts for one item type. Mutated only through the ledger.
type StockEntry struct {
	ID         uint `gorm:"primaryKey" json:"id"`
	BranchID   uint `gorm:"not null;uniqueIndex:idx_stock_branch_item,priority:1" json:"branch_id"`
	ItemTypeID uint `gorm:"not null;uniqueIndex:idx_stock_branch_item,priority:2;index" json:"item_type_id"`
	OnHand     int  `gorm:"not null;default:0" json:"on_hand"`
	Reserved   int  `gorm:"not null;default:0" json:"reserved"`
	// Shortfall is reserved beyond on-hand, only non-zero under backorder.
	Shortfall int       `gorm:"not null;default:0" json:"shortfall"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (e StockEntry) Available() int {
	return e.OnHand - e.Reserved
}
