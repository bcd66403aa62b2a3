package models

import "time"

// ItemType is a stockable catalog item, e.g. a cartridge model.
type ItemType struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	SKU           string    `gorm:"column:sku;size:64;not null;uniqueIndex" json:"sku"`
	Name          string    `gorm:"size:150;not null" json:"name"`
	MinStockLevel *int      `json:"min_stock_level"` // nil: no low-stock alerting
	IsActive      bool      `gorm:"not null" json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
