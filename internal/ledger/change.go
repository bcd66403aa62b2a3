package ledger

import (
	"time"

	"supplydesk-backend/internal/events"
	"supplydesk-backend/internal/models"
)

// Change is the outcome of one ledger mutation.
type Change struct {
	Before        models.StockEntry
	After         models.StockEntry
	MinStockLevel *int
	At            time.Time
}

// CrossedLow reports a drop of available stock from at or above the item's
// minimum to below it. Staying below the minimum is not a new crossing.
func (c *Change) CrossedLow() bool {
	if c.MinStockLevel == nil {
		return false
	}
	threshold := *c.MinStockLevel
	return c.Before.Available() >= threshold && c.After.Available() < threshold
}

func (c *Change) Events() []events.Event {
	if !c.CrossedLow() {
		return nil
	}
	ev := events.New(events.StockLow, c.At)
	ev.BranchID = c.After.BranchID
	ev.ItemTypeID = c.After.ItemTypeID
	available := c.After.Available()
	ev.Available = &available
	ev.MinStockLevel = c.MinStockLevel
	return []events.Event{ev}
}

type Availability struct {
	BranchID   uint `json:"branch_id"`
	ItemTypeID uint `json:"item_type_id"`
	OnHand     int  `json:"on_hand"`
	Reserved   int  `json:"reserved"`
	Available  int  `json:"available"`
	Shortfall  int  `json:"shortfall"`
}

func AvailabilityOf(e models.StockEntry) Availability {
	return Availability{
		BranchID:   e.BranchID,
		ItemTypeID: e.ItemTypeID,
		OnHand:     e.OnHand,
		Reserved:   e.Reserved,
		Available:  e.Available(),
		Shortfall:  e.Shortfall,
	}
}
