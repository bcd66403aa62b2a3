package events

import (
	"context"
	"time"

	"supplydesk-backend/internal/models"

	"github.com/google/uuid"
)

type Type string

const (
	RequestCreated Type = "RequestCreated"
	StatusChanged  Type = "StatusChanged"
	SlaWarning     Type = "SlaWarning"
	SlaViolation   Type = "SlaViolation"
	StockLow       Type = "StockLow"
)

// Event is the outward notification record. Only the fields relevant to its
// Type are set.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`

	RequestID   uint                 `json:"request_id,omitempty"`
	RequestCode string               `json:"request_code,omitempty"`
	BranchID    uint                 `json:"branch_id,omitempty"`
	ItemTypeID  uint                 `json:"item_type_id,omitempty"`
	Priority    models.Priority      `json:"priority,omitempty"`
	From        models.RequestStatus `json:"from,omitempty"`
	To          models.RequestStatus `json:"to,omitempty"`
	ActorID     *uint                `json:"actor_id,omitempty"`
	Deadline    *time.Time           `json:"sla_deadline,omitempty"`

	// StockLow
	Available     *int `json:"available,omitempty"`
	MinStockLevel *int `json:"min_stock_level,omitempty"`
}

func New(t Type, at time.Time) Event {
	return Event{ID: uuid.NewString(), Type: t, OccurredAt: at.UTC()}
}

// Key groups events of one aggregate onto one Kafka partition.
func (e Event) Key() string {
	if e.RequestCode != "" {
		return e.RequestCode
	}
	if e.Type == StockLow {
		return "stock/" + uitoa(e.BranchID) + "/" + uitoa(e.ItemTypeID)
	}
	return e.ID
}

// Emitter receives events after the transaction that produced them committed.
// Emit must not block on slow consumers.
type Emitter interface {
	Emit(ctx context.Context, evs ...Event)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Emit(context.Context, ...Event) {}

// Buffer collects events produced inside a transaction attempt. Reset it at
// the start of each attempt, flush it after commit.
type Buffer struct {
	evs []Event
}

func (b *Buffer) Reset() { b.evs = b.evs[:0] }

func (b *Buffer) Add(evs ...Event) { b.evs = append(b.evs, evs...) }

func (b *Buffer) Len() int { return len(b.evs) }

func (b *Buffer) Events() []Event { return b.evs }

func (b *Buffer) Flush(ctx context.Context, em Emitter) {
	if len(b.evs) == 0 || em == nil {
		return
	}
	out := make([]Event, len(b.evs))
	copy(out, b.evs)
	b.evs = b.evs[:0]
	em.Emit(ctx, out...)
}
