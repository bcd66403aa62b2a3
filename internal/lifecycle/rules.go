package lifecycle

import (
	"slices"

	"supplydesk-backend/internal/models"
)

// Event names a requested transition.
type Event string

const (
	EventApprove  Event = "approve"
	EventStart    Event = "start"
	EventDeliver  Event = "deliver"
	EventComplete Event = "complete"
	EventCancel   Event = "cancel"
	EventReject   Event = "reject"
	EventArchive  Event = "archive"
	EventAssign   Event = "assign"
)

type effect int

const (
	effectNone effect = iota
	effectConsume
	effectRelease
	effectComplete
	effectAssign
)

type rule struct {
	from []models.RequestStatus
	// to is empty when the target depends on the payload (deliver) or the
	// status does not change (assign).
	to     models.RequestStatus
	effect effect
}

var rules = map[Event]rule{
	EventApprove: {
		from: []models.RequestStatus{models.StatusNew},
		to:   models.StatusApproved,
	},
	EventStart: {
		from: []models.RequestStatus{models.StatusApproved},
		to:   models.StatusInProgress,
	},
	EventDeliver: {
		from:   []models.RequestStatus{models.StatusInProgress},
		effect: effectConsume,
	},
	EventComplete: {
		from:   []models.RequestStatus{models.StatusDelivered},
		to:     models.StatusCompleted,
		effect: effectComplete,
	},
	EventCancel: {
		from:   []models.RequestStatus{models.StatusNew, models.StatusApproved, models.StatusInProgress},
		to:     models.StatusCancelled,
		effect: effectRelease,
	},
	EventReject: {
		from:   []models.RequestStatus{models.StatusNew, models.StatusApproved},
		to:     models.StatusRejected,
		effect: effectRelease,
	},
	EventArchive: {
		from: []models.RequestStatus{models.StatusCompleted, models.StatusCancelled},
		to:   models.StatusArchived,
	},
	EventAssign: {
		from:   []models.RequestStatus{models.StatusNew, models.StatusApproved, models.StatusInProgress},
		effect: effectAssign,
	},
}

func (r rule) allows(s models.RequestStatus) bool {
	return slices.Contains(r.from, s)
}

// Allowed lists the events valid from status, in table order.
func Allowed(s models.RequestStatus) []Event {
	var out []Event
	for _, ev := range []Event{EventApprove, EventStart, EventDeliver, EventComplete, EventCancel, EventReject, EventArchive, EventAssign} {
		if rules[ev].allows(s) {
			out = append(out, ev)
		}
	}
	return out
}

func (e Event) Valid() bool {
	_, ok := rules[e]
	return ok
}

func (e Event) auditAction() models.AuditAction {
	switch e {
	case EventDeliver:
		return models.AuditActionDelivered
	case EventAssign:
		return models.AuditActionAssigned
	}
	return models.AuditActionStatusChanged
}
