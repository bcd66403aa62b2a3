// Package sla computes request deadlines and sweeps open requests for
// approaching and missed deadlines.
package sla

import (
	"time"

	"supplydesk-backend/internal/config"
	"supplydesk-backend/internal/models"
)

// Policy maps priorities to allowed durations. It is passed in explicitly so
// tests can run with their own values.
type Policy struct {
	cfg config.SLAPolicy
}

func NewPolicy(cfg config.SLAPolicy) Policy {
	return Policy{cfg: cfg}
}

func (p Policy) Duration(pr models.Priority) time.Duration {
	switch pr {
	case models.PriorityUrgent:
		return p.cfg.Urgent
	case models.PriorityHigh:
		return p.cfg.High
	case models.PriorityLow:
		return p.cfg.Low
	default:
		return p.cfg.Normal
	}
}

// Deadline returns when a request created at createdAt violates its SLA and
// when the earlier warning threshold is reached.
func (p Policy) Deadline(pr models.Priority, createdAt time.Time) (deadline, warningAt time.Time) {
	d := p.Duration(pr)
	createdAt = createdAt.UTC()
	return createdAt.Add(d), createdAt.Add(time.Duration(float64(d) * p.cfg.WarningFraction))
}
