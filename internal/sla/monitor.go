package sla

import (
	"context"
	"fmt"
	"time"

	"supplydesk-backend/internal/apperr"
	"supplydesk-backend/internal/audit"
	"supplydesk-backend/internal/database"
	"supplydesk-backend/internal/events"
	"supplydesk-backend/internal/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type SweepResult struct {
	WarningsEmitted   int `json:"warnings_emitted"`
	ViolationsEmitted int `json:"violations_emitted"`
}

// Monitor stamps requests that reached their warning threshold or missed
// their deadline. A stamp is a conditional update on a NULL column, so
// concurrent sweeps emit each notification at most once.
type Monitor struct {
	runner    *database.Runner
	emitter   events.Emitter
	batchSize int
	log       *zap.Logger
	tracer    trace.Tracer
}

func NewMonitor(runner *database.Runner, emitter events.Emitter, batchSize int, log *zap.Logger) *Monitor {
	if emitter == nil {
		emitter = events.Nop{}
	}
	if batchSize < 1 {
		batchSize = 500
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		runner:    runner,
		emitter:   emitter,
		batchSize: batchSize,
		log:       log,
		tracer:    otel.Tracer("supplydesk/sla"),
	}
}

type stamp struct {
	column    string // sla_warned_at or sla_notified_at
	threshold string // predicate on the due column
	action    models.AuditAction
	event     events.Type
}

var (
	warning = stamp{
		column:    "sla_warned_at",
		threshold: "sla_warning_at <= ?",
		action:    models.AuditActionSLAWarning,
		event:     events.SlaWarning,
	}
	violation = stamp{
		column:    "sla_notified_at",
		threshold: "sla_deadline < ?",
		action:    models.AuditActionSLAViolation,
		event:     events.SlaViolation,
	}
)

// Sweep walks due requests in id order. Each stamp commits on its own, and
// cancellation is honoured between requests only.
func (m *Monitor) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	ctx, span := m.tracer.Start(ctx, "sla.Sweep")
	defer span.End()

	now = now.UTC()
	var (
		res    SweepResult
		lastID uint
	)
	for {
		var ids []uint
		err := m.runner.DB(ctx).Model(&models.Request{}).
			Where("id > ? AND status IN ?", lastID, models.SLAStatuses).
			Where("((sla_warned_at IS NULL AND sla_warning_at <= ?) OR (sla_notified_at IS NULL AND sla_deadline < ?))", now, now).
			Order("id").
			Limit(m.batchSize).
			Pluck("id", &ids).Error
		if err != nil {
			return res, apperr.Wrap(apperr.KindStorageUnavailable, err, "select due requests")
		}

		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			for _, s := range []stamp{warning, violation} {
				fired, err := m.stamp(ctx, id, s, now)
				if err != nil {
					return res, err
				}
				if !fired {
					continue
				}
				if s.event == events.SlaWarning {
					res.WarningsEmitted++
				} else {
					res.ViolationsEmitted++
				}
			}
		}

		if len(ids) < m.batchSize {
			break
		}
		lastID = ids[len(ids)-1]
	}

	span.SetAttributes(
		attribute.Int("warnings", res.WarningsEmitted),
		attribute.Int("violations", res.ViolationsEmitted),
	)
	if res.WarningsEmitted > 0 || res.ViolationsEmitted > 0 {
		m.log.Info("sla sweep",
			zap.Int("warnings", res.WarningsEmitted),
			zap.Int("violations", res.ViolationsEmitted),
		)
	}
	return res, nil
}

// stamp sets s.column for one request if it is still unset and due. Only the
// caller whose update affected the row audits and emits.
func (m *Monitor) stamp(ctx context.Context, id uint, s stamp, now time.Time) (bool, error) {
	var (
		fired bool
		buf   events.Buffer
	)
	err := m.runner.Do(ctx, func(tx *gorm.DB) error {
		buf.Reset()
		fired = false

		res := tx.Model(&models.Request{}).
			Where("id = ? AND status IN ?", id, models.SLAStatuses).
			Where(s.column+" IS NULL").
			Where(s.threshold, now).
			Updates(map[string]any{s.column: now})
		if res.Error != nil {
			return fmt.Errorf("stamp %s on request %d: %w", s.column, id, res.Error)
		}
		if res.RowsAffected != 1 {
			return nil
		}

		var req models.Request
		if err := tx.Select("id", "code", "branch_id", "priority", "status", "sla_deadline").Take(&req, id).Error; err != nil {
			return fmt.Errorf("load request %d: %w", id, err)
		}
		if _, err := audit.WriteLog(tx, audit.LogOptions{
			EntityType: models.EntityRequest,
			EntityID:   id,
			Action:     s.action,
			Before:     map[string]any{"status": req.Status, s.column: nil},
			After:      map[string]any{"status": req.Status, s.column: now},
			At:         now,
		}); err != nil {
			return err
		}

		ev := events.New(s.event, now)
		ev.RequestID = req.ID
		ev.RequestCode = req.Code
		ev.BranchID = req.BranchID
		ev.Priority = req.Priority
		deadline := req.SLADeadline
		ev.Deadline = &deadline
		buf.Add(ev)
		fired = true
		return nil
	})
	if err != nil {
		return false, err
	}

	buf.Flush(ctx, m.emitter)
	return fired, nil
}
