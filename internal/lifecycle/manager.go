// Package lifecycle owns the request aggregate and its status machine. Every
// transition runs in one transaction together with its ledger side effects
// and its audit entry.
package lifecycle

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"supplydesk-backend/internal/apperr"
	"supplydesk-backend/internal/audit"
	"supplydesk-backend/internal/database"
	"supplydesk-backend/internal/events"
	"supplydesk-backend/internal/ledger"
	"supplydesk-backend/internal/models"
	"supplydesk-backend/internal/sla"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type LineInput struct {
	ItemTypeID uint `json:"item_type_id"`
	Quantity   int  `json:"quantity"`
}

type CreateInput struct {
	BranchID       uint
	RequesterID    uint
	Priority       models.Priority
	Comment        string
	AllowBackorder bool
	Lines          []LineInput
}

type Delivery struct {
	ItemTypeID uint `json:"item_type_id"`
	Quantity   int  `json:"quantity"`
}

type TransitionInput struct {
	Event      Event
	ActorID    *uint
	Deliveries []Delivery // deliver only
	ExecutorID *uint      // assign only
	Note       string
}

type Manager struct {
	runner  *database.Runner
	ledger  *ledger.Ledger
	policy  sla.Policy
	emitter events.Emitter
	log     *zap.Logger
	tracer  trace.Tracer

	Now     func() time.Time
	NewCode func(time.Time) string
}

func NewManager(runner *database.Runner, l *ledger.Ledger, policy sla.Policy, emitter events.Emitter, log *zap.Logger) *Manager {
	if emitter == nil {
		emitter = events.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		runner:  runner,
		ledger:  l,
		policy:  policy,
		emitter: emitter,
		log:     log,
		tracer:  otel.Tracer("supplydesk/lifecycle"),
		Now:     func() time.Time { return time.Now().UTC() },
		NewCode: NewCode,
	}
}

// ----------------------------------------
// CREATE
// ----------------------------------------

// Create validates the request, then in one transaction inserts it, reserves
// every line in ascending item type order, stores the availability snapshot
// and appends the audit entry. InsufficientStock leaves nothing behind.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*models.Request, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.Create", trace.WithAttributes(
		attribute.Int64("branch_id", int64(in.BranchID)),
		attribute.Int("lines", len(in.Lines)),
	))
	defer span.End()

	if in.Priority == "" {
		in.Priority = models.PriorityNormal
	}
	lines, err := m.validateCreate(ctx, in)
	if err != nil {
		return nil, err
	}

	var (
		req models.Request
		buf events.Buffer
	)
	err = m.runner.Do(ctx, func(tx *gorm.DB) error {
		buf.Reset()
		now := m.Now()
		requester := in.RequesterID
		deadline, warningAt := m.policy.Deadline(in.Priority, now)

		req = models.Request{
			Code:           m.NewCode(now),
			BranchID:       in.BranchID,
			RequesterID:    in.RequesterID,
			Priority:       in.Priority,
			Status:         models.StatusNew,
			Comment:        in.Comment,
			AllowBackorder: in.AllowBackorder,
			SLADeadline:    deadline,
			SLAWarningAt:   warningAt,
			CreatedAt:      now,
			UpdatedAt:      now,
			Lines:          slices.Clone(lines),
		}
		if err := tx.Create(&req).Error; err != nil {
			return fmt.Errorf("insert request: %w", err)
		}

		meta := ledger.Meta{ActorID: &requester, Note: req.Code, At: now}
		var (
			snapshot    []models.SnapshotLine
			stockEvents []events.Event
		)
		for _, line := range byItemType(req.Lines) {
			key := ledger.Key{BranchID: req.BranchID, ItemTypeID: line.ItemTypeID}
			if _, err := m.ledger.Provision(tx, key, now); err != nil {
				return err
			}
			change, err := m.ledger.Reserve(tx, key, line.QuantityRequested, req.AllowBackorder, meta)
			if err != nil {
				return err
			}
			snapshot = append(snapshot, models.SnapshotLine{
				ItemTypeID: change.Before.ItemTypeID,
				OnHand:     change.Before.OnHand,
				Reserved:   change.Before.Reserved,
				Available:  change.Before.Available(),
			})
			stockEvents = append(stockEvents, change.Events()...)
		}

		if err := saveSnapshot(tx, &req, snapshot, now); err != nil {
			return err
		}
		if _, err := audit.WriteLog(tx, audit.LogOptions{
			EntityType: models.EntityRequest,
			EntityID:   req.ID,
			ActorID:    &requester,
			Action:     models.AuditActionCreated,
			After:      stateOf(&req),
			At:         now,
		}); err != nil {
			return err
		}

		ev := events.New(events.RequestCreated, now)
		fill(&ev, &req, &requester)
		ev.To = models.StatusNew
		ev.Deadline = &deadline
		buf.Add(ev)
		buf.Add(stockEvents...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	buf.Flush(ctx, m.emitter)
	m.log.Info("request created",
		zap.Uint("request_id", req.ID),
		zap.String("code", req.Code),
		zap.String("priority", string(req.Priority)),
		zap.Time("sla_deadline", req.SLADeadline),
	)
	return &req, nil
}

// validateCreate rejects malformed input before any transaction opens and
// returns the lines aggregated by item type in first-seen order.
func (m *Manager) validateCreate(ctx context.Context, in CreateInput) ([]models.RequestLine, error) {
	if !in.Priority.Valid() {
		return nil, apperr.NewValidation("unknown priority %q", in.Priority).With("priority", in.Priority)
	}
	if in.BranchID == 0 || in.RequesterID == 0 {
		return nil, apperr.NewValidation("branch and requester are required")
	}
	lines, err := aggregate(in.Lines)
	if err != nil {
		return nil, err
	}

	db := m.runner.DB(ctx)

	var branch models.Branch
	if err := db.Take(&branch, in.BranchID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NewValidation("unknown branch %d", in.BranchID).With("branch_id", in.BranchID)
		}
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, err, "lookup branch")
	}
	if !branch.IsActive {
		return nil, apperr.NewValidation("branch %s is inactive", branch.Code).With("branch_id", branch.ID)
	}

	var n int64
	if err := db.Model(&models.User{}).Where("id = ?", in.RequesterID).Count(&n).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, err, "lookup requester")
	}
	if n == 0 {
		return nil, apperr.NewValidation("unknown requester %d", in.RequesterID).With("requester_id", in.RequesterID)
	}

	ids := make([]uint, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.ItemTypeID)
	}
	var items []models.ItemType
	if err := db.Where("id IN ?", ids).Find(&items).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, err, "lookup item types")
	}
	found := make(map[uint]models.ItemType, len(items))
	for _, it := range items {
		found[it.ID] = it
	}
	for _, id := range ids {
		it, ok := found[id]
		if !ok {
			return nil, apperr.NewValidation("unknown item type %d", id).With("item_type_id", id)
		}
		if !it.IsActive {
			return nil, apperr.NewValidation("item type %s is inactive", it.SKU).With("item_type_id", id)
		}
	}
	return lines, nil
}

// aggregate merges lines of the same item type into one.
func aggregate(in []LineInput) ([]models.RequestLine, error) {
	if len(in) == 0 {
		return nil, apperr.NewValidation("a request needs at least one line")
	}
	var (
		out   []models.RequestLine
		index = make(map[uint]int)
	)
	for i, l := range in {
		if l.ItemTypeID == 0 {
			return nil, apperr.NewValidation("line %d: item type is required", i+1)
		}
		if l.Quantity <= 0 {
			return nil, apperr.NewValidation("line %d: quantity must be positive, got %d", i+1, l.Quantity).
				With("item_type_id", l.ItemTypeID).With("quantity", l.Quantity)
		}
		if j, ok := index[l.ItemTypeID]; ok {
			out[j].QuantityRequested += l.Quantity
			out[j].QuantityReserved += l.Quantity
			continue
		}
		index[l.ItemTypeID] = len(out)
		out = append(out, models.RequestLine{
			ItemTypeID:        l.ItemTypeID,
			Position:          len(out) + 1,
			QuantityRequested: l.Quantity,
			QuantityReserved:  l.Quantity,
		})
	}
	return out, nil
}

func saveSnapshot(tx *gorm.DB, req *models.Request, lines []models.SnapshotLine, at time.Time) error {
	raw, err := json.Marshal(lines)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	snap := models.StockSnapshot{RequestID: req.ID, BranchID: req.BranchID, SnapshotJSON: string(raw), CreatedAt: at}
	if err := tx.Create(&snap).Error; err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// ----------------------------------------
// TRANSITIONS
// ----------------------------------------

// Transition applies ev to the request. Stock failures roll the whole
// transition back and surface as TransitionAborted.
func (m *Manager) Transition(ctx context.Context, requestID uint, in TransitionInput) (*models.Request, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.Transition", trace.WithAttributes(
		attribute.Int64("request_id", int64(requestID)),
		attribute.String("event", string(in.Event)),
	))
	defer span.End()

	r, ok := rules[in.Event]
	if !ok {
		return nil, apperr.NewValidation("unknown event %q", in.Event).With("event", in.Event)
	}
	deliveries, err := m.validateTransition(ctx, in)
	if err != nil {
		return nil, err
	}

	var (
		req      models.Request
		from, to models.RequestStatus
		buf      events.Buffer
	)
	err = m.runner.Do(ctx, func(tx *gorm.DB) error {
		buf.Reset()
		now := m.Now()

		var err error
		req, err = lockRequest(tx, requestID)
		if err != nil {
			return err
		}
		if !r.allows(req.Status) {
			return &apperr.Error{
				Kind:    apperr.KindInvalidTransition,
				Message: fmt.Sprintf("cannot %s a request in status %s", in.Event, req.Status),
				Detail:  map[string]any{"request_id": req.ID, "status": string(req.Status), "event": string(in.Event)},
			}
		}

		before := stateOf(&req)
		from, to = req.Status, r.to
		meta := ledger.Meta{ActorID: in.ActorID, Note: req.Code, At: now}

		var stockEvents []events.Event
		switch r.effect {
		case effectConsume:
			to, stockEvents, err = m.deliver(tx, &req, deliveries, meta)
		case effectRelease:
			stockEvents, err = m.release(tx, &req, in.Event, meta)
		case effectComplete:
			req.CompletedAt = &now
		case effectAssign:
			req.AssignedExecutorID = in.ExecutorID
			to = from
		}
		if err != nil {
			return err
		}

		req.Status = to
		req.UpdatedAt = now
		if err := saveTransition(tx, &req); err != nil {
			return err
		}
		if _, err := audit.WriteLog(tx, audit.LogOptions{
			EntityType: models.EntityRequest,
			EntityID:   req.ID,
			ActorID:    in.ActorID,
			Action:     in.Event.auditAction(),
			Before:     before,
			After:      stateOf(&req),
			Note:       in.Note,
			At:         now,
		}); err != nil {
			return err
		}

		if from != to {
			ev := events.New(events.StatusChanged, now)
			fill(&ev, &req, in.ActorID)
			ev.From, ev.To = from, to
			buf.Add(ev)
		}
		buf.Add(stockEvents...)
		return nil
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindTransitionAborted {
			m.log.Warn("transition aborted",
				zap.Uint("request_id", requestID),
				zap.String("event", string(in.Event)),
				zap.Error(err),
			)
		}
		return nil, err
	}

	buf.Flush(ctx, m.emitter)
	m.log.Info("request transitioned",
		zap.Uint("request_id", req.ID),
		zap.String("event", string(in.Event)),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	slices.SortFunc(req.Lines, func(a, b models.RequestLine) int { return cmp.Compare(a.Position, b.Position) })
	return &req, nil
}

func (m *Manager) validateTransition(ctx context.Context, in TransitionInput) (map[uint]int, error) {
	switch in.Event {
	case EventDeliver:
		if len(in.Deliveries) == 0 {
			return nil, apperr.NewValidation("deliver needs at least one delivered line")
		}
		out := make(map[uint]int, len(in.Deliveries))
		for i, d := range in.Deliveries {
			if d.ItemTypeID == 0 || d.Quantity <= 0 {
				return nil, apperr.NewValidation("delivery %d: item type and a positive quantity are required", i+1).
					With("item_type_id", d.ItemTypeID).With("quantity", d.Quantity)
			}
			out[d.ItemTypeID] += d.Quantity
		}
		return out, nil

	case EventAssign:
		if in.ExecutorID == nil {
			return nil, apperr.NewValidation("assign needs an executor")
		}
		var u models.User
		err := m.runner.DB(ctx).Take(&u, *in.ExecutorID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NewValidation("unknown executor %d", *in.ExecutorID).With("executor_id", *in.ExecutorID)
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStorageUnavailable, err, "lookup executor")
		}
		if u.Role != models.RoleExecutor && u.Role != models.RoleAdmin {
			return nil, apperr.NewValidation("user %d cannot be assigned requests", u.ID).With("executor_id", u.ID)
		}
	}
	return nil, nil
}

// deliver consumes the delivered quantities and decides whether the request
// is now fully delivered. Quantities are checked against every line before
// the ledger is touched.
func (m *Manager) deliver(tx *gorm.DB, req *models.Request, qty map[uint]int, meta ledger.Meta) (models.RequestStatus, []events.Event, error) {
	for item, n := range qty {
		i := slices.IndexFunc(req.Lines, func(l models.RequestLine) bool { return l.ItemTypeID == item })
		if i < 0 {
			return "", nil, apperr.NewValidation("request %s has no line for item type %d", req.Code, item).
				With("item_type_id", item)
		}
		if out := req.Lines[i].Outstanding(); n > out {
			return "", nil, apperr.NewValidation("delivering %d exceeds outstanding %d for item type %d", n, out, item).
				With("item_type_id", item).With("outstanding", out).With("quantity", n)
		}
	}

	var evs []events.Event
	for i := range req.Lines {
		line := &req.Lines[i]
		n, ok := qty[line.ItemTypeID]
		if !ok {
			continue
		}
		change, err := m.ledger.Consume(tx, ledger.Key{BranchID: req.BranchID, ItemTypeID: line.ItemTypeID}, n, meta)
		if err != nil {
			return "", nil, apperr.Aborted(string(EventDeliver), err)
		}
		line.QuantityDelivered += n
		line.QuantityReserved -= min(n, line.QuantityReserved)
		evs = append(evs, change.Events()...)
	}

	if req.FullyDelivered() {
		return models.StatusDelivered, evs, nil
	}
	return models.StatusInProgress, evs, nil
}

// release hands every outstanding reservation back to the ledger.
func (m *Manager) release(tx *gorm.DB, req *models.Request, ev Event, meta ledger.Meta) ([]events.Event, error) {
	var evs []events.Event
	for i := range req.Lines {
		line := &req.Lines[i]
		if line.QuantityReserved == 0 {
			continue
		}
		change, err := m.ledger.Release(tx, ledger.Key{BranchID: req.BranchID, ItemTypeID: line.ItemTypeID}, line.QuantityReserved, meta)
		if err != nil {
			return nil, apperr.Aborted(string(ev), err)
		}
		line.QuantityReserved = 0
		evs = append(evs, change.Events()...)
	}
	return evs, nil
}

// lockRequest loads the request under a row lock, with lines ordered by item
// type so stock rows are locked in ascending order.
func lockRequest(tx *gorm.DB, id uint) (models.Request, error) {
	var req models.Request
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&req, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return req, apperr.NewNotFound("request %d not found", id).With("request_id", id)
	}
	if err != nil {
		return req, err
	}
	if err := tx.Where("request_id = ?", id).Order("item_type_id").Find(&req.Lines).Error; err != nil {
		return req, fmt.Errorf("load lines of request %d: %w", id, err)
	}
	return req, nil
}

func saveTransition(tx *gorm.DB, req *models.Request) error {
	err := tx.Model(&models.Request{}).Where("id = ?", req.ID).Updates(map[string]any{
		"status":               req.Status,
		"completed_at":         req.CompletedAt,
		"assigned_executor_id": req.AssignedExecutorID,
		"updated_at":           req.UpdatedAt,
	}).Error
	if err != nil {
		return fmt.Errorf("update request %d: %w", req.ID, err)
	}
	for _, l := range req.Lines {
		err := tx.Model(&models.RequestLine{}).Where("id = ?", l.ID).Updates(map[string]any{
			"quantity_delivered": l.QuantityDelivered,
			"quantity_reserved":  l.QuantityReserved,
		}).Error
		if err != nil {
			return fmt.Errorf("update request line %d: %w", l.ID, err)
		}
	}
	return nil
}

// ----------------------------------------
// READS
// ----------------------------------------

func (m *Manager) Get(ctx context.Context, id uint) (*models.Request, error) {
	var req models.Request
	err := m.runner.DB(ctx).
		Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Take(&req, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NewNotFound("request %d not found", id).With("request_id", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, err, "load request")
	}
	return &req, nil
}

// ListByRequester returns the requester's most recent requests first.
func (m *Manager) ListByRequester(ctx context.Context, requesterID uint, limit int) ([]models.Request, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var out []models.Request
	err := m.runner.DB(ctx).
		Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("requester_id = ?", requesterID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, err, "list requests")
	}
	return out, nil
}

// Snapshot returns the availability recorded when the request was created.
func (m *Manager) Snapshot(ctx context.Context, requestID uint) ([]models.SnapshotLine, error) {
	var snap models.StockSnapshot
	err := m.runner.DB(ctx).Where("request_id = ?", requestID).Take(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NewNotFound("no snapshot for request %d", requestID).With("request_id", requestID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, err, "load snapshot")
	}
	var lines []models.SnapshotLine
	if err := json.Unmarshal([]byte(snap.SnapshotJSON), &lines); err != nil {
		return nil, fmt.Errorf("decode snapshot of request %d: %w", requestID, err)
	}
	return lines, nil
}

// ----------------------------------------
// helpers
// ----------------------------------------

func byItemType(lines []models.RequestLine) []models.RequestLine {
	out := slices.Clone(lines)
	slices.SortFunc(out, func(a, b models.RequestLine) int { return cmp.Compare(a.ItemTypeID, b.ItemTypeID) })
	return out
}

func fill(ev *events.Event, req *models.Request, actor *uint) {
	ev.RequestID = req.ID
	ev.RequestCode = req.Code
	ev.BranchID = req.BranchID
	ev.Priority = req.Priority
	ev.ActorID = actor
}

type lineState struct {
	ItemTypeID uint `json:"item_type_id"`
	Requested  int  `json:"requested"`
	Delivered  int  `json:"delivered"`
	Reserved   int  `json:"reserved"`
}

type requestState struct {
	Status             models.RequestStatus `json:"status"`
	Priority           models.Priority      `json:"priority"`
	AssignedExecutorID *uint                `json:"assigned_executor_id,omitempty"`
	CompletedAt        *time.Time           `json:"completed_at,omitempty"`
	Lines              []lineState          `json:"lines"`
}

func stateOf(req *models.Request) requestState {
	s := requestState{
		Status:             req.Status,
		Priority:           req.Priority,
		AssignedExecutorID: req.AssignedExecutorID,
		CompletedAt:        req.CompletedAt,
		Lines:              make([]lineState, 0, len(req.Lines)),
	}
	for _, l := range byItemType(req.Lines) {
		s.Lines = append(s.Lines, lineState{
			ItemTypeID: l.ItemTypeID,
			Requested:  l.QuantityRequested,
			Delivered:  l.QuantityDelivered,
			Reserved:   l.QuantityReserved,
		})
	}
	return s
}
