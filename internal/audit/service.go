package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"supplydesk-backend/internal/models"

	"gorm.io/gorm"
)

type LogOptions struct {
	EntityType string
	EntityID   uint
	ActorID    *uint
	Action     models.AuditAction
	Before     any
	After      any
	Note       string
	At         time.Time
}

func marshal(v any) (string, error) {
	if v == nil {
		return "null", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// WriteLog appends one entry on the caller's transaction, so it commits or
// rolls back with the mutation it records. The timestamp is clamped to the
// entity's latest entry to keep per-entity history non-decreasing.
func WriteLog(tx *gorm.DB, opts LogOptions) (*models.AuditEntry, error) {
	beforeStr, err := marshal(opts.Before)
	if err != nil {
		return nil, fmt.Errorf("audit before payload: %w", err)
	}
	afterStr, err := marshal(opts.After)
	if err != nil {
		return nil, fmt.Errorf("audit after payload: %w", err)
	}

	at := opts.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	var last models.AuditEntry
	err = tx.Select("recorded_at").
		Where("entity_type = ? AND entity_id = ?", opts.EntityType, opts.EntityID).
		Order("recorded_at DESC").
		Limit(1).
		Take(&last).Error
	switch {
	case err == nil:
		if last.Timestamp.After(at) {
			at = last.Timestamp
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("audit last timestamp: %w", err)
	}

	entry := models.AuditEntry{
		EntityType: opts.EntityType,
		EntityID:   opts.EntityID,
		Timestamp:  at,
		ActorID:    opts.ActorID,
		Action:     opts.Action,
		BeforeData: beforeStr,
		AfterData:  afterStr,
		Note:       opts.Note,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return nil, fmt.Errorf("write audit entry: %w", err)
	}
	return &entry, nil
}

// Log serves audit reads.
type Log struct {
	db       *gorm.DB
	pageSize int
}

func NewLog(db *gorm.DB, pageSize int) *Log {
	if pageSize < 1 {
		pageSize = 100
	}
	return &Log{db: db, pageSize: pageSize}
}

// History yields an entity's entries oldest first, ties broken by id. Pages
// are fetched lazily by keyset, and every range over the result starts again
// from the beginning.
func (l *Log) History(ctx context.Context, entityType string, entityID uint) iter.Seq2[models.AuditEntry, error] {
	return func(yield func(models.AuditEntry, error) bool) {
		var (
			afterTS time.Time
			afterID uint
			first   = true
		)
		for {
			q := l.db.WithContext(ctx).
				Where("entity_type = ? AND entity_id = ?", entityType, entityID)
			if !first {
				q = q.Where("(recorded_at > ? OR (recorded_at = ? AND id > ?))", afterTS, afterTS, afterID)
			}

			var page []models.AuditEntry
			if err := q.Order("recorded_at ASC, id ASC").Limit(l.pageSize).Find(&page).Error; err != nil {
				yield(models.AuditEntry{}, fmt.Errorf("audit history: %w", err))
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < l.pageSize {
				return
			}
			last := page[len(page)-1]
			afterTS, afterID, first = last.Timestamp, last.ID, false
		}
	}
}

// Collect drains a history sequence into a slice.
func Collect(seq iter.Seq2[models.AuditEntry, error]) ([]models.AuditEntry, error) {
	var out []models.AuditEntry
	for e, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

// StatusOf extracts the "status" field of an entry's after payload, if any.
func StatusOf(e models.AuditEntry) (string, bool) {
	var payload struct {
		Status *string `json:"status"`
	}
	if err := json.Unmarshal([]byte(e.AfterData), &payload); err != nil || payload.Status == nil {
		return "", false
	}
	return *payload.Status, true
}
