package audit

import (
	"encoding/json"
	"strconv"

	"supplydesk-backend/internal/models"

	"github.com/gofiber/fiber/v2"
)

type AuditEntryResponse struct {
	ID         uint               `json:"id"`
	Timestamp  string             `json:"timestamp"`
	EntityType string             `json:"entity_type"`
	EntityID   uint               `json:"entity_id"`
	ActorID    *uint              `json:"actor_id"`
	Action     models.AuditAction `json:"action"`
	Before     json.RawMessage    `json:"before"`
	After      json.RawMessage    `json:"after"`
	Note       string             `json:"note"`
}

func toResponse(e models.AuditEntry) AuditEntryResponse {
	return AuditEntryResponse{
		ID:         e.ID,
		Timestamp:  e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Action:     e.Action,
		Before:     rawOrNull(e.BeforeData),
		After:      rawOrNull(e.AfterData),
		Note:       e.Note,
	}
}

func rawOrNull(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return json.RawMessage("null")
	}
	return json.RawMessage(s)
}

// GET /api/audit/:entityType/:entityId?limit=200
func HistoryHandler(l *Log) fiber.Handler {
	return func(c *fiber.Ctx) error {
		entityType := c.Params("entityType")
		switch entityType {
		case models.EntityRequest, models.EntityStockEntry, models.EntityBranch, models.EntityItemType:
		default:
			return fiber.NewError(fiber.StatusBadRequest, "unknown entity type")
		}

		entityID, err := strconv.ParseUint(c.Params("entityId"), 10, 64)
		if err != nil || entityID == 0 {
			return fiber.NewError(fiber.StatusBadRequest, "invalid entity id")
		}

		limit := c.QueryInt("limit", 200)
		if limit < 1 || limit > 1000 {
			return fiber.NewError(fiber.StatusBadRequest, "limit must be between 1 and 1000")
		}

		resp := make([]AuditEntryResponse, 0)
		for e, err := range l.History(c.UserContext(), entityType, uint(entityID)) {
			if err != nil {
				return err
			}
			resp = append(resp, toResponse(e))
			if len(resp) == limit {
				break
			}
		}

		return c.JSON(resp)
	}
}
