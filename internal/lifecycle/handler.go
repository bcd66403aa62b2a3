package lifecycle

import (
	"supplydesk-backend/internal/auth"
	"supplydesk-backend/internal/models"

	"github.com/gofiber/fiber/v2"
)

type CreateRequestBody struct {
	BranchID       uint            `json:"branch_id"` // ignored for branch users
	Priority       models.Priority `json:"priority"`
	Comment        string          `json:"comment"`
	AllowBackorder bool            `json:"allow_backorder"`
	Lines          []LineInput     `json:"lines"`
}

type TransitionBody struct {
	Event      Event      `json:"event"`
	Deliveries []Delivery `json:"deliveries"`
	ExecutorID *uint      `json:"executor_id"`
	Note       string     `json:"note"`
}

// POST /api/requests
func CreateRequestHandler(m *Manager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		actor := auth.ActorID(c)
		if actor == nil {
			return fiber.NewError(fiber.StatusUnauthorized, "login required")
		}

		var body CreateRequestBody
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}

		if auth.Role(c) == models.RoleBranchUser {
			scope := auth.BranchScope(c)
			if scope == nil {
				return fiber.NewError(fiber.StatusForbidden, "user is not attached to a branch")
			}
			body.BranchID = *scope
		}

		req, err := m.Create(c.UserContext(), CreateInput{
			BranchID:       body.BranchID,
			RequesterID:    *actor,
			Priority:       body.Priority,
			Comment:        body.Comment,
			AllowBackorder: body.AllowBackorder,
			Lines:          body.Lines,
		})
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(req)
	}
}

// GET /api/requests/:id
func GetRequestHandler(m *Manager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		req, err := loadScoped(c, m)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{
			"request": req,
			"allowed": Allowed(req.Status),
		})
	}
}

// GET /api/requests/:id/snapshot
func SnapshotHandler(m *Manager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		req, err := loadScoped(c, m)
		if err != nil {
			return err
		}
		lines, err := m.Snapshot(c.UserContext(), req.ID)
		if err != nil {
			return err
		}
		return c.JSON(lines)
	}
}

// GET /api/requests/mine?limit=20
func MyRequestsHandler(m *Manager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		actor := auth.ActorID(c)
		if actor == nil {
			return fiber.NewError(fiber.StatusUnauthorized, "login required")
		}
		rows, err := m.ListByRequester(c.UserContext(), *actor, c.QueryInt("limit", 20))
		if err != nil {
			return err
		}
		return c.JSON(rows)
	}
}

// POST /api/requests/:id/transitions
// Branch users may only cancel requests of their own branch.
func TransitionHandler(m *Manager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body TransitionBody
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}

		req, err := loadScoped(c, m)
		if err != nil {
			return err
		}
		if auth.Role(c) == models.RoleBranchUser && body.Event != EventCancel {
			return fiber.NewError(fiber.StatusForbidden, "branch users can only cancel requests")
		}

		out, err := m.Transition(c.UserContext(), req.ID, TransitionInput{
			Event:      body.Event,
			ActorID:    auth.ActorID(c),
			Deliveries: body.Deliveries,
			ExecutorID: body.ExecutorID,
			Note:       body.Note,
		})
		if err != nil {
			return err
		}
		return c.JSON(out)
	}
}

func loadScoped(c *fiber.Ctx, m *Manager) (*models.Request, error) {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return nil, fiber.NewError(fiber.StatusBadRequest, "invalid request id")
	}
	req, err := m.Get(c.UserContext(), uint(id))
	if err != nil {
		return nil, err
	}
	if auth.Role(c) == models.RoleBranchUser {
		if scope := auth.BranchScope(c); scope == nil || *scope != req.BranchID {
			return nil, fiber.NewError(fiber.StatusForbidden, "request belongs to another branch")
		}
	}
	return req, nil
}
