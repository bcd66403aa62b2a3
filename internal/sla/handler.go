package sla

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

// POST /api/admin/sla/sweep?at=2025-03-01T14:00:00Z
// Without "at" the sweep runs at the current time.
func SweepHandler(m *Monitor, now func() time.Time) fiber.Handler {
	return func(c *fiber.Ctx) error {
		at := now()
		if raw := c.Query("at"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "at must be an RFC 3339 timestamp")
			}
			at = t
		}

		res, err := m.Sweep(c.UserContext(), at)
		if err != nil {
			return err
		}
		return c.JSON(res)
	}
}
