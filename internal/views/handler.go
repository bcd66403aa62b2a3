package views

import (
	"supplydesk-backend/internal/auth"
	"supplydesk-backend/internal/models"

	"github.com/gofiber/fiber/v2"
)

// branchFilter confines branch users to their own branch; staff may pass
// ?branch_id= or leave it out for every branch.
func branchFilter(c *fiber.Ctx) (uint, error) {
	if auth.Role(c) == models.RoleBranchUser {
		scope := auth.BranchScope(c)
		if scope == nil {
			return 0, fiber.NewError(fiber.StatusForbidden, "user is not attached to a branch")
		}
		return *scope, nil
	}
	id := c.QueryInt("branch_id", 0)
	if id < 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid branch_id")
	}
	return uint(id), nil
}

// GET /api/views/active-requests?branch_id=1
func ActiveRequestsHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		branchID, err := branchFilter(c)
		if err != nil {
			return err
		}
		rows, err := s.ActiveRequests(c.UserContext(), branchID)
		if err != nil {
			return err
		}
		return c.JSON(rows)
	}
}

// GET /api/views/stock-alerts?branch_id=1&problems=true
func StockAlertsHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		branchID, err := branchFilter(c)
		if err != nil {
			return err
		}
		rows, err := s.StockAlerts(c.UserContext(), branchID, c.QueryBool("problems", false))
		if err != nil {
			return err
		}
		return c.JSON(rows)
	}
}

// GET /api/views/sla-monitor?branch_id=1
func SlaMonitorHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		branchID, err := branchFilter(c)
		if err != nil {
			return err
		}
		rows, err := s.SlaMonitor(c.UserContext(), branchID)
		if err != nil {
			return err
		}
		return c.JSON(rows)
	}
}
