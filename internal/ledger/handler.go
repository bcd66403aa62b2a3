package ledger

import (
	"supplydesk-backend/internal/auth"

	"github.com/gofiber/fiber/v2"
)

type AdjustStockRequest struct {
	BranchID   uint   `json:"branch_id"`
	ItemTypeID uint   `json:"item_type_id"`
	Delta      int    `json:"delta"`
	Force      bool   `json:"force"`
	Note       string `json:"note"`
}

// POST /api/admin/stock/adjust
func AdjustStockHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body AdjustStockRequest
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		if body.BranchID == 0 || body.ItemTypeID == 0 {
			return fiber.NewError(fiber.StatusBadRequest, "branch_id and item_type_id are required")
		}

		entry, err := s.AdjustStock(c.UserContext(), Key{BranchID: body.BranchID, ItemTypeID: body.ItemTypeID},
			body.Delta, body.Force, auth.ActorID(c), body.Note)
		if err != nil {
			return err
		}
		return c.JSON(AvailabilityOf(*entry))
	}
}

// GET /api/stock/availability?branch_id=1&item_type_id=2
// Without item_type_id the whole branch is listed.
func AvailabilityHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		branchID := uint(c.QueryInt("branch_id"))
		if branchID == 0 {
			return fiber.NewError(fiber.StatusBadRequest, "branch_id is required")
		}
		if scope := auth.BranchScope(c); scope != nil && *scope != branchID {
			return fiber.NewError(fiber.StatusForbidden, "branch users can only see their own branch")
		}

		itemTypeID := uint(c.QueryInt("item_type_id"))
		if itemTypeID == 0 {
			rows, err := s.BranchAvailability(c.UserContext(), branchID)
			if err != nil {
				return err
			}
			return c.JSON(rows)
		}

		a, err := s.GetAvailability(c.UserContext(), Key{BranchID: branchID, ItemTypeID: itemTypeID})
		if err != nil {
			return err
		}
		return c.JSON(a)
	}
}
