package catalog

import (
	"strings"

	"supplydesk-backend/internal/auth"

	"github.com/gofiber/fiber/v2"
)

type CreateBranchRequest struct {
	Code string `json:"code"`
	Name string `json:"name"`
	City string `json:"city"`
}

type CreateItemTypeRequest struct {
	SKU           string `json:"sku"`
	Name          string `json:"name"`
	MinStockLevel *int   `json:"min_stock_level"` // optional
}

type SetActiveRequest struct {
	Active *bool `json:"active"`
}

type CreatedResponse struct {
	Entity      any   `json:"entity"`
	Provisioned int64 `json:"provisioned"`
}

// ----------------------------------------
// BRANCHES
// ----------------------------------------

// POST /api/admin/branches
func CreateBranchHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body CreateBranchRequest
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}

		branch, n, err := s.CreateBranch(c.UserContext(), BranchInput{Code: body.Code, Name: body.Name, City: body.City}, auth.ActorID(c))
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(CreatedResponse{Entity: branch, Provisioned: n})
	}
}

// GET /api/branches
func ListBranchesHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		rows, err := s.ListBranches(c.UserContext())
		if err != nil {
			return err
		}
		return c.JSON(rows)
	}
}

// PUT /api/admin/branches/:id/active
func SetBranchActiveHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := c.ParamsInt("id")
		if err != nil || id <= 0 {
			return fiber.NewError(fiber.StatusBadRequest, "invalid branch id")
		}
		active, err := parseActive(c)
		if err != nil {
			return err
		}

		branch, err := s.SetBranchActive(c.UserContext(), uint(id), active, auth.ActorID(c))
		if err != nil {
			return err
		}
		return c.JSON(branch)
	}
}

// ----------------------------------------
// ITEM TYPES
// ----------------------------------------

// POST /api/admin/item-types
func CreateItemTypeHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body CreateItemTypeRequest
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}

		item, n, err := s.CreateItemType(c.UserContext(), ItemTypeInput{SKU: body.SKU, Name: body.Name, MinStockLevel: body.MinStockLevel}, auth.ActorID(c))
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(CreatedResponse{Entity: item, Provisioned: n})
	}
}

// GET /api/item-types
func ListItemTypesHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		rows, err := s.ListItemTypes(c.UserContext())
		if err != nil {
			return err
		}
		return c.JSON(rows)
	}
}

// PUT /api/admin/item-types/:id/active
func SetItemTypeActiveHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := c.ParamsInt("id")
		if err != nil || id <= 0 {
			return fiber.NewError(fiber.StatusBadRequest, "invalid item type id")
		}
		active, err := parseActive(c)
		if err != nil {
			return err
		}

		item, err := s.SetItemTypeActive(c.UserContext(), uint(id), active, auth.ActorID(c))
		if err != nil {
			return err
		}
		return c.JSON(item)
	}
}

func parseActive(c *fiber.Ctx) (bool, error) {
	var body SetActiveRequest
	if err := c.BodyParser(&body); err != nil {
		return false, fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if body.Active == nil {
		return false, fiber.NewError(fiber.StatusBadRequest, "active is required")
	}
	return *body.Active, nil
}

// ----------------------------------------
// PROVISIONING & IMPORT
// ----------------------------------------

// POST /api/admin/provision
func ProvisionHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		n, err := s.ProvisionAll(c.UserContext())
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"provisioned": n})
	}
}

// POST /api/admin/stock/import (multipart, field "file", optional form value force=true)
func ImportStockHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		fileHeader, err := c.FormFile("file")
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "file upload failed: "+err.Error())
		}
		if !strings.HasSuffix(strings.ToLower(fileHeader.Filename), ".xlsx") {
			return fiber.NewError(fiber.StatusBadRequest, "only .xlsx files are accepted")
		}

		file, err := fileHeader.Open()
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "cannot open upload: "+err.Error())
		}
		defer file.Close()

		res, err := s.ImportCounts(c.UserContext(), file, c.FormValue("force") == "true", auth.ActorID(c))
		if err != nil {
			return err
		}
		if res.Errors == nil {
			res.Errors = []string{}
		}
		return c.JSON(res)
	}
}
