// Command seed loads demo branches, cartridge types and accounts into the
// configured database. Running it twice is harmless.
package main

import (
	"context"
	"errors"
	"flag"
	"log"

	"supplydesk-backend/internal/app"
	"supplydesk-backend/internal/apperr"
	"supplydesk-backend/internal/auth"
	"supplydesk-backend/internal/catalog"
	"supplydesk-backend/internal/config"
	"supplydesk-backend/internal/database"
	"supplydesk-backend/internal/events"
	"supplydesk-backend/internal/ledger"
	"supplydesk-backend/internal/models"
	"supplydesk-backend/internal/observability"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var branches = []catalog.BranchInput{
	{Code: "F-KAZ", Name: "Kazan office", City: "Kazan"},
	{Code: "F-MSK", Name: "Moscow office", City: "Moscow"},
	{Code: "F-SPB", Name: "Saint Petersburg office", City: "Saint Petersburg"},
}

var cartridges = []catalog.ItemTypeInput{
	{SKU: "HP-101", Name: "HP 101 black toner", MinStockLevel: intPtr(3)},
	{SKU: "HP-102", Name: "HP 102 colour toner", MinStockLevel: intPtr(2)},
	{SKU: "CAN-725", Name: "Canon 725 toner", MinStockLevel: intPtr(2)},
	{SKU: "XER-3020", Name: "Xerox 3020 drum"},
}

func intPtr(v int) *int { return &v }

func main() {
	password := flag.String("password", "changeme123", "password for the demo accounts")
	initial := flag.Int("stock", 10, "initial on-hand quantity per branch and cartridge")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := observability.NewLogger(cfg.LogLevel, false)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	database.Init(cfg, logger)
	engine := app.NewEngine(cfg, database.DB, events.Nop{}, logger)
	ctx := context.Background()

	created := map[string]uint{}
	for _, in := range branches {
		b, _, err := engine.Catalog.CreateBranch(ctx, in, nil)
		if errors.Is(err, apperr.Validation) {
			logger.Info("branch exists, skipping", zap.String("code", in.Code))
			continue
		}
		if err != nil {
			logger.Fatal("create branch", zap.String("code", in.Code), zap.Error(err))
		}
		created[b.Code] = b.ID
	}

	for _, in := range cartridges {
		if _, _, err := engine.Catalog.CreateItemType(ctx, in, nil); err != nil && !errors.Is(err, apperr.Validation) {
			logger.Fatal("create item type", zap.String("sku", in.SKU), zap.Error(err))
		}
	}

	n, err := engine.Catalog.ProvisionAll(ctx)
	if err != nil {
		logger.Fatal("provision", zap.Error(err))
	}
	logger.Info("provisioning done", zap.Int64("created", n))

	hash, err := auth.HashPassword(*password)
	if err != nil {
		logger.Fatal("hash password", zap.Error(err))
	}

	var kazan models.Branch
	if err := database.DB.Where("code = ?", "F-KAZ").First(&kazan).Error; err != nil {
		logger.Fatal("load F-KAZ", zap.Error(err))
	}

	admin := seedUser(logger, models.User{Name: "Admin", Email: "admin@supplydesk.local", Role: models.RoleAdmin}, hash)
	seedUser(logger, models.User{Name: "Executor", Email: "executor@supplydesk.local", Role: models.RoleExecutor}, hash)
	seedUser(logger, models.User{Name: "Kazan office", Email: "kazan@supplydesk.local", Role: models.RoleBranchUser, BranchID: &kazan.ID}, hash)

	// Initial stock only for branches created by this run.
	if *initial > 0 {
		items, err := engine.Catalog.ListItemTypes(ctx)
		if err != nil {
			logger.Fatal("list item types", zap.Error(err))
		}
		for code, branchID := range created {
			for _, it := range items {
				key := ledger.Key{BranchID: branchID, ItemTypeID: it.ID}
				if _, err := engine.AdjustStock(ctx, key, *initial, false, &admin.ID, "initial stock"); err != nil {
					logger.Fatal("initial stock", zap.String("branch", code), zap.String("sku", it.SKU), zap.Error(err))
				}
			}
		}
	}

	logger.Info("seed complete", zap.Int("new_branches", len(created)))
}

func seedUser(logger *zap.Logger, u models.User, hash string) models.User {
	var existing models.User
	err := database.DB.Where("email = ?", u.Email).First(&existing).Error
	if err == nil {
		return existing
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		logger.Fatal("load user", zap.String("email", u.Email), zap.Error(err))
	}

	u.PasswordHash = hash
	u.IsActive = true
	if err := database.DB.Create(&u).Error; err != nil {
		logger.Fatal("create user", zap.String("email", u.Email), zap.Error(err))
	}
	logger.Info("user created", zap.String("email", u.Email), zap.String("role", string(u.Role)))
	return u
}
