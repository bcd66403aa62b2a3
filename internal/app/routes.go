package app

import (
	"strings"
	"time"

	"supplydesk-backend/internal/audit"
	"supplydesk-backend/internal/auth"
	"supplydesk-backend/internal/catalog"
	"supplydesk-backend/internal/events"
	"supplydesk-backend/internal/ledger"
	"supplydesk-backend/internal/lifecycle"
	"supplydesk-backend/internal/models"
	"supplydesk-backend/internal/sla"
	"supplydesk-backend/internal/views"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

// NewServer builds the fiber app with middleware and every route mounted.
// hub may be nil, in which case the live feed is not served.
func NewServer(e *Engine, hub *events.Hub, log *zap.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: ErrorHandler(log),
		BodyLimit:    8 << 20,
	})

	origins := strings.Split(e.Config.CORSOrigins, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(origins, ","),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))

	Routes(app, e, hub)
	return app
}

func Routes(app *fiber.App, e *Engine, hub *events.Hub) {
	api := app.Group("/api")

	// Public auth
	api.Post("/auth/login", auth.LoginHandler(e.Config, e.DB))

	protected := api.Group("")
	protected.Use(auth.JWTMiddleware(e.Config))

	protected.Get("/auth/me", auth.MeHandler(e.DB))

	// Admin
	admin := protected.Group("/admin")
	admin.Use(auth.RequireRole(models.RoleAdmin))

	admin.Post("/branches", catalog.CreateBranchHandler(e.Catalog))
	admin.Get("/branches", catalog.ListBranchesHandler(e.Catalog))
	admin.Put("/branches/:id/active", catalog.SetBranchActiveHandler(e.Catalog))
	admin.Post("/item-types", catalog.CreateItemTypeHandler(e.Catalog))
	admin.Get("/item-types", catalog.ListItemTypesHandler(e.Catalog))
	admin.Put("/item-types/:id/active", catalog.SetItemTypeActiveHandler(e.Catalog))
	admin.Post("/provision", catalog.ProvisionHandler(e.Catalog))
	admin.Post("/stock/adjust", ledger.AdjustStockHandler(e.Stock))
	admin.Post("/stock/import", catalog.ImportStockHandler(e.Catalog))
	admin.Post("/sla/sweep", sla.SweepHandler(e.Monitor, func() time.Time { return e.Now() }))

	// Requests
	protected.Post("/requests", lifecycle.CreateRequestHandler(e.Requests))
	protected.Get("/requests/mine", lifecycle.MyRequestsHandler(e.Requests))
	protected.Get("/requests/:id", lifecycle.GetRequestHandler(e.Requests))
	protected.Get("/requests/:id/snapshot", lifecycle.SnapshotHandler(e.Requests))
	protected.Post("/requests/:id/transitions", lifecycle.TransitionHandler(e.Requests))

	// Stock and read views
	protected.Get("/stock/availability", ledger.AvailabilityHandler(e.Stock))
	protected.Get("/views/active-requests", views.ActiveRequestsHandler(e.Views))
	protected.Get("/views/stock-alerts", views.StockAlertsHandler(e.Views))
	protected.Get("/views/sla-monitor", views.SlaMonitorHandler(e.Views))

	// Audit trail is staff only.
	protected.Get("/audit/:entityType/:entityId",
		auth.RequireRole(models.RoleAdmin, models.RoleExecutor),
		audit.HistoryHandler(e.Audit))

	if hub != nil {
		ws := app.Group("/ws")
		ws.Use(auth.JWTMiddleware(e.Config))
		ws.Use(func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})
		ws.Get("/events", websocket.New(hub.HandleWebSocket))
	}
}
