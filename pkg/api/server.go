package api

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/travigo/schoolbus/pkg/api/routes"
)

// NewIdentityMiddleware picks how callers are identified, jwt or header
func NewIdentityMiddleware(mode string) (fiber.Handler, error) {
	switch mode {
	case "header":
		return HeaderIdentity(), nil
	case "jwt":
		jwtValidator, err := NewTokenValidator()
		if err != nil {
			return nil, err
		}
		return JWTIdentity(jwtValidator), nil
	default:
		return nil, fmt.Errorf("unknown identity mode %q", mode)
	}
}

func NewApp(services *Services, identity fiber.Handler) *fiber.App {
	webApp := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})
	webApp.Use(NewLogger())
	webApp.Use(identity)

	group := webApp.Group("/core")

	group.Get("version", routes.APIVersion(services.Index))

	routes.VehiclesRouter(group.Group("/vehicles"), services.Store, services.Orchestrator)
	routes.TripsRouter(group.Group("/trips"), services.Orchestrator)

	routes.AttendanceRouter(group.Group("/attendance"), services.Recorder)

	routes.RoutesRouter(group.Group("/routes"), services.Index)
	routes.StopsRouter(group.Group("/stops"), services.Index)

	routes.EventsRouter(group.Group("/events"), services.Dispatcher)
	routes.NotificationsRouter(group.Group("/notifications"), services.Inbox)
	routes.AccountRouter(group.Group("/account"), services.Targets)

	routes.FeedsRouter(group.Group("/feeds"), services.RealtimeQueue, services.Orchestrator)

	return webApp
}
