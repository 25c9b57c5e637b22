package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/travigo/schoolbus/pkg/routeindex"
)

// Version is overridden at build time with -ldflags "-X .../routes.Version=..."
var Version = "dev"

func APIVersion(index *routeindex.Index) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"version":             Version,
			"referenceDataLoaded": index.LoadedAt(),
		})
	}
}
