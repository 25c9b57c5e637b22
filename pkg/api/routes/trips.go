package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/travigo/schoolbus/pkg/tracking"
)

func TripsRouter(router fiber.Router, orchestrator *tracking.Orchestrator) {
	router.Get("/active", func(c *fiber.Ctx) error {
		return sendReduced(c, basicGroups, orchestrator.ActiveTrips())
	})

	router.Post("/", func(c *fiber.Ctx) error {
		identity, err := requireIdentity(c)
		if err != nil {
			return sendError(c, err)
		}

		var request struct {
			VehicleRef string `json:"vehicle"`
			RouteRef   string `json:"route"`
		}
		if err := c.BodyParser(&request); err != nil {
			return badRequest(c, "Could not parse trip")
		}
		if request.VehicleRef == "" || request.RouteRef == "" {
			return badRequest(c, "vehicle and route are required")
		}

		trip, err := orchestrator.StartTrip(c.UserContext(), identity, request.VehicleRef, request.RouteRef)
		if err != nil {
			return sendError(c, err)
		}

		c.Status(fiber.StatusCreated)
		return sendReduced(c, detailedGroups, trip)
	})

	router.Post("/:vehicle/end", func(c *fiber.Ctx) error {
		identity, err := requireIdentity(c)
		if err != nil {
			return sendError(c, err)
		}

		trip, err := orchestrator.EndTrip(c.UserContext(), identity, c.Params("vehicle"))
		if err != nil {
			return sendError(c, err)
		}

		return sendReduced(c, detailedGroups, trip)
	})
}
