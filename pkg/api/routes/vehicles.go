package routes

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/travigo/schoolbus/pkg/apperrors"
	"github.com/travigo/schoolbus/pkg/ctdf"
	"github.com/travigo/schoolbus/pkg/tracking"
	"github.com/travigo/schoolbus/pkg/vehiclelocation"
)

type positionRequest struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Speed      *float64  `json:"speed"`
	Heading    *float64  `json:"heading"`
	RecordedAt time.Time `json:"recordedAt"`
}

type estimateRequest struct {
	StopRef string    `json:"stop"`
	ETA     time.Time `json:"eta"`
}

func VehiclesRouter(router fiber.Router, store *vehiclelocation.Store, orchestrator *tracking.Orchestrator) {
	router.Get("/active", func(c *fiber.Ctx) error {
		vehicles, err := store.ListActive(c.UserContext(), vehiclelocation.ActiveFilter{
			RouteRef: c.Query("route"),
			Status:   ctdf.ScheduleStatus(c.Query("status")),
		})
		if err != nil {
			return sendError(c, err)
		}

		return sendReduced(c, basicGroups, vehicles)
	})

	router.Get("/:identifier", func(c *fiber.Ctx) error {
		vehicle, err := store.GetVehicle(c.UserContext(), c.Params("identifier"))
		if err != nil {
			return sendError(c, err)
		}

		return sendReduced(c, detailedGroups, vehicle)
	})

	router.Post("/:identifier/position", func(c *fiber.Ctx) error {
		identity, err := requireIdentity(c)
		if err != nil {
			return sendError(c, err)
		}

		var request positionRequest
		if err := c.BodyParser(&request); err != nil {
			return badRequest(c, "Could not parse position")
		}
		if request.RecordedAt.IsZero() {
			request.RecordedAt = time.Now()
		}

		outcome, err := orchestrator.HandlePosition(c.UserContext(), identity, vehiclelocation.PositionUpdate{
			VehicleRef: c.Params("identifier"),
			Latitude:   request.Latitude,
			Longitude:  request.Longitude,
			Speed:      request.Speed,
			Heading:    request.Heading,
			RecordedAt: request.RecordedAt,
		})
		if errors.Is(err, apperrors.ErrStaleUpdate) {
			c.Status(fiber.StatusAccepted)
			return c.JSON(fiber.Map{
				"status": "Ignored",
			})
		} else if err != nil {
			return sendError(c, err)
		}

		events := outcome.Events
		if events == nil {
			events = []ctdf.Event{}
		}

		return sendReduced(c, basicGroups, struct {
			Vehicle *ctdf.Vehicle `groups:"basic"`
			Events  []ctdf.Event  `groups:"basic"`
		}{
			Vehicle: outcome.Vehicle,
			Events:  events,
		})
	})

	router.Post("/:identifier/estimates", func(c *fiber.Ctx) error {
		identity, err := requireIdentity(c)
		if err != nil {
			return sendError(c, err)
		}

		var request estimateRequest
		if err := c.BodyParser(&request); err != nil {
			return badRequest(c, "Could not parse estimate")
		}

		classification, err := orchestrator.ReportEstimate(c.UserContext(), identity, c.Params("identifier"), request.StopRef, request.ETA)
		if err != nil {
			return sendError(c, err)
		}

		return c.JSON(fiber.Map{
			"status":        classification.Status,
			"delayMinutes":  classification.DelayMinutes,
			"scheduledTime": classification.ScheduledTime,
		})
	})

	router.Put("/:identifier/tracking", func(c *fiber.Ctx) error {
		identity, err := requireIdentity(c)
		if err != nil {
			return sendError(c, err)
		}
		if identity.Role != ctdf.RoleManager && identity.Role != ctdf.RoleSystem {
			return sendError(c, apperrors.PermissionDenied("only managers can change vehicle tracking"))
		}

		var request struct {
			Enabled bool `json:"enabled"`
		}
		if err := c.BodyParser(&request); err != nil {
			return badRequest(c, "Could not parse tracking request")
		}

		if err := store.SetTrackingEnabled(c.UserContext(), c.Params("identifier"), request.Enabled); err != nil {
			return sendError(c, err)
		}

		return c.JSON(fiber.Map{
			"success": true,
		})
	})
}
