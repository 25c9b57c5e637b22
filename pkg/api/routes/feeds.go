package routes

import (
	"github.com/adjust/rmq/v5"
	"github.com/gofiber/fiber/v2"
	"github.com/travigo/schoolbus/pkg/apperrors"
	"github.com/travigo/schoolbus/pkg/ctdf"
	"github.com/travigo/schoolbus/pkg/tracking"
)

// FeedsRouter accepts bulk AVL feeds. With a queue the fixes are handed to the tracker
// consumers, otherwise they are applied inline.
func FeedsRouter(router fiber.Router, queue rmq.Queue, orchestrator *tracking.Orchestrator) {
	router.Post("/gtfs-rt", func(c *fiber.Ctx) error {
		identity, err := requireIdentity(c)
		if err != nil {
			return sendError(c, err)
		}
		if identity.Role != ctdf.RoleSystem && identity.Role != ctdf.RoleManager {
			return sendError(c, apperrors.PermissionDenied("feeds are restricted to system integrations"))
		}

		updates, err := tracking.DecodeVehiclePositions(c.Body())
		if err != nil {
			return sendError(c, err)
		}

		if queue != nil {
			if err := tracking.EnqueuePositions(queue, updates); err != nil {
				return sendError(c, err)
			}

			c.Status(fiber.StatusAccepted)
			return c.JSON(fiber.Map{
				"queued": len(updates),
			})
		}

		applied, err := orchestrator.ApplyPositions(c.UserContext(), updates)
		if err != nil {
			return sendError(c, err)
		}

		return c.JSON(fiber.Map{
			"received": len(updates),
			"applied":  applied,
		})
	})
}
