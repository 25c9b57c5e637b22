package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/travigo/schoolbus/pkg/ctdf"
	"github.com/travigo/schoolbus/pkg/routeindex"
)

type routeView struct {
	*ctdf.Route `groups:"basic"`

	Stops []*ctdf.Stop `groups:"basic"`
}

type stopView struct {
	*ctdf.Stop `groups:"basic"`

	ScheduledArrival string `groups:"basic"`
}

func RoutesRouter(router fiber.Router, index *routeindex.Index) {
	router.Get("/", func(c *fiber.Ctx) error {
		return sendReduced(c, basicGroups, index.Routes())
	})

	router.Get("/:identifier", func(c *fiber.Ctx) error {
		route, err := index.GetRoute(c.Params("identifier"))
		if err != nil {
			return sendError(c, err)
		}

		stops, err := index.StopsForRoute(route.PrimaryIdentifier)
		if err != nil {
			return sendError(c, err)
		}

		return sendReduced(c, detailedGroups, routeView{Route: route, Stops: stops})
	})
}

func StopsRouter(router fiber.Router, index *routeindex.Index) {
	router.Get("/:identifier", func(c *fiber.Ctx) error {
		stop, err := index.GetStop(c.Params("identifier"))
		if err != nil {
			return sendError(c, err)
		}

		view := stopView{Stop: stop}
		if scheduled, ok := index.ScheduledArrival(stop.PrimaryIdentifier); ok {
			view.ScheduledArrival = scheduled.Format("15:04")
		}

		return sendReduced(c, detailedGroups, view)
	})
}
