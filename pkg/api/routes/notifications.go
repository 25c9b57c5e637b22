package routes

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/travigo/schoolbus/pkg/ctdf"
	"github.com/travigo/schoolbus/pkg/notify"
)

func NotificationsRouter(router fiber.Router, inbox notify.Inbox) {
	router.Get("/", func(c *fiber.Ctx) error {
		identity, err := requireIdentity(c)
		if err != nil {
			return sendError(c, err)
		}

		query := notify.InboxQuery{
			StopRefs:  splitQuery(c.Query("stop")),
			RouteRefs: splitQuery(c.Query("route")),
		}

		if since := c.Query("since"); since != "" {
			query.Since, err = time.Parse(time.RFC3339, since)
			if err != nil {
				return badRequest(c, "Parameter since should be an RFC3339/ISO8601 datetime")
			}
		}
		if limit := c.Query("limit"); limit != "" {
			query.Limit, err = strconv.Atoi(limit)
			if err != nil {
				return badRequest(c, "Parameter limit should be an integer")
			}
		}

		notifications, err := inbox.List(c.UserContext(), identity.UserID, query)
		if err != nil {
			return sendError(c, err)
		}
		if notifications == nil {
			notifications = []ctdf.Event{}
		}

		return sendReduced(c, basicGroups, notifications)
	})

	router.Post("/:identifier/read", func(c *fiber.Ctx) error {
		identity, err := requireIdentity(c)
		if err != nil {
			return sendError(c, err)
		}

		if err := inbox.MarkRead(c.UserContext(), identity.UserID, c.Params("identifier")); err != nil {
			return sendError(c, err)
		}

		return c.JSON(fiber.Map{
			"success": true,
		})
	})
}

func AccountRouter(router fiber.Router, targets notify.TargetRepository) {
	router.Post("/notificationtoken", func(c *fiber.Ctx) error {
		identity, err := requireIdentity(c)
		if err != nil {
			return sendError(c, err)
		}

		var requestBody struct {
			Token     string   `json:"token"`
			StopRefs  []string `json:"stops"`
			RouteRefs []string `json:"routes"`
		}
		if err := c.BodyParser(&requestBody); err != nil {
			return badRequest(c, "Could not parse notification token")
		}
		if requestBody.Token == "" {
			return badRequest(c, "No token set")
		}

		err = targets.Register(c.UserContext(), ctdf.UserPushNotificationTarget{
			UserID:                identity.UserID,
			PushNotificationToken: requestBody.Token,
			StopRefs:              requestBody.StopRefs,
			RouteRefs:             requestBody.RouteRefs,
		})
		if err != nil {
			return sendError(c, err)
		}

		return c.JSON(fiber.Map{
			"success": true,
		})
	})
}
