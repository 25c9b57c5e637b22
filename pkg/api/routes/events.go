package routes

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/liip/sheriff"
	"github.com/rs/zerolog/log"
	"github.com/travigo/schoolbus/pkg/ctdf"
	"github.com/travigo/schoolbus/pkg/notify"
	"github.com/valyala/fasthttp"
)

const streamHeartbeat = 15 * time.Second

func splitQuery(value string) []string {
	if value == "" {
		return nil
	}

	parts := []string{}
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

func predicateQuery(c *fiber.Ctx) notify.PredicateQuery {
	query := notify.PredicateQuery{
		StopRefs:   splitQuery(c.Query("stop")),
		RouteRefs:  splitQuery(c.Query("route")),
		VehicleRef: c.Query("vehicle"),
		Expression: c.Query("filter"),
	}
	for _, eventType := range splitQuery(c.Query("type")) {
		query.Types = append(query.Types, ctdf.EventType(eventType))
	}
	return query
}

func EventsRouter(router fiber.Router, dispatcher *notify.Dispatcher) {
	router.Get("/stream", func(c *fiber.Ctx) error {
		if _, err := requireIdentity(c); err != nil {
			return sendError(c, err)
		}

		predicate, err := predicateQuery(c).Build()
		if err != nil {
			return badRequest(c, err.Error())
		}

		limit, err := strconv.Atoi(c.Query("limit", "0"))
		if err != nil || limit < 0 {
			return badRequest(c, "Parameter limit should be a positive integer")
		}

		subscription := dispatcher.Subscribe(predicate)

		c.Set(fiber.HeaderContentType, "text/event-stream")
		c.Set(fiber.HeaderCacheControl, "no-cache")
		c.Set(fiber.HeaderConnection, "keep-alive")

		c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
			defer subscription.Close()

			heartbeat := time.NewTicker(streamHeartbeat)
			defer heartbeat.Stop()

			sent := 0
			for {
				select {
				case event, ok := <-subscription.C():
					if !ok {
						return
					}
					if err := writeEvent(w, event); err != nil {
						log.Debug().Err(err).Uint64("subscription", subscription.ID()).Msg("Event stream closed")
						return
					}

					sent++
					if limit > 0 && sent >= limit {
						return
					}
				case <-heartbeat.C:
					fmt.Fprint(w, ": ping\n\n")
					if err := w.Flush(); err != nil {
						return
					}
				}
			}
		}))

		return nil
	})
}

func writeEvent(w *bufio.Writer, event ctdf.Event) error {
	reduced, err := sheriff.Marshal(&sheriff.Options{
		Groups: basicGroups,
	}, event)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(reduced)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.PrimaryIdentifier, event.Type, payload)
	return w.Flush()
}
