package routes

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/travigo/schoolbus/pkg/apperrors"
	"github.com/travigo/schoolbus/pkg/attendance"
	"github.com/travigo/schoolbus/pkg/ctdf"
)

func parseDate(value string) (time.Time, error) {
	if value == "" {
		return time.Now(), nil
	}
	date, err := time.Parse(ctdf.AttendanceDateFormat, value)
	if err != nil {
		return time.Time{}, apperrors.InvalidInput("date should be formatted as YYYY-MM-DD")
	}
	// Midday keeps the calendar date stable when shifted into the recorder's timezone
	return date.Add(12 * time.Hour), nil
}

func AttendanceRouter(router fiber.Router, recorder *attendance.Recorder) {
	router.Post("/", func(c *fiber.Ctx) error {
		identity, err := requireIdentity(c)
		if err != nil {
			return sendError(c, err)
		}

		var request struct {
			RiderRef string `json:"rider"`
			StopRef  string `json:"stop"`
			Date     string `json:"date"`
		}
		if err := c.BodyParser(&request); err != nil {
			return badRequest(c, "Could not parse attendance")
		}

		date, err := parseDate(request.Date)
		if err != nil {
			return sendError(c, err)
		}

		record, err := recorder.MarkPresent(c.UserContext(), identity, request.RiderRef, request.StopRef, date)
		if errors.Is(err, apperrors.ErrDuplicateRecord) {
			return c.JSON(fiber.Map{
				"status": "AlreadyRecorded",
			})
		} else if err != nil {
			return sendError(c, err)
		}

		c.Status(fiber.StatusCreated)
		return sendReduced(c, basicGroups, record)
	})

	router.Get("/stops/:identifier", func(c *fiber.Ctx) error {
		identity, err := requireIdentity(c)
		if err != nil {
			return sendError(c, err)
		}
		switch identity.Role {
		case ctdf.RoleDriver, ctdf.RoleManager, ctdf.RoleSystem:
		default:
			return sendError(c, apperrors.PermissionDenied("stop attendance is restricted to staff"))
		}

		date, err := parseDate(c.Query("date"))
		if err != nil {
			return sendError(c, err)
		}

		records, err := recorder.ListForStop(c.UserContext(), c.Params("identifier"), date)
		if err != nil {
			return sendError(c, err)
		}
		if records == nil {
			records = []*ctdf.AttendanceRecord{}
		}

		return sendReduced(c, basicGroups, records)
	})

	router.Get("/riders/:identifier", func(c *fiber.Ctx) error {
		identity, err := requireIdentity(c)
		if err != nil {
			return sendError(c, err)
		}

		records, err := recorder.ListForRider(c.UserContext(), identity, c.Params("identifier"))
		if err != nil {
			return sendError(c, err)
		}
		if records == nil {
			records = []*ctdf.AttendanceRecord{}
		}

		return sendReduced(c, basicGroups, records)
	})
}
