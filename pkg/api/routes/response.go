package routes

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/liip/sheriff"
	"github.com/rs/zerolog/log"
	"github.com/travigo/schoolbus/pkg/apperrors"
	"github.com/travigo/schoolbus/pkg/ctdf"
)

const identityLocal = "identity"

var (
	basicGroups    = []string{"basic"}
	detailedGroups = []string{"basic", "detailed"}
)

func SetIdentity(c *fiber.Ctx, identity ctdf.Identity) {
	c.Locals(identityLocal, identity)
}

// CurrentIdentity is the caller set by the identity middleware
func CurrentIdentity(c *fiber.Ctx) (ctdf.Identity, bool) {
	identity, ok := c.Locals(identityLocal).(ctdf.Identity)
	return identity, ok && identity.UserID != "" && identity.Role.IsValid()
}

var errUnauthenticated = errors.New("authentication is required")

func requireIdentity(c *fiber.Ctx) (ctdf.Identity, error) {
	identity, ok := CurrentIdentity(c)
	if !ok {
		return identity, errUnauthenticated
	}
	return identity, nil
}

// sendReduced writes value through sheriff so only the requested field groups are exposed
func sendReduced(c *fiber.Ctx, groups []string, value interface{}) error {
	reduced, err := sheriff.Marshal(&sheriff.Options{
		Groups: groups,
	}, value)
	if err != nil {
		c.Status(fiber.StatusInternalServerError)
		return c.JSON(fiber.Map{
			"error": "Sherrif could not reduce response",
		})
	}

	return c.JSON(reduced)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, errUnauthenticated):
		return fiber.StatusUnauthorized
	case errors.Is(err, apperrors.ErrInvalidInput):
		return fiber.StatusBadRequest
	case errors.Is(err, apperrors.ErrPermissionDenied):
		return fiber.StatusForbidden
	case errors.Is(err, apperrors.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, apperrors.ErrInvalidState):
		return fiber.StatusConflict
	case errors.Is(err, apperrors.ErrStaleUpdate):
		return fiber.StatusAccepted
	case errors.Is(err, apperrors.ErrDuplicateRecord):
		return fiber.StatusOK
	case errors.Is(err, apperrors.ErrStorageFailure), errors.Is(err, apperrors.ErrTransportFailure):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func sendError(c *fiber.Ctx, err error) error {
	status := statusForError(err)

	message := err.Error()
	if status >= fiber.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Path()).Msg("Request failed")
		if status == fiber.StatusInternalServerError {
			message = "Internal error"
		}
	}

	c.Status(status)
	return c.JSON(fiber.Map{
		"error": message,
	})
}

func badRequest(c *fiber.Ctx, message string) error {
	c.Status(fiber.StatusBadRequest)
	return c.JSON(fiber.Map{
		"error": message,
	})
}
