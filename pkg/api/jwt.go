package api

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/auth0/go-jwt-middleware/v2/jwks"
	"github.com/auth0/go-jwt-middleware/v2/validator"
	"github.com/gofiber/fiber/v2"
	"github.com/travigo/schoolbus/pkg/api/routes"
	"github.com/travigo/schoolbus/pkg/ctdf"
	"github.com/travigo/schoolbus/pkg/util"
)

const (
	headerIdentityUser = "X-Identity-User"
	headerIdentityRole = "X-Identity-Role"
)

// CustomClaims carries the rider-system role issued alongside the subject
type CustomClaims struct {
	Scope string `json:"scope"`
	Role  string `json:"https://schoolbus/role"`
}

func (c CustomClaims) Validate(ctx context.Context) error {
	if c.Role != "" && !ctdf.Role(c.Role).IsValid() {
		return fmt.Errorf("unknown role %q", c.Role)
	}
	return nil
}

// TokenValidator is satisfied by the auth0 validator
type TokenValidator interface {
	ValidateToken(ctx context.Context, tokenString string) (interface{}, error)
}

func NewTokenValidator() (TokenValidator, error) {
	env := util.GetEnvironmentVariables()

	issuerURL, err := url.Parse("https://" + env["SCHOOLBUS_AUTH0_DOMAIN"] + "/")
	if err != nil {
		return nil, fmt.Errorf("parse issuer url: %w", err)
	}

	provider := jwks.NewCachingProvider(issuerURL, 5*time.Minute)

	jwtValidator, err := validator.New(
		provider.KeyFunc,
		validator.RS256,
		issuerURL.String(),
		[]string{env["SCHOOLBUS_AUTH0_AUDIENCE"]},
		validator.WithCustomClaims(
			func() validator.CustomClaims {
				return &CustomClaims{}
			},
		),
		validator.WithAllowedClockSkew(time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("set up jwt validator: %w", err)
	}

	return jwtValidator, nil
}

func unauthorized(c *fiber.Ctx, message string) error {
	c.Status(fiber.StatusUnauthorized)
	return c.JSON(fiber.Map{
		"error": message,
	})
}

// JWTIdentity resolves the caller from a bearer token. Requests without a token continue
// anonymously so public reads work, routes that need a caller reject them.
func JWTIdentity(jwtValidator TokenValidator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader == "" {
			return c.Next()
		}

		jwtToken, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found {
			return unauthorized(c, "Authorization header must be a bearer token")
		}

		claimsI, err := jwtValidator.ValidateToken(c.UserContext(), jwtToken)
		if err != nil {
			return unauthorized(c, "Invalid auth token")
		}

		claims, ok := claimsI.(*validator.ValidatedClaims)
		if !ok {
			return unauthorized(c, "Invalid auth token")
		}

		identity := ctdf.Identity{
			UserID: claims.RegisteredClaims.Subject,
			Role:   ctdf.RoleParent,
		}
		if customClaims, ok := claims.CustomClaims.(*CustomClaims); ok && customClaims.Role != "" {
			identity.Role = ctdf.Role(customClaims.Role)
		}

		routes.SetIdentity(c, identity)

		return c.Next()
	}
}

// HeaderIdentity trusts identity headers set by an authenticating gateway
func HeaderIdentity() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get(headerIdentityUser)
		if userID == "" {
			return c.Next()
		}

		role := ctdf.Role(c.Get(headerIdentityRole))
		if !role.IsValid() {
			return unauthorized(c, "Unknown identity role")
		}

		routes.SetIdentity(c, ctdf.Identity{UserID: userID, Role: role})

		return c.Next()
	}
}
