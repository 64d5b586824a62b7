package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"entity-engine/internal/engine"
	"entity-engine/internal/metadata"
)

// AuthMiddleware returns a Fiber middleware that validates JWT tokens
// and sets the UserContext on the request, both in Locals and in the
// request's user context.
func AuthMiddleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return unauthorized("Missing auth token")
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return unauthorized("Invalid auth header format")
		}

		claims, err := ParseAccessToken(parts[1], secret)
		if err != nil {
			return unauthorized("Invalid or expired token")
		}

		user := claims.User()
		c.Locals("user", user)
		c.SetUserContext(metadata.WithUser(c.UserContext(), user))

		return c.Next()
	}
}

// RequireAdmin is a Fiber middleware that checks the authenticated user
// administers their tenant.
func RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		user := GetUser(c)
		if user == nil {
			return unauthorized("Missing auth token")
		}
		if !user.IsAdmin() {
			return engine.ForbiddenError("Admin access required")
		}
		return c.Next()
	}
}

// GetUser extracts the UserContext from a Fiber context.
func GetUser(c *fiber.Ctx) *metadata.UserContext {
	user, _ := c.Locals("user").(*metadata.UserContext)
	return user
}
