package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"entity-engine/internal/engine"
	"entity-engine/internal/store"
)

// AuthHandler handles authentication endpoints.
type AuthHandler struct {
	repo      store.Repository
	jwtSecret string
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(repo store.Repository, jwtSecret string) *AuthHandler {
	return &AuthHandler{repo: repo, jwtSecret: jwtSecret}
}

func unauthorized(msg string) *engine.AppError {
	return engine.NewAppError(engine.CodeUnauthorized, 401, msg)
}

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.NewAppError(engine.CodeInvalidPayload, 400, "Invalid request body")
	}
	if body.Email == "" || body.Password == "" {
		return unauthorized("Email and password are required")
	}

	user, err := h.findUser(c.UserContext(), body.Email)
	if err != nil {
		return err
	}
	if user == nil || !CheckPassword(body.Password, user.PasswordHash) {
		return unauthorized("Invalid email or password")
	}
	if !user.Active {
		return unauthorized("Account is disabled")
	}

	pair, err := GenerateTokenPair(user, h.jwtSecret)
	if err != nil {
		return engine.NewAppError("INTERNAL_ERROR", 500, "Failed to generate tokens")
	}
	return c.JSON(fiber.Map{"data": pair})
}

// Refresh handles POST /api/auth/refresh. The account is reloaded so role
// and status changes take effect on the next pair.
func (h *AuthHandler) Refresh(c *fiber.Ctx) error {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.NewAppError(engine.CodeInvalidPayload, 400, "Invalid request body")
	}
	if body.RefreshToken == "" {
		return unauthorized("Refresh token is required")
	}

	claims, err := ParseRefreshToken(body.RefreshToken, h.jwtSecret)
	if err != nil {
		return unauthorized("Invalid or expired refresh token")
	}
	user, err := h.findUser(c.UserContext(), claims.Email)
	if err != nil {
		return err
	}
	if user == nil || user.ID != claims.Subject {
		return unauthorized("Invalid refresh token")
	}
	if !user.Active {
		return unauthorized("Account is disabled")
	}

	pair, err := GenerateTokenPair(user, h.jwtSecret)
	if err != nil {
		return engine.NewAppError("INTERNAL_ERROR", 500, "Failed to generate tokens")
	}
	return c.JSON(fiber.Map{"data": pair})
}

// Me handles GET /api/auth/me.
func (h *AuthHandler) Me(c *fiber.Ctx) error {
	user := GetUser(c)
	if user == nil {
		return engine.UnauthorizedError()
	}
	return c.JSON(fiber.Map{"data": user})
}

// RegisterAuthRoutes registers the public auth routes.
func RegisterAuthRoutes(app fiber.Router, h *AuthHandler) {
	auth := app.Group("/api/auth")
	auth.Post("/login", h.Login)
	auth.Post("/refresh", h.Refresh)
}

// findUser returns nil without error when no account has the email.
func (h *AuthHandler) findUser(ctx context.Context, email string) (*store.User, error) {
	var user *store.User
	err := h.repo.RunInTx(ctx, func(tx store.Tx) error {
		var err error
		user, err = tx.FindUserByEmail(ctx, strings.TrimSpace(email))
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return user, err
}
