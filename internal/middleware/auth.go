package middleware

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"

	"github.com/trr/admin-api/internal/auth"
	"github.com/trr/admin-api/internal/client"
	"github.com/trr/admin-api/pkg/response"
)

// SessionCookie carries the admin token for browser requests without an
// Authorization header.
const SessionCookie = "__session"

type AuthMiddleware struct {
	authorizer *auth.AdminAuthorizer
}

func NewAuthMiddleware(authorizer *auth.AdminAuthorizer) *AuthMiddleware {
	return &AuthMiddleware{authorizer: authorizer}
}

// RequireAdmin rejects requests that do not carry an allowlisted admin token.
func (m *AuthMiddleware) RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := RequestID(c)

		principal, err := m.authorizer.Authorize(tokenFromRequest(c))
		if err != nil {
			entry := log.WithFields(log.Fields{
				"request_id": requestID,
				"path":       c.Path(),
			})
			if errors.Is(err, auth.ErrForbidden) {
				entry.WithError(err).Info("Admin access denied")
				return response.ProxyError(c, fiber.StatusForbidden, "forbidden", "", requestID)
			}
			entry.WithError(err).Debug("Admin authentication failed")
			return response.ProxyError(c, fiber.StatusUnauthorized, "unauthorized", "", requestID)
		}

		// Store admin identity in context
		c.Locals("userId", principal.UserID)
		c.Locals("email", principal.Email)

		return c.Next()
	}
}

func tokenFromRequest(c *fiber.Ctx) string {
	if authHeader := c.Get(fiber.HeaderAuthorization); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return c.Cookies(SessionCookie)
}

// RequestID returns the caller-supplied correlation id, if any.
func RequestID(c *fiber.Ctx) string {
	return strings.TrimSpace(c.Get(client.RequestIDHeader))
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals("userId").(string); ok {
		return userID
	}
	return ""
}

// GetUserEmail extracts user email from context
func GetUserEmail(c *fiber.Ctx) string {
	if email, ok := c.Locals("email").(string); ok {
		return email
	}
	return ""
}
