package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sjq/engine/internal/config"
)

// AdminAuth checks the admin API key from X-Admin-Token, a bearer token or,
// for websocket clients that cannot set headers, the token query parameter.
// An empty key disables the check.
func AdminAuth(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		apiKey := cfg.Auth.AdminAPIKey
		if apiKey == "" {
			return c.Next()
		}

		headerToken := c.Get("X-Admin-Token")
		if headerToken == "" {
			const prefix = "Bearer "
			if auth := c.Get("Authorization"); strings.HasPrefix(auth, prefix) {
				headerToken = auth[len(prefix):]
			}
		}
		if headerToken == "" {
			headerToken = c.Query("token")
		}

		if subtle.ConstantTimeCompare([]byte(headerToken), []byte(apiKey)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "unauthorized",
			})
		}

		return c.Next()
	}
}
