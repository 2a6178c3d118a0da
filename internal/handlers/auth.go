package handlers

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"
)

// RequireAPIKey rejects requests whose X-API-Key header doesn't match key.
// Websocket clients can't set headers, so upgrades may pass api_key instead.
func RequireAPIKey(key string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		got := c.Get("X-API-Key")
		if got == "" && c.Get(fiber.HeaderUpgrade) == "websocket" {
			got = c.Query("api_key")
		}
		if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}
		return c.Next()
	}
}
