// Package auth provides the bearer-token middleware guarding every route
// except the public ping.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// Token is the single admin credential. When AUTH_TOKEN is unset a random
// token is generated and printed at startup so a fresh deployment is never
// left open.
type Token struct {
	value     string
	generated bool
}

func NewToken(configured string, logger *zap.Logger) (*Token, error) {
	if configured != "" {
		return &Token{value: configured}, nil
	}

	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	value := hex.EncodeToString(buf)
	logger.Warn("AUTH_TOKEN not set, generated one for this run", zap.String("token", value))
	return &Token{value: value, generated: true}, nil
}

func (t *Token) Generated() bool { return t.generated }

// Middleware rejects requests without a matching bearer token.
func (t *Token) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		supplied, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || supplied == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"message": "missing bearer token",
			})
		}
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(t.value)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"message": "invalid token",
			})
		}
		return c.Next()
	}
}
