package auth

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/mkarsa/wa-dispatch-gateway/pkg/router"
)

// AdminAuth validates the X-Admin-Secret header for admin endpoints
func AdminAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		adminSecret := c.Get("X-Admin-Secret")
		if adminSecret == "" {
			return router.ResponseUnauthorized(c, "Missing X-Admin-Secret header")
		}

		if AdminSecretKey == "" {
			return router.ResponseInternalError(c, "Admin secret key not configured")
		}

		if subtle.ConstantTimeCompare([]byte(adminSecret), []byte(AdminSecretKey)) != 1 {
			return router.ResponseUnauthorized(c, "Invalid admin secret")
		}

		return c.Next()
	}
}

// APIAuth validates the JWT token from Authorization header
// Token format: "Bearer <jwt_token>"
// Validation is stateless - no database hit for any request
func APIAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return router.ResponseUnauthorized(c, "Missing Authorization header")
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return router.ResponseUnauthorized(c, "Invalid Authorization header format. Use: Bearer <token>")
		}

		tokenString := parts[1]
		if tokenString == "" {
			return router.ResponseUnauthorized(c, "Missing token")
		}

		claims, err := ValidateAccessToken(tokenString)
		if err != nil {
			return router.ResponseUnauthorized(c, "Invalid or expired token")
		}

		c.Locals("token_name", claims.TokenName)
		c.Locals("token_session_key", claims.SessionKey)

		return c.Next()
	}
}

// SessionScope rejects requests whose token is bound to another session key.
// Fleet-wide tokens (empty session_key claim) pass through.
func SessionScope() fiber.Handler {
	return func(c *fiber.Ctx) error {
		bound, _ := c.Locals("token_session_key").(string)
		if bound == "" {
			return c.Next()
		}
		if key := c.Params("key"); key != "" && key != bound {
			return router.ResponseUnauthorized(c, "Token is not authorized for this session")
		}
		return c.Next()
	}
}
