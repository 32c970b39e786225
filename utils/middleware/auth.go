package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/medrevise/correction-api/utils/auth"
	"github.com/medrevise/correction-api/utils/response"
)

// AuthMiddleware handles JWT authentication for the admin API
type AuthMiddleware struct {
	jwtManager *auth.JWTManager
}

// NewAuthMiddleware creates a new auth middleware
func NewAuthMiddleware(jwtManager *auth.JWTManager) *AuthMiddleware {
	return &AuthMiddleware{
		jwtManager: jwtManager,
	}
}

// Required is middleware that requires a valid admin JWT token
func (m *AuthMiddleware) Required() fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Get token from Authorization header
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return response.Unauthorized(c, "Missing authorization token")
		}

		// Extract token from "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return response.Unauthorized(c, "Invalid authorization format")
		}

		claims, err := m.jwtManager.ValidateToken(parts[1])
		if err != nil {
			if err == auth.ErrExpiredToken {
				return response.Unauthorized(c, "Token has expired")
			}
			return response.Unauthorized(c, "Invalid token")
		}

		if claims.Role != "admin" {
			return response.Forbidden(c, "Admin access required")
		}

		c.Locals("subject", claims.Subject)
		c.Locals("claims", claims)

		return c.Next()
	}
}

// GetSubject returns the authenticated subject stored by Required
func GetSubject(c *fiber.Ctx) (string, bool) {
	subject, ok := c.Locals("subject").(string)
	return subject, ok && subject != ""
}
