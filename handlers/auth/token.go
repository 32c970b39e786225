package auth

import (
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/medrevise/correction-api/utils/auth"
	"github.com/medrevise/correction-api/utils/response"
	"github.com/medrevise/correction-api/utils/validation"
)

// AuthHandler issues admin API tokens. There is a single admin identity
// whose bcrypt password hash comes from the environment; the correction
// platform has no self-service accounts.
type AuthHandler struct {
	jwtManager        *auth.JWTManager
	adminPasswordHash string
	validator         *validation.Validator
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(jwtManager *auth.JWTManager, adminPasswordHash string) *AuthHandler {
	return &AuthHandler{
		jwtManager:        jwtManager,
		adminPasswordHash: adminPasswordHash,
		validator:         validation.NewValidator(),
	}
}

// TokenRequest is the login payload
type TokenRequest struct {
	Username string `json:"username" validate:"required,min=2,max=64"`
	Password string `json:"password" validate:"required,min=8"`
}

// TokenResponse carries the issued token
type TokenResponse struct {
	Token string `json:"token"`
	Role  string `json:"role"`
}

// IssueToken handles POST /api/v1/auth/token
func (h *AuthHandler) IssueToken(c *fiber.Ctx) error {
	var req TokenRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		return response.UnprocessableEntity(c, "Validation failed", validation.FormatValidationErrors(err))
	}

	if h.adminPasswordHash == "" {
		log.Printf("[Auth] token request rejected: ADMIN_PASSWORD_HASH not configured")
		return response.InternalServerError(c, "Authentication not configured")
	}

	if err := auth.VerifyPassword(h.adminPasswordHash, req.Password); err != nil {
		log.Printf("[Auth] failed login attempt for %q", req.Username)
		return response.Unauthorized(c, "Invalid credentials")
	}

	token, _, err := h.jwtManager.GenerateToken(req.Username, "admin")
	if err != nil {
		return response.InternalServerError(c, "Failed to generate token")
	}

	return response.Success(c, TokenResponse{Token: token, Role: "admin"})
}
