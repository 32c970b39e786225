package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/medrevise/correction-api/database"
	"github.com/medrevise/correction-api/utils/cache"
	"github.com/medrevise/correction-api/utils/response"
)

// HealthHandler reports service and dependency health
type HealthHandler struct {
	store database.Storage
	cache *cache.RedisCache
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(store database.Storage, redisCache *cache.RedisCache) *HealthHandler {
	return &HealthHandler{store: store, cache: redisCache}
}

// Check handles GET /api/v1/health
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	status := fiber.Map{
		"service":  "ok",
		"database": "ok",
		"redis":    "ok",
	}
	healthy := true

	if err := h.store.HealthCheck(); err != nil {
		status["database"] = err.Error()
		healthy = false
	}
	if h.cache != nil {
		if err := h.cache.Ping(c.Context()); err != nil {
			status["redis"] = err.Error()
			healthy = false
		}
	} else {
		status["redis"] = "not configured"
	}

	if !healthy {
		return c.Status(fiber.StatusServiceUnavailable).JSON(status)
	}
	return response.Success(c, status)
}
