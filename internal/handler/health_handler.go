package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sefazor/cutout-backend/internal/models"
	"gorm.io/gorm"
)

type HealthHandler struct {
	db *gorm.DB
}

func NewHealthHandler(db *gorm.DB) *HealthHandler {
	return &HealthHandler{db: db}
}

func (h *HealthHandler) Check(c *fiber.Ctx) error {
	database := "ok"
	if err := h.ping(c.UserContext()); err != nil {
		database = "unavailable"
	}
	return c.JSON(models.SuccessResponse(fiber.Map{
		"status":    "ok",
		"database":  database,
		"timestamp": time.Now().UTC(),
	}, "Background removal API is running"))
}

func (h *HealthHandler) ping(ctx context.Context) error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}
