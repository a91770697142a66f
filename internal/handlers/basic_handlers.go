package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// HealthHandler liveness plus a database ping
type HealthHandler struct {
	db *gorm.DB
}

func NewHealthHandler(db *gorm.DB) *HealthHandler {
	return &HealthHandler{db: db}
}

// HealthCheckHandler
// GET /health
func (h *HealthHandler) HealthCheckHandler(c *gin.Context) {
	status := http.StatusOK
	dbStatus := "healthy"

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if sqlDB, err := h.db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		status = http.StatusServiceUnavailable
		dbStatus = "unhealthy"
	}

	c.JSON(status, gin.H{
		"status":   http.StatusText(status),
		"service":  "settlement-backend",
		"database": dbStatus,
	})
}
