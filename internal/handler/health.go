package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type HealthHandler struct {
	db     *pgxpool.Pool
	redis  *redis.Client
	logger *zap.Logger
}

func NewHealthHandler(db *pgxpool.Pool, redis *redis.Client, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		db:     db,
		redis:  redis,
		logger: logger,
	}
}

// Check reports dependency health. A down Redis degrades quota checks to
// the fallback path but the service keeps serving, so only the database
// marks the whole service unhealthy.
func (h *HealthHandler) Check(c *gin.Context) {
	dbStatus := "ok"
	if err := h.db.Ping(c.Request.Context()); err != nil {
		dbStatus = "error"
		h.logger.Error("Health check: PostgreSQL ping failed", zap.Error(err))
	}

	redisStatus := "ok"
	if _, err := h.redis.Ping(c.Request.Context()).Result(); err != nil {
		redisStatus = "degraded"
		h.logger.Warn("Health check: Redis ping failed, quota checks on fallback path", zap.Error(err))
	}

	status := http.StatusOK
	overall := "ok"
	if dbStatus == "error" {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	} else if redisStatus != "ok" {
		overall = "degraded"
	}

	c.JSON(status, gin.H{
		"status": overall,
		"dependencies": gin.H{
			"database": dbStatus,
			"redis":    redisStatus,
		},
	})
}
