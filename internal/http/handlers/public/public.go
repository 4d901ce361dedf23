package public

import (
	"context"
	"net/http"
	"time"

	"github.com/escrow-ledger/internal/cache"
	"github.com/escrow-ledger/internal/models"

	"github.com/gin-gonic/gin"
)

const healthCheckTimeout = 2 * time.Second

// Health 健康检查
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	status := "ok"
	database := "ok"
	if err := pingDatabase(ctx); err != nil {
		requestLog(c).Warnw("health_database_ping_failed", "error", err)
		status = "degraded"
		database = "unavailable"
	}
	redisState := "disabled"
	if cache.Enabled() {
		redisState = "ok"
		if err := cache.Client().Ping(ctx).Err(); err != nil {
			requestLog(c).Warnw("health_redis_ping_failed", "error", err)
			status = "degraded"
			redisState = "unavailable"
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   status,
		"database": database,
		"redis":    redisState,
	})
}

func pingDatabase(ctx context.Context) error {
	if models.DB == nil {
		return errDatabaseNotReady
	}
	sqlDB, err := models.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
