package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/lockerhq/lockerd/pkg/response"
)

// Health reports service liveness and database reachability.
func Health(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := gin.H{"status": "ok"}

		if db != nil {
			sqlDB, err := db.DB()
			if err == nil {
				err = sqlDB.PingContext(c.Request.Context())
			}
			if err != nil {
				status["status"] = "degraded"
				status["database"] = "unreachable"
				response.Success(c, http.StatusServiceUnavailable, status)
				return
			}
			status["database"] = "ok"
		}

		response.Success(c, http.StatusOK, status)
	}
}
