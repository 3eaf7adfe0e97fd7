package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/lockerhq/lockerd/internal/app"
	"github.com/lockerhq/lockerd/internal/handlers"
	"github.com/lockerhq/lockerd/internal/middleware"
	"github.com/lockerhq/lockerd/internal/realtime"
	"github.com/lockerhq/lockerd/internal/services"
)

// NewRouter builds the Gin engine, wires middleware and registers the locker
// routes.
func NewRouter(db *gorm.DB, coordinator *services.CoordinationService, hub *realtime.Hub, cfg *app.Config) (*gin.Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if coordinator == nil {
		return nil, fmt.Errorf("coordination service must be provided")
	}
	if hub == nil {
		return nil, fmt.Errorf("realtime hub must be provided")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS())

	// Health endpoint (public)
	r.GET("/health", handlers.Health(db))

	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := cfg.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	lockerHandler, err := handlers.NewLockerHandler(coordinator)
	if err != nil {
		return nil, err
	}
	channelHandler, err := handlers.NewChannelHandler(hub)
	if err != nil {
		return nil, err
	}

	lockers := r.Group("/api/lockers")
	{
		lockers.POST("/claim", lockerHandler.Claim)
		lockers.POST("/unlock", lockerHandler.Unlock)
		lockers.GET("/:id", lockerHandler.Get)
		lockers.POST("/:id/movement", lockerHandler.Movement)
		lockers.GET("/:id/history", lockerHandler.History)
		lockers.GET("/:id/alerts", lockerHandler.Alerts)
		lockers.GET("/:id/channel", channelHandler.Subscribe)
	}

	return r, nil
}
