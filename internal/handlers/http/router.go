// Package http mounts the service's HTTP surface: health, metrics, the room
// inspection API and the signaling websocket endpoint.
package http

import (
	"net/http"
	"time"

	"couchsync/internal/core/ports"
	"couchsync/internal/infrastructure/middleware"
	"couchsync/internal/infrastructure/signal"
	"couchsync/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func NewRouter(
	cfg *config.Config,
	ws *signal.WebSocketServer,
	rooms ports.RoomService,
	logger *zap.SugaredLogger,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"connections": ws.ConnectionCount(),
		})
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	router.GET("/ws",
		middleware.NewConnectionRateLimitMiddleware(cfg),
		gin.WrapF(ws.HandleWebSocket),
	)

	NewRoomHandler(rooms).SetupRoutes(router)

	return router
}

func requestLogger(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// Websocket upgrades hold the connection open; skip their
		// duration to keep the log readable.
		if c.Writer.Status() == http.StatusSwitchingProtocols {
			return
		}

		logger.Debugw("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
