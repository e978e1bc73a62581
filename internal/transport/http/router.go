package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/richardliu001/escrow-service/internal/config"
	"github.com/richardliu001/escrow-service/internal/metrics"
)

func NewRouter(h *Handler, rl config.RateLimitConfig, auth config.AuthConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.Use(metrics.Middleware())
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", metrics.Handler())
	RegisterHandlers(r, h, auth.JWTSecret)
	return r
}
