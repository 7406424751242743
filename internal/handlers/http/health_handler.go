package http

import (
	"net/http"

	"callcore/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type HealthHandler struct {
	checker *monitoring.HealthChecker
	stats   func() any
}

func NewHealthHandler(checker *monitoring.HealthChecker, stats func() any) *HealthHandler {
	return &HealthHandler{checker: checker, stats: stats}
}

func (h *HealthHandler) SetupRoutes(router *gin.Engine, withMetrics bool) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	if withMetrics {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
}

// Health reports liveness only.
func (h *HealthHandler) Health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if h.stats != nil {
		body["relay"] = h.stats()
	}
	c.JSON(http.StatusOK, body)
}

func (h *HealthHandler) Ready(c *gin.Context) {
	status := h.checker.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
