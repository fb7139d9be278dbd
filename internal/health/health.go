package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaybroker/ccrelay/internal/kv"
)

// Handler serves the broker's liveness, readiness, and metrics endpoints.
type Handler struct {
	store      kv.Store
	metrics    *Metrics
	pingTimeout time.Duration
}

// NewHandler builds a Handler backed by store for readiness checks and
// metrics for the /metrics endpoint.
func NewHandler(store kv.Store, metrics *Metrics) *Handler {
	return &Handler{store: store, metrics: metrics, pingTimeout: 2 * time.Second}
}

// Register wires the liveness, readiness, and metrics routes onto router.
func (h *Handler) Register(router *gin.Engine) {
	router.GET("/liveness", h.liveness)
	router.GET("/health", h.liveness)
	router.GET("/readiness", h.readiness)
	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.metrics.Registry(), promhttp.HandlerOpts{})))
	}
}

// liveness reports whether the process is up. It never checks dependencies:
// an orchestrator uses this to decide whether to restart the process, not
// whether to route traffic to it.
func (h *Handler) liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// readiness reports whether the broker can currently serve traffic, which
// requires the KV store to be reachable.
func (h *Handler) readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.pingTimeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
