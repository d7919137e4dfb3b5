// Package httpapi is the control plane's callback-receiver HTTP surface:
// the worker callback endpoint, health check, and the queue-stats
// introspection endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/veza-dj/control-plane/internal/apperr"
	"github.com/veza-dj/control-plane/internal/callback"
	"github.com/veza-dj/control-plane/internal/monitoring"
	"github.com/veza-dj/control-plane/internal/store"
)

// QueueStatsSource is the subset of internal/store.JobStore the stats
// endpoint depends on.
type QueueStatsSource interface {
	Stats(ctx context.Context) (store.QueueStats, error)
}

// Router builds the Gin engine for the control plane's HTTP surface.
type Router struct {
	callbacks *callback.Router
	stats     QueueStatsSource
	metrics   *monitoring.Metrics
	logger    *zap.Logger
}

// New constructs a Router.
func New(callbacks *callback.Router, stats QueueStatsSource, metrics *monitoring.Metrics, logger *zap.Logger) *Router {
	return &Router{callbacks: callbacks, stats: stats, metrics: metrics, logger: logger}
}

// Build assembles the gin.Engine with every route registered.
func (r *Router) Build(environment string) *gin.Engine {
	if environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	if r.metrics != nil {
		engine.Use(r.metrics.GinMiddleware())
	}

	engine.GET("/health", r.handleHealth)
	if r.metrics != nil {
		engine.GET("/metrics", r.metrics.Handler())
	}

	internal := engine.Group("/internal")
	internal.POST("/callback", r.handleCallback)
	internal.GET("/queue/stats", r.handleQueueStats)

	return engine
}

func (r *Router) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleCallback accepts a worker stage callback {job_id, stage, status?,
// data} and dispatches it to the Callback Router.
func (r *Router) handleCallback(c *gin.Context) {
	var cb callback.Callback
	if err := json.NewDecoder(c.Request.Body).Decode(&cb); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed callback body"})
		return
	}

	err := r.callbacks.Handle(c.Request.Context(), cb)
	if r.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		r.metrics.RecordCallback(cb.Stage, outcome)
	}
	if err != nil {
		r.logger.Warn("callback handling failed", zap.String("stage", cb.Stage), zap.Error(err))
		status := http.StatusInternalServerError
		if isValidationErr(err) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func isValidationErr(err error) bool {
	return errors.Is(err, apperr.ErrValidation)
}

// handleQueueStats returns a point-in-time snapshot of queue counters.
func (r *Router) handleQueueStats(c *gin.Context) {
	stats, err := r.stats.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if r.metrics != nil {
		r.metrics.SetQueueDepth("queued", float64(stats.Queued))
		r.metrics.SetQueueDepth("processing", float64(stats.Processing))
		r.metrics.SetQueueDepth("completed", float64(stats.Completed))
		r.metrics.SetQueueDepth("failed", float64(stats.Failed))
		r.metrics.SetQueueDepth("cancelled", float64(stats.Cancelled))
	}
	c.JSON(http.StatusOK, stats)
}
