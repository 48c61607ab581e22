package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/gabihodoroga/pubsub-dedup/model"
	"github.com/gabihodoroga/pubsub-dedup/service"
)

const (
	defaultEventsLimit = 50
	maxEventsLimit     = 1000
	defaultBurstCount  = 10
	maxBurstCount      = 1000
	healthTimeout      = 2 * time.Second
)

// listener is what the listener routes need from the instance runtime
type listener struct {
	instanceID  string
	processor   *service.EventProcessor
	handler     model.EventHandler
	coordinator model.ClaimCoordinator
	store       model.EventStore
}

func newRouter(name string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(name))
	r.GET("/", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

func newListenerRouter(l *listener) *gin.Engine {
	r := newRouter("listener-router")

	r.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()

		redisOK := l.coordinator.Ping(ctx) == nil
		databaseOK := l.store.Ping(ctx) == nil
		status, code := "healthy", http.StatusOK
		if !redisOK || !databaseOK {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":     status,
			"instanceId": l.instanceID,
			"redis":      redisOK,
			"database":   databaseOK,
			"transport":  l.handler.Connected(),
		})
	})

	r.GET("/stats", func(c *gin.Context) {
		transport, err := l.handler.Stats(c.Request.Context())
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		// the marker scan is diagnostic, a failure only hides that section
		var claims *model.ClaimStats
		if s, err := l.coordinator.Stats(c.Request.Context(), l.instanceID); err != nil {
			zap.L().Warn("stats: failed to read coordinator stats", zap.Error(err))
		} else {
			claims = &s
		}
		c.JSON(http.StatusOK, gin.H{
			"instance":  l.processor.Stats(),
			"transport": transport,
			"redis":     claims,
		})
	})

	r.GET("/events", func(c *gin.Context) {
		limit := defaultEventsLimit
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = min(n, maxEventsLimit)
		}
		events, err := l.store.FindByProcessedBy(c.Request.Context(), c.Query("processedBy"), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"count":  len(events),
			"events": events,
		})
	})

	return r
}

type burstRequest struct {
	Count *int `json:"count"`
}

// newBroadcasterRouter serves the broadcaster; ctx bounds the background bursts
func newBroadcasterRouter(ctx context.Context, b *service.EventBroadcaster) *gin.Engine {
	r := newRouter("broadcaster-router")

	r.GET("/health", func(c *gin.Context) {
		stats := b.Stats()
		c.JSON(http.StatusOK, gin.H{
			"status":                 "healthy",
			"transport":              stats.Transport,
			"totalEventsBroadcasted": stats.TotalBroadcast,
			"publishErrors":          stats.PublishErrors,
		})
	})

	r.POST("/broadcast-burst", func(c *gin.Context) {
		req := burstRequest{}
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		count := defaultBurstCount
		if req.Count != nil {
			count = *req.Count
		}
		if count < 1 || count > maxBurstCount {
			c.JSON(http.StatusBadRequest, gin.H{"error": "count must be in range [1, 1000]"})
			return
		}
		b.Burst(ctx, count, service.DefaultBurstSpacing)
		c.JSON(http.StatusAccepted, gin.H{
			"message": "Broadcasting " + strconv.Itoa(count) + " events",
			"count":   count,
		})
	})

	return r
}
