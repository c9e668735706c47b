package api

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/mediaforge/foreman/pkg/log"
	"github.com/mediaforge/foreman/pkg/metrics"
)

const (
	correlationHeader = "X-Correlation-ID"
	nodeIDHeader      = "X-Node-ID"

	correlationKey = "correlation_id"
	nodeIDKey      = "node_id"
)

// CorrelationID returns the request correlation id set by the middleware.
func CorrelationID(c *gin.Context) string {
	return c.GetString(correlationKey)
}

// CallerNodeID returns the node identity of the caller, empty for admin or
// anonymous calls.
func CallerNodeID(c *gin.Context) string {
	return c.GetString(nodeIDKey)
}

// correlationMiddleware generates a correlation id at the edge (honoring
// one supplied by the client) and echoes it on every response.
func correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(correlationHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(correlationKey, id)
		c.Header(correlationHeader, id)
		c.Next()
	}
}

// metricsMiddleware records request counts and latency per route.
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := metrics.NewTimer()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		timer.ObserveDuration(metrics.APIRequestDuration.WithLabelValues(route))
		metrics.APIRequestsTotal.WithLabelValues(
			c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// loggingMiddleware emits one line per request with the correlation id.
func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger := log.WithCorrelationID(CorrelationID(c))
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Msg("request handled")
	}
}

// corsMiddleware allows the configured origins. An empty list disables
// cross-origin access entirely.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowed["*"] || allowed[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Node-ID, X-Correlation-ID")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// rateLimitMiddleware throttles clients per IP.
func rateLimitMiddleware(rps rate.Limit, burst int) gin.HandlerFunc {
	var (
		mu       sync.Mutex
		limiters = make(map[string]*rate.Limiter)
	)
	limiterFor := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[ip]
		if !ok {
			l = rate.NewLimiter(rps, burst)
			limiters[ip] = l
		}
		return l
	}
	return func(c *gin.Context) {
		if !limiterFor(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorEnvelope{
				Code:          "rate_limited",
				Message:       "too many requests",
				CorrelationID: CorrelationID(c),
				RetryAfter:    1,
			})
			return
		}
		c.Next()
	}
}

// recoveryMiddleware turns panics into a scrubbed 500 envelope.
func recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger := log.WithCorrelationID(CorrelationID(c))
				logger.Error().
					Interface("panic", r).
					Str("path", c.Request.URL.Path).
					Msg("handler panicked")
				c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorEnvelope{
					Code:          "internal",
					Message:       "internal server error",
					CorrelationID: CorrelationID(c),
				})
			}
		}()
		c.Next()
	}
}
