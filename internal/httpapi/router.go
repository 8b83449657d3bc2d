package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kestrelrender/rendergrid"
)

// requestIDHeader is the header clients may supply to correlate a request
// across their own logs; when absent, a fresh one is generated.
const requestIDHeader = "X-Request-Id"

// NewRouter builds the full gin engine: recovery, request logging, a health
// check, and every route under /api/v1.
func NewRouter(svc *rendergrid.Service, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestIDMiddleware())
	r.Use(loggerMiddleware(logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "rendergrid"})
	})

	h := NewHandler(svc)
	v1 := r.Group("/api/v1")
	h.Register(v1)

	return r
}

// requestIDMiddleware stamps every request with a correlation ID, echoed
// back in the response header and carried into the access log line.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDHeader, id)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

// loggerMiddleware logs each request with slog, grounded on the pack's
// gin+slog access-log idiom.
func loggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("http request",
			slog.Int("status", c.Writer.Status()),
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("ip", c.ClientIP()),
			slog.Duration("latency", time.Since(start)),
			slog.String("request_id", c.GetString(requestIDHeader)),
		)
	}
}
