package api

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/otherjamesbrown/mailpulse/pkg/logging"
)

const (
	requestIDKey    = "requestId"
	requestIDHeader = "X-Request-Id"
)

// RequestID attaches a request ID to the gin context, the request context
// and the response header.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = generateRequestID()
		}
		c.Set(requestIDKey, id)
		c.Request = c.Request.WithContext(logging.ContextWith(c.Request.Context(), logging.RequestIDKey, id))
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

// RequestIDFromContext fetches the request ID stored by RequestID.
func RequestIDFromContext(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

func generateRequestID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return time.Now().UTC().Format("20060102150405.000000000")
	}
	return hex.EncodeToString(b[:])
}

// Logging emits one structured entry per request.
func Logging(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log := logger.WithContext(c.Request.Context())
		fields := []logging.Field{
			logging.F("method", c.Request.Method),
			logging.F("path", c.FullPath()),
			logging.F("status", c.Writer.Status()),
			logging.F("duration_ms", float64(time.Since(start).Microseconds())/1000.0),
			logging.F("client_ip", c.ClientIP()),
		}
		if tenant := c.GetString("tenantId"); tenant != "" {
			fields = append(fields, logging.F("tenant_id", tenant))
		}

		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			log.Error("Request failed", fields...)
		case c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/metrics":
			log.Debug("Request complete", fields...)
		default:
			log.Info("Request complete", fields...)
		}
	}
}

// Recovery turns a panic into a 500 with the standard error body.
func Recovery(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.WithContext(c.Request.Context()).Error("Handler panic",
					logging.F("panic", fmt.Sprint(rec)),
					logging.F("stack", string(debug.Stack())),
					logging.F("path", c.Request.URL.Path))
				Error(c, http.StatusInternalServerError, "internal", "unexpected server error", nil)
			}
		}()
		c.Next()
	}
}
