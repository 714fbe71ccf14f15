// Package middleware holds the gin middleware chain: request ids, panic
// recovery, access logging, CORS, and the global per-IP rate limiter.
// API-key authentication lives here too; quota enforcement runs in the
// handlers after the body is parsed.
package middleware

import (
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"all2api-go/internal/apierr"
	"all2api-go/internal/logging"
	"all2api-go/internal/models"
	"all2api-go/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Context keys set by the chain.
const (
	CtxRequestID = "request_id"
	CtxAPIKey    = "api_key"
)

// RequestID assigns or propagates X-Request-ID.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader("X-Request-ID")
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(CtxRequestID, rid)
		c.Writer.Header().Set("X-Request-ID", rid)
		c.Next()
	}
}

// Recovery 返回一个 panic 恢复中间件
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.WithFields(log.Fields{
					"error":     err,
					"stack":     string(debug.Stack()),
					"path":      c.Request.URL.Path,
					"method":    c.Request.Method,
					"client_ip": c.ClientIP(),
				}).Error("Panic recovered")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": gin.H{
						"message": "Internal server error",
						"type":    "internal_error",
					},
				})
			}
		}()
		c.Next()
	}
}

// RequestLogger logs HTTP requests
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		keyPrefix := ""
		if key := APIKeyFrom(c); key != nil {
			keyPrefix = key.KeyPrefix
		}
		logging.WithReq(c, log.Fields{
			"status":     c.Writer.Status(),
			"latency_ms": logging.DurationMS(time.Since(start)),
			"user_agent": c.Request.UserAgent(),
			"api_key":    keyPrefix,
		}).Info("http_request")
	}
}

// CORS provides Cross-Origin Resource Sharing support for the API surface.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "false")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-API-Key, Model-Provider")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RateLimiter applies a per-client-IP request rate limit in front of the
// per-key quota checks. rps <= 0 disables it.
func RateLimiter(rps, burst int) gin.HandlerFunc {
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst <= 0 {
		burst = rps * 2
	}
	limiters := &sync.Map{}
	return func(c *gin.Context) {
		limiterI, _ := limiters.LoadOrStore(c.ClientIP(), rate.NewLimiter(rate.Limit(rps), burst))
		if !limiterI.(*rate.Limiter).Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{
					"message": "Rate limit exceeded",
					"type":    "rate_limit_error",
				},
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// extractKey pulls the downstream API key from Authorization: Bearer or
// X-API-Key.
func extractKey(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
	}
	return strings.TrimSpace(c.GetHeader("X-API-Key"))
}

// APIKeyAuth validates the downstream key against the store and stashes
// the row in the context.
func APIKeyAuth(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := extractKey(c)
		if raw == "" {
			abortWithError(c, apierr.New(http.StatusUnauthorized, apierr.KindAuthRejected, "missing API key"))
			return
		}
		key, err := st.FindAPIKey(c.Request.Context(), raw)
		if err != nil {
			abortWithError(c, apierr.New(http.StatusUnauthorized, apierr.KindAuthRejected, "invalid API key"))
			return
		}
		c.Set(CtxAPIKey, key)
		st.TouchAPIKey(c.Request.Context(), key.ID)
		c.Next()
	}
}

// APIKeyFrom returns the authenticated key row, nil when absent.
func APIKeyFrom(c *gin.Context) *models.ApiKey {
	v, ok := c.Get(CtxAPIKey)
	if !ok {
		return nil
	}
	key, _ := v.(*models.ApiKey)
	return key
}

// RequestIDFrom returns the request id assigned by RequestID.
func RequestIDFrom(c *gin.Context) string {
	v, ok := c.Get(CtxRequestID)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func abortWithError(c *gin.Context, e *apierr.Error) {
	c.Data(e.Status, "application/json", e.ToJSON(apierr.FormatOpenAI))
	c.Abort()
}
