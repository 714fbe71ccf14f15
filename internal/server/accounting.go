package server

import (
	"context"
	"time"

	"all2api-go/internal/middleware"
	"all2api-go/internal/models"
	"all2api-go/internal/relay"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// writeLog records one content-free accounting row. Bodies are never
// stored. Failures are logged, never surfaced to the caller.
func (s *Server) writeLog(c *gin.Context, req *relay.ChatRequest, kind models.ProviderKind, cred *models.CredentialRef, status int, errMsg string, usage relay.Usage) {
	start, _ := c.Get("request_start")
	startTime, ok := start.(time.Time)
	if !ok {
		startTime = time.Now()
	}

	row := &models.ApiLog{
		RequestID:    middleware.RequestIDFrom(c),
		Provider:     string(kind),
		ClientIP:     c.ClientIP(),
		UserAgent:    c.Request.UserAgent(),
		Method:       c.Request.Method,
		Path:         c.Request.URL.Path,
		StatusCode:   status,
		ErrorMessage: errMsg,
		DurationMs:   time.Since(startTime).Milliseconds(),
		CreatedAt:    time.Now(),
	}
	if req != nil {
		row.Model = req.Model
		row.Stream = req.Stream
		row.InputTokens = usage.InputTokens
		row.OutputTokens = usage.OutputTokens
	}
	if key := middleware.APIKeyFrom(c); key != nil {
		row.ApiKeyID = key.ID
		row.ApiKeyPrefix = key.KeyPrefix
	}
	if cred != nil {
		row.CredentialID = cred.ID
	}

	// Detached context: the request may already be cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.InsertLog(ctx, row); err != nil {
		log.WithError(err).Warn("api log write failed")
	}
}

// markStart stamps the request start time for duration accounting.
func markStart() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("request_start", time.Now())
		c.Next()
	}
}
