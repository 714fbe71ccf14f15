// Package server wires the HTTP surface: downstream-format endpoints,
// middleware chain, quota enforcement, dispatch, and accounting.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"all2api-go/internal/config"
	"all2api-go/internal/dispatch"
	"all2api-go/internal/middleware"
	"all2api-go/internal/quota"
	"all2api-go/internal/store"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Server holds the handler dependencies.
type Server struct {
	cfg    *config.Config
	store  *store.Store
	quota  *quota.Enforcer
	engine *dispatch.Engine

	httpSrv *http.Server
}

// New builds the server.
func New(cfg *config.Config, st *store.Store, q *quota.Enforcer, e *dispatch.Engine) *Server {
	return &Server{cfg: cfg, store: st, quota: q, engine: e}
}

// Router assembles the gin engine and routes.
func (s *Server) Router() *gin.Engine {
	if !s.cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(
		markStart(),
		middleware.RequestID(),
		middleware.Recovery(),
		middleware.RequestLogger(),
		middleware.CORS(),
		middleware.RateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst),
	)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authed := r.Group("/", middleware.APIKeyAuth(s.store))
	authed.POST("/v1/messages", s.handleAnthropicMessages)
	authed.POST("/v1/chat/completions", s.handleOpenAIChat)
	authed.POST("/gemini-antigravity/v1/messages", s.handleAntigravityMessages)
	authed.POST("/orchids/v1/messages", s.handleOrchidsMessages)
	authed.POST("/v1beta/models/*action", s.handleGeminiGenerate)
	authed.GET("/v1/models", s.handleModels)

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:    ":" + s.cfg.Port,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("port", s.cfg.Port).Info("http server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown incomplete")
		return err
	}
	log.Info("http server stopped")
	return nil
}

// nowUnix supplies the created timestamp of OpenAI responses and model
// list entries.
var nowUnix = func() int64 { return time.Now().Unix() }
