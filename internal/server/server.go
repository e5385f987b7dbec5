// Package server exposes the HTTP API: sync triggers, settlement
// computation, fee period management and the dashboard summary.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	appconfig "sellerflow/config"
	"sellerflow/internal/aggregate"
	"sellerflow/internal/fees"
	"sellerflow/internal/store"
	syncpkg "sellerflow/internal/sync"
	"sellerflow/logger"
)

// Server hosts the Gin-powered API.
type Server struct {
	cfg          *appconfig.Config
	store        *store.Store
	orchestrator *syncpkg.Orchestrator
	builder      *aggregate.Builder
	fees         *fees.Engine
	log          *logger.Log
	httpServer   *http.Server
}

// NewServer wires the API server with its collaborators.
func NewServer(cfg *appconfig.Config, st *store.Store, orch *syncpkg.Orchestrator, builder *aggregate.Builder, feeEngine *fees.Engine) *Server {
	return &Server{
		cfg:          cfg,
		store:        st,
		orchestrator: orch,
		builder:      builder,
		fees:         feeEngine,
		log:          logger.GetLogger(),
	}
}

// Router builds the Gin engine with all routes registered. Exposed for
// handler tests.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/health", s.handleHealth)

	api := router.Group("/api")
	{
		api.POST("/marketplaces/:marketplace/sync", s.handleTriggerSync)
		api.GET("/marketplaces/:marketplace/sync", s.handleSyncStatus)
		api.GET("/dashboard/summary", s.handleDashboardSummary)
		api.POST("/settlement/compute", s.handleComputeSettlement)
		api.GET("/fees/periods", s.handleListFeePeriods)
		api.POST("/fees/periods", s.handleCreateFeePeriod)
	}
	return router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		s.log.WithComponent("http_server").WithFields(logger.Fields{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(started).Milliseconds(),
		}).Debug("request handled")
	}
}

// Run starts the HTTP server and blocks until the context is cancelled or
// the listener fails.
func (s *Server) Run(ctx context.Context) error {
	addr := normalizeAddress(s.cfg.HTTP.Address)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.HTTP.ReadTimeout,
		WriteTimeout: s.cfg.HTTP.WriteTimeout,
	}

	log := s.log.WithComponent("http_server")
	log.WithFields(logger.Fields{"address": addr}).Info("http server starting")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		timeout := s.cfg.HTTP.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		log.Info("http server stopped")
		return nil
	case err := <-errCh:
		return err
	}
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ":8080"
	}
	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
