// Package api exposes the admin HTTP surface: stats, diagnostics, alerts,
// manual recovery, pack reload and Prometheus metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/poolwarden/poolwarden/internal/config"
)

// Server wraps the HTTP listener and lifecycle helpers.
type Server struct {
	cfg        config.ServerConfig
	httpServer *http.Server
}

// NewServer builds the router and binds it to the configured address.
func NewServer(cfg config.ServerConfig, h *Handlers, reg *prometheus.Registry, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/stats", h.Stats)
		v1.GET("/diagnostics", h.Diagnostics)
		v1.GET("/alerts", h.Alerts)
		v1.POST("/alerts/:id/resolve", h.ResolveAlert)
		v1.POST("/errors", h.ReportError)
		v1.POST("/samples", h.ReportSample)
		v1.POST("/recovery/trigger", h.TriggerRecovery)
		v1.GET("/recovery/executions/:id", h.Execution)
		v1.GET("/breakers", h.Breakers)
		v1.POST("/breakers/:component/reset", h.ResetBreaker)
		v1.POST("/packs/reload", h.ReloadPack)
	}

	return &Server{
		cfg: cfg,
		httpServer: &http.Server{
			Addr:              cfg.Address,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start serves until Shutdown is invoked. http.ErrServerClosed is swallowed.
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within the configured graceful timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.cfg.GracefulTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)))
	}
}
