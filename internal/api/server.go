// Package api serves the crawler's admin HTTP interface.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rcong315/channelcrawler/internal/accounts"
	"github.com/rcong315/channelcrawler/internal/crawler"
	"github.com/rcong315/channelcrawler/internal/db"
)

const (
	// maxBatch caps usernames per seed or status request.
	maxBatch        = 10000
	shutdownTimeout = 10 * time.Second
)

// ProgressReader exposes crawl progress.
type ProgressReader interface {
	Progress() crawler.Progress
	LastPass() (crawler.Progress, bool)
}

// AccountLister exposes account health.
type AccountLister interface {
	Snapshot() []accounts.Status
}

// QueueStore is the part of the discovery queue served over HTTP.
type QueueStore interface {
	GetStats(ctx context.Context) (db.Stats, error)
	Get(ctx context.Context, identifier string) (*db.QueueItem, error)
	AddIdentifiers(ctx context.Context, batch []string) (int, error)
	UpdateStatus(ctx context.Context, identifiers []string, status, message string) (int, error)
}

// Config holds the admin server dependencies. Gatherer defaults to the
// default Prometheus registry.
type Config struct {
	Port     string
	APIKey   string
	Progress ProgressReader
	Accounts AccountLister
	Queue    QueueStore
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// Server is the admin HTTP server.
type Server struct {
	cfg    Config
	logger *zap.Logger
	router *gin.Engine
}

// NewServer builds the router.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{cfg: cfg, logger: cfg.Logger}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(APIKeyMiddleware(s.cfg.APIKey, s.logger, "/health", "/metrics"))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1")
	v1.GET("/progress", s.progressHandler)
	v1.GET("/accounts", s.accountsHandler)
	v1.GET("/queue/stats", s.queueStatsHandler)
	v1.GET("/queue/items/:username", s.queueItemHandler)
	v1.POST("/queue/seed", s.seedHandler)
	v1.POST("/queue/status", s.statusHandler)

	return router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Admin server starting", zap.String("port", s.cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("Admin server stopped")
	return nil
}
