// Package api provides the local HTTP and WebSocket surface the UI layer
// uses to observe and drive the sync engine. It listens on localhost only.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kimhsiao/meetsync/internal/logging"
	"github.com/kimhsiao/meetsync/internal/models"
	syncengine "github.com/kimhsiao/meetsync/internal/sync"
	"github.com/kimhsiao/meetsync/internal/sync/conflict"
)

// DefaultListen is the default bind address.
const DefaultListen = "127.0.0.1:8090"

const shutdownTimeout = 5 * time.Second

// SyncService is the engine surface the API drives.
type SyncService interface {
	EnqueueRecord(ctx context.Context, op models.OperationType, collection string, record models.SyncRecord) (*models.QueueItem, error)
	ForceSync(ctx context.Context) (*syncengine.SweepResult, error)
	Status(ctx context.Context) (*syncengine.SyncStatus, error)
	SetConflictStrategy(strategy conflict.Strategy) error
	ListQueue(ctx context.Context) ([]*models.QueueItem, error)
	ClearQueue(ctx context.Context) (int, error)
	DeadLetters(ctx context.Context) ([]*models.DeadLetterEntry, error)
	RetryDeadLettered(ctx context.Context) (int, error)
	RetryDeadLetter(ctx context.Context, itemID string) (*models.QueueItem, error)
	PendingConflicts(ctx context.Context) ([]*models.ConflictReport, error)
	ResolveConflict(ctx context.Context, itemID string, resolution models.Resolution) error
	ConflictLogs(ctx context.Context, limit int) ([]*models.ConflictLog, error)
	Pull(ctx context.Context, collection string) (int, error)
}

// Options configures a Server.
type Options struct {
	Listen  string
	Metrics http.Handler // served on /metrics when set
}

// Server is the API server.
type Server struct {
	engine SyncService
	hub    *Hub
	router *gin.Engine
	listen string
}

// NewServer builds the router. The returned server's Hub should be added
// to the engine as an event handler.
func NewServer(engine SyncService, opts Options) *Server {
	if opts.Listen == "" {
		opts.Listen = DefaultListen
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine: engine,
		hub:    NewHub(),
		router: gin.New(),
		listen: opts.Listen,
	}
	s.router.Use(requestLogger(), gin.Recovery())
	s.routes(opts.Metrics)
	return s
}

// Hub returns the WebSocket event hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes(metrics http.Handler) {
	s.router.GET("/api/health", s.health)
	s.router.GET("/api/ws", gin.WrapF(s.hub.serve))
	if metrics != nil {
		s.router.GET("/metrics", gin.WrapH(metrics))
	}

	h := &syncHandler{engine: s.engine}
	g := s.router.Group("/api/sync")
	{
		g.GET("/status", h.status)
		g.POST("/force", h.force)
		g.GET("/queue", h.listQueue)
		g.POST("/queue", h.enqueue)
		g.DELETE("/queue", h.clearQueue)
		g.GET("/dead-letter", h.listDeadLetters)
		g.POST("/dead-letter/retry", h.retryDeadLetters)
		g.PUT("/strategy", h.setStrategy)
		g.GET("/conflicts", h.listConflicts)
		g.GET("/conflicts/log", h.conflictLog)
		g.POST("/conflicts/:itemId/resolve", h.resolveConflict)
		g.POST("/pull/:collection", h.pull)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "meetsync"})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("API server listening", map[string]interface{}{"addr": s.listen})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.hub.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logging.Info("API server stopped")
	return nil
}

// requestLogger logs each request through the structured logger.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		ctx := map[string]interface{}{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logging.Warn("API request failed", ctx)
			return
		}
		logging.Debug("API request", ctx)
	}
}
