package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vitos/trade_copy_bridge/internal/domain"
	"github.com/vitos/trade_copy_bridge/internal/usecase"
	"go.uber.org/zap"
)

// QueueStats reports instruction counts by status.
type QueueStats interface {
	Stats(ctx context.Context) (map[domain.InstructionStatus]int, error)
}

// Pinger checks that the ledger is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	engine   *gin.Engine
	server   *http.Server
	registry *usecase.ConnectionRegistry
	signals  *usecase.SignalHandler
	queue    QueueStats
	ledger   Pinger
	logger   *zap.Logger

	// Cancelled on Shutdown; live sessions watch it.
	baseCtx context.Context
	cancel  context.CancelFunc
}

func NewServer(
	addr string,
	registry *usecase.ConnectionRegistry,
	signals *usecase.SignalHandler,
	queue QueueStats,
	ledger Pinger,
	logger *zap.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		engine:   gin.New(),
		registry: registry,
		signals:  signals,
		queue:    queue,
		ledger:   ledger,
		logger:   logger.Named("web"),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/api/stats", s.handleStats)

	// EA sessions
	s.engine.GET("/ws", s.handleWebSocket)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/ws" {
			return
		}
		s.logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		)
	}
}
