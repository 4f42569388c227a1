package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (s *Server) handleHealth(c *gin.Context) {
	stats := s.registry.SnapshotStats()

	status := "ok"
	code := http.StatusOK
	if s.ledger != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.ledger.Ping(ctx); err != nil {
			s.logger.Warn("Ledger ping failed", zap.Error(err))
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	c.JSON(code, gin.H{
		"status":      status,
		"connections": stats.Total,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	resp := gin.H{
		"connections": s.registry.SnapshotStats(),
	}
	if s.queue != nil {
		counts, err := s.queue.Stats(c.Request.Context())
		if err != nil {
			s.logger.Error("Failed to read queue stats", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "queue stats unavailable"})
			return
		}
		resp["queue"] = counts
	}
	c.JSON(http.StatusOK, resp)
}
