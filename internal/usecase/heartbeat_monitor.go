package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/vitos/trade_copy_bridge/internal/domain"
	"go.uber.org/zap"
)

// HeartbeatMonitor evicts connections that stopped sending heartbeats.
type HeartbeatMonitor struct {
	registry *ConnectionRegistry
	tick     time.Duration
	timeout  time.Duration
	logger   *zap.Logger
	now      func() time.Time

	closing sync.WaitGroup
}

func NewHeartbeatMonitor(registry *ConnectionRegistry, tick, timeout time.Duration, logger *zap.Logger) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		registry: registry,
		tick:     tick,
		timeout:  timeout,
		logger:   logger.Named("heartbeat"),
		now:      time.Now,
	}
}

// Run sweeps every tick until ctx is cancelled.
func (m *HeartbeatMonitor) Run(ctx context.Context) error {
	m.logger.Info("Starting heartbeat monitor", zap.Duration("tick", m.tick), zap.Duration("timeout", m.timeout))
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.closing.Wait()
			return nil
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep removes every stale connection from the registry and closes its
// transport on a separate goroutine, so a slow close never delays the rest.
// It returns the number of evicted connections.
func (m *HeartbeatMonitor) Sweep() int {
	stale := m.registry.Stale(m.now(), m.timeout)
	evicted := 0
	for _, conn := range stale {
		if !m.registry.Remove(conn.ID) {
			continue
		}
		evicted++
		m.logger.Info("Evicting stale connection",
			zap.String("connection_id", conn.ID),
			zap.String("account_id", conn.AccountID),
			zap.String("code", string(domain.ErrConnectionTimeout)),
			zap.Duration("silence", m.now().Sub(conn.LastHeartbeatAt)),
		)

		m.closing.Add(1)
		go func(c *domain.Connection) {
			defer m.closing.Done()
			if c.Transport == nil {
				return
			}
			if err := c.Transport.Close(); err != nil {
				m.logger.Debug("Transport close failed", zap.String("connection_id", c.ID), zap.Error(err))
			}
		}(conn)
	}
	return evicted
}

// WaitClosed blocks until all transports closed by Sweep are done.
func (m *HeartbeatMonitor) WaitClosed() {
	m.closing.Wait()
}
