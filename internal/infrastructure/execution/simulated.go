package execution

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/vitos/trade_copy_bridge/internal/domain"
)

// SimulatedAdapter fills every instruction locally after a fixed latency.
// FailureRate in [0,1] makes a share of calls fail.
type SimulatedAdapter struct {
	platform string
	latency  time.Duration
	failRate float64
	slippage float64

	mu  sync.Mutex
	rng *rand.Rand
	seq int64
}

func NewSimulatedAdapter(platform string, s Settings) *SimulatedAdapter {
	return &SimulatedAdapter{
		platform: platform,
		latency:  time.Duration(s.LatencyMs) * time.Millisecond,
		failRate: s.FailureRate,
		slippage: s.SlippagePoints,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (a *SimulatedAdapter) Platform() string {
	return a.platform
}

func (a *SimulatedAdapter) Execute(ctx context.Context, in *domain.CopyInstruction) (*domain.ExecutionResult, error) {
	if a.latency > 0 {
		timer := time.NewTimer(a.latency)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	fail := a.failRate > 0 && a.rng.Float64() < a.failRate
	a.seq++
	seq := a.seq
	a.mu.Unlock()

	if fail {
		return &domain.ExecutionResult{Success: false, ErrorMessage: "simulated broker rejection"}, nil
	}

	ticket := in.TargetTradeID
	if in.Action == domain.ActionOpen {
		ticket = fmt.Sprintf("SIM-%d-%d", time.Now().Unix(), seq)
	}
	return &domain.ExecutionResult{
		Success:         true,
		PlatformTradeID: ticket,
		SlippagePoints:  a.slippage,
	}, nil
}
