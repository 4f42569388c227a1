package execution

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vitos/trade_copy_bridge/internal/domain"
	"go.uber.org/zap"
)

type Kind string

const (
	KindSimulated Kind = "simulated"
	KindREST      Kind = "rest"
	KindSession   Kind = "session"
)

// Settings configures the adapter used for one platform code.
type Settings struct {
	Kind           Kind    `yaml:"kind"`
	Endpoint       string  `yaml:"endpoint"`
	APIKey         string  `yaml:"api_key"`
	APISecret      string  `yaml:"api_secret"`
	RatePerSecond  float64 `yaml:"rate_per_second"`
	Burst          int     `yaml:"burst"`
	LatencyMs      int     `yaml:"latency_ms"`
	FailureRate    float64 `yaml:"failure_rate"`
	SlippagePoints float64 `yaml:"slippage_points"`
}

// Terminal platforms whose EA executes the copy itself.
var sessionPlatforms = []string{"mt4", "mt5", "ctrader"}

// Factory resolves platform codes to adapters. Adapters are built lazily and
// reused.
type Factory struct {
	settings map[string]Settings
	sessions SessionLookup
	acks     *AckTracker
	logger   *zap.Logger

	mu       sync.Mutex
	adapters map[string]domain.ExecutionAdapter
}

func NewFactory(settings map[string]Settings, sessions SessionLookup, logger *zap.Logger) *Factory {
	normalized := make(map[string]Settings, len(settings))
	for code, s := range settings {
		normalized[strings.ToLower(code)] = s
	}
	return &Factory{
		settings: normalized,
		sessions: sessions,
		acks:     NewAckTracker(time.Minute),
		logger:   logger.Named("execution"),
		adapters: make(map[string]domain.ExecutionAdapter),
	}
}

// Acks is the tracker session adapters wait on. Inbound copy_ack frames are
// resolved against it.
func (f *Factory) Acks() *AckTracker {
	return f.acks
}

func (f *Factory) Resolve(platformCode string) (domain.ExecutionAdapter, error) {
	code := strings.ToLower(strings.TrimSpace(platformCode))

	f.mu.Lock()
	defer f.mu.Unlock()

	if a, ok := f.adapters[code]; ok {
		return a, nil
	}
	a, err := f.build(code)
	if err != nil {
		return nil, err
	}
	f.adapters[code] = a
	return a, nil
}

func (f *Factory) build(code string) (domain.ExecutionAdapter, error) {
	s, ok := f.settings[code]
	if !ok {
		s, ok = defaultSettings(code)
	}
	if !ok {
		return nil, fmt.Errorf("platform %q: %w", code, domain.ErrPlatformNotHandled)
	}

	switch s.Kind {
	case KindSimulated:
		return NewSimulatedAdapter(code, s), nil
	case KindREST:
		if s.Endpoint == "" {
			return nil, fmt.Errorf("platform %q: rest adapter requires endpoint", code)
		}
		return NewRESTAdapter(code, s), nil
	case KindSession:
		if f.sessions == nil {
			return nil, fmt.Errorf("platform %q: session adapter without registry", code)
		}
		return NewSessionAdapter(code, f.sessions, f.acks, f.logger), nil
	}
	return nil, fmt.Errorf("platform %q: unknown adapter kind %q: %w", code, s.Kind, domain.ErrPlatformNotHandled)
}

func defaultSettings(code string) (Settings, bool) {
	if code == string(KindSimulated) {
		return Settings{Kind: KindSimulated}, true
	}
	for _, p := range sessionPlatforms {
		if p == code {
			return Settings{Kind: KindSession}, true
		}
	}
	return Settings{}, false
}
