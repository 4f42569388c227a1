package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/vitos/trade_copy_bridge/internal/infrastructure/execution"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"server"`
	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		File   string `yaml:"file"`
	} `yaml:"logging"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Queue     QueueConfig     `yaml:"queue"`
	Delivery  struct {
		DirectPush bool `yaml:"direct_push"`
	} `yaml:"delivery"`
	Adapters map[string]execution.Settings `yaml:"adapters"`
	Reports  struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"reports"`
}

type HeartbeatConfig struct {
	Tick    time.Duration `yaml:"tick"`
	Timeout time.Duration `yaml:"timeout"`
}

type QueueConfig struct {
	Workers          int           `yaml:"workers"`
	BatchSize        int           `yaml:"batch_size"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
	MaxAttempts      int           `yaml:"max_attempts"`
	Expiry           time.Duration `yaml:"expiry"`
	ExpirySweep      time.Duration `yaml:"expiry_sweep"`
	OfflineDefer     time.Duration `yaml:"offline_defer"`
}

// Load reads path, applies .env and BRIDGE_* overrides, then defaults. A
// missing .env file is not an error.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("BRIDGE_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("BRIDGE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BRIDGE_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("BRIDGE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("BRIDGE_KAFKA_BROKERS"); v != "" {
		c.Reports.Brokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.Reports.Brokers = append(c.Reports.Brokers, b)
			}
		}
	}
	return nil
}

// Validate fills defaults and rejects values the bridge cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "bridge.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	hb := &c.Heartbeat
	if hb.Tick <= 0 {
		hb.Tick = 10 * time.Second
	}
	if hb.Timeout <= 0 {
		hb.Timeout = 45 * time.Second
	}
	if hb.Timeout <= hb.Tick {
		return fmt.Errorf("heartbeat.timeout %s must exceed heartbeat.tick %s", hb.Timeout, hb.Tick)
	}

	q := &c.Queue
	if q.Workers <= 0 {
		q.Workers = 3
	}
	if q.BatchSize <= 0 {
		q.BatchSize = 10
	}
	if q.PollInterval <= 0 {
		q.PollInterval = 250 * time.Millisecond
	}
	if q.ExecutionTimeout <= 0 {
		q.ExecutionTimeout = 15 * time.Second
	}
	if q.MaxAttempts <= 0 {
		q.MaxAttempts = 3
	}
	if q.Expiry <= 0 {
		q.Expiry = 5 * time.Minute
	}
	if q.ExpirySweep <= 0 {
		q.ExpirySweep = 30 * time.Second
	}
	if q.OfflineDefer <= 0 {
		q.OfflineDefer = 5 * time.Second
	}

	if c.Reports.Topic == "" {
		c.Reports.Topic = "copy.executions"
	}
	for code, a := range c.Adapters {
		switch a.Kind {
		case execution.KindSimulated, execution.KindSession:
		case execution.KindREST:
			if a.Endpoint == "" {
				return fmt.Errorf("adapters.%s: rest adapter requires endpoint", code)
			}
		default:
			return fmt.Errorf("adapters.%s: unknown kind %q", code, a.Kind)
		}
		if a.FailureRate < 0 || a.FailureRate > 1 {
			return fmt.Errorf("adapters.%s: failure_rate must be within [0,1]", code)
		}
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
