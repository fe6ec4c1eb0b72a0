package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Strategy selects the load-balancing strategy applied after filtering
type Strategy string

const (
	StrategyRoundRobin      Strategy = "round_robin"
	StrategyLeastLoaded     Strategy = "least_loaded"
	StrategyFastestResponse Strategy = "fastest_response"
	StrategyPriorityBased   Strategy = "priority_based"
	StrategyCapabilityBased Strategy = "capability_based"
)

// Config holds engine configuration. A Config value is threaded through
// construction; changing it requires rebuilding the affected components.
type Config struct {
	DataDir string `yaml:"data_dir"`

	WorkerCount int      `yaml:"worker_count"`
	MaxRetries  int      `yaml:"max_retries"`
	Strategy    Strategy `yaml:"load_balancing_strategy"`

	BackoffBase     time.Duration `yaml:"backoff_base"`
	BackoffMax      time.Duration `yaml:"backoff_max"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	DedupTTL        time.Duration `yaml:"dedup_ttl"`
	FollowerTimeout time.Duration `yaml:"follower_timeout"`
	ReservationTTL  time.Duration `yaml:"reservation_ttl"`
	ProbeInterval   time.Duration `yaml:"probe_interval"`
	CatchUpWindow   time.Duration `yaml:"catch_up_window"`

	// SlowSubscriberThreshold is the number of missed events after which an
	// event bus subscriber is dropped and must resubscribe.
	SlowSubscriberThreshold int `yaml:"slow_subscriber_threshold"`

	MetricsAddr string `yaml:"metrics_addr"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns the configuration defaults
func Default() Config {
	return Config{
		DataDir:                 "/var/lib/loom",
		WorkerCount:             4,
		MaxRetries:              3,
		Strategy:                StrategyRoundRobin,
		BackoffBase:             1 * time.Second,
		BackoffMax:              60 * time.Second,
		RequestTimeout:          120 * time.Second,
		DedupTTL:                1 * time.Hour,
		FollowerTimeout:         5 * time.Minute,
		ReservationTTL:          60 * time.Second,
		ProbeInterval:           30 * time.Second,
		CatchUpWindow:           1 * time.Hour,
		SlowSubscriberThreshold: 100,
		MetricsAddr:             ":9090",
		LogLevel:                "info",
	}
}

// Load reads a YAML config file over the defaults
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks configuration invariants
func (c Config) Validate() error {
	if c.WorkerCount < 1 {
		return fmt.Errorf("worker_count must be >= 1, got %d", c.WorkerCount)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("backoff_base must be > 0 and <= backoff_max")
	}
	switch c.Strategy {
	case StrategyRoundRobin, StrategyLeastLoaded, StrategyFastestResponse,
		StrategyPriorityBased, StrategyCapabilityBased:
	default:
		return fmt.Errorf("unknown load_balancing_strategy: %s", c.Strategy)
	}
	return nil
}
