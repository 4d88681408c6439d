package config

import (
	"fmt"
	"os"
	"strings"

	apperrors "exchange_connector/pkg/errors"

	"gopkg.in/yaml.v3"
)

// Settings holds operational knobs that are not part of the exchange
// symbol registry: logging, telemetry, queue sizing, worker pools.
type Settings struct {
	System      SystemSettings      `yaml:"system"`
	Telemetry   TelemetrySettings   `yaml:"telemetry"`
	Queues      QueueSettings       `yaml:"queues"`
	Concurrency ConcurrencySettings `yaml:"concurrency"`
	Timing      TimingSettings      `yaml:"timing"`
}

// SystemSettings contains process-level settings.
type SystemSettings struct {
	LogLevel string `yaml:"log_level"`
}

// TelemetrySettings contains telemetry settings.
type TelemetrySettings struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// QueueSettings sizes the engine-facing queues.
type QueueSettings struct {
	MarketUpdateCapacity int `yaml:"market_update_capacity"`
	RequestCapacity      int `yaml:"request_capacity"`
	ResponseCapacity     int `yaml:"response_capacity"`
}

// ConcurrencySettings contains worker pool settings.
type ConcurrencySettings struct {
	CallbackPoolSize   int `yaml:"callback_pool_size"`
	CallbackPoolBuffer int `yaml:"callback_pool_buffer"`
}

// TimingSettings contains timing-related settings, in seconds.
type TimingSettings struct {
	SnapshotRefreshInterval int `yaml:"snapshot_refresh_interval"`
	ListenKeyKeepalive      int `yaml:"listen_key_keepalive"`
	HTTPTimeout             int `yaml:"http_timeout"`
	MaxReconnectAttempts    int `yaml:"max_reconnect_attempts"`
}

// LoadSettings loads the YAML settings file with environment variable
// expansion.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", apperrors.ErrConfigInvalid, path, err)
	}

	expanded := os.Expand(string(data), os.Getenv)

	var s Settings
	if err := yaml.Unmarshal([]byte(expanded), &s); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", apperrors.ErrConfigInvalid, path, err)
	}

	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// DefaultSettings returns settings suitable for tests.
func DefaultSettings() *Settings {
	s := &Settings{}
	s.applyDefaults()
	return s
}

func (s *Settings) applyDefaults() {
	if s.System.LogLevel == "" {
		s.System.LogLevel = "INFO"
	}
	if s.Telemetry.MetricsPort == 0 {
		s.Telemetry.MetricsPort = 9464
	}
	if s.Queues.MarketUpdateCapacity == 0 {
		s.Queues.MarketUpdateCapacity = 65536
	}
	if s.Queues.RequestCapacity == 0 {
		s.Queues.RequestCapacity = 1024
	}
	if s.Queues.ResponseCapacity == 0 {
		s.Queues.ResponseCapacity = 1024
	}
	if s.Concurrency.CallbackPoolSize == 0 {
		s.Concurrency.CallbackPoolSize = 4
	}
	if s.Concurrency.CallbackPoolBuffer == 0 {
		s.Concurrency.CallbackPoolBuffer = 256
	}
	if s.Timing.SnapshotRefreshInterval == 0 {
		s.Timing.SnapshotRefreshInterval = 30
	}
	if s.Timing.ListenKeyKeepalive == 0 {
		s.Timing.ListenKeyKeepalive = 30 * 60
	}
	if s.Timing.HTTPTimeout == 0 {
		s.Timing.HTTPTimeout = 5
	}
	if s.Timing.MaxReconnectAttempts == 0 {
		s.Timing.MaxReconnectAttempts = 10
	}
}

// Validate checks settings consistency.
func (s *Settings) Validate() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	level := strings.ToUpper(s.System.LogLevel)
	ok := false
	for _, v := range validLevels {
		if level == v {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("%w: log_level must be one of %s", apperrors.ErrConfigInvalid, strings.Join(validLevels, ", "))
	}
	if s.Timing.HTTPTimeout < 1 || s.Timing.HTTPTimeout > 300 {
		return fmt.Errorf("%w: http_timeout out of range", apperrors.ErrConfigInvalid)
	}
	if s.Timing.SnapshotRefreshInterval < 1 || s.Timing.SnapshotRefreshInterval > 3600 {
		return fmt.Errorf("%w: snapshot_refresh_interval out of range", apperrors.ErrConfigInvalid)
	}
	return nil
}
