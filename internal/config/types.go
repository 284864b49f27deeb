package config

import "time"

// Config represents the complete sigbridge configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Worker  WorkerConfig  `yaml:"worker"`
	Journal JournalConfig `yaml:"journal"`
	API     APIConfig     `yaml:"api,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// WorkerConfig defines how the worker process is launched and supervised.
type WorkerConfig struct {
	// Path is the worker binary, invoked with the channel identifier as its
	// sole argument.
	Path string `yaml:"path"`
	// ConnectTimeout bounds how long a launch waits for the worker to
	// connect back to the channel.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// RequestTimeout bounds one request round trip. Zero disables the bound
	// and preserves blocking-until-answered semantics.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Restart        RestartConfig `yaml:"restart,omitempty"`
}

// RestartConfig bounds the automatic relaunch policy.
type RestartConfig struct {
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	BaseDelay              time.Duration `yaml:"base_delay"`
	MaxDelay               time.Duration `yaml:"max_delay"`
	RateEvery              time.Duration `yaml:"rate_every"`
	RateBurst              int           `yaml:"rate_burst"`
}

// JournalConfig defines where lifecycle and request history is stored.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines the optional local status API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}
