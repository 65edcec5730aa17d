package engine

import (
	"time"

	"github.com/cgast/autonomy/pkg/cycle"
	"github.com/cgast/autonomy/pkg/gate"
	"github.com/cgast/autonomy/pkg/scheduler"
)

// GitHubSourceConfig configures the code-change source (J).
type GitHubSourceConfig struct {
	Enabled      bool
	Token        string
	Owner        string
	Repo         string
	PollInterval time.Duration
}

// MetricsSourceConfig configures the metrics source (K).
type MetricsSourceConfig struct {
	Enabled        bool
	Endpoint       string
	AllowedDomains []string
	PollInterval   time.Duration
}

// StatusConfig configures the optional Status Surface (L).
type StatusConfig struct {
	Enabled bool
	Addr    string
}

// Config constructs an Engine. RootDir is required; everything else has a
// zero-value-safe default applied in New.
type Config struct {
	RootDir  string
	HDMLevel gate.Level

	// Schedules overrides the default per-kind fire times. Unset kinds
	// fall back to scheduler.DefaultSpecs().
	Schedules map[cycle.Kind]scheduler.Spec

	MaxHistory  int
	TaskTimeout time.Duration
	RetryDelay  time.Duration
	RetryLimit  int

	GitHub  GitHubSourceConfig
	Metrics MetricsSourceConfig
	Status  StatusConfig
}

// DefaultConfig returns the defaults a config loader starts from before
// overriding only what the file specifies. New does not apply them itself:
// a zero TaskTimeout, RetryDelay or RetryLimit falls back to the cycle
// runner's own values (60s, 1s, 2), a zero MaxHistory to the bus's default
// of 100, and HDMLevel is used exactly as given.
func DefaultConfig() Config {
	return Config{
		HDMLevel:    gate.Low,
		MaxHistory:  200,
		TaskTimeout: 60 * time.Second,
		RetryDelay:  time.Second,
		RetryLimit:  2,
	}
}
