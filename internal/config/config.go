// Package config loads the autonomy engine's YAML configuration file,
// interpolating ${VAR} environment references before parsing, and
// converts it into an engine.Config ready to pass to engine.New.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cgast/autonomy/pkg/cycle"
	"github.com/cgast/autonomy/pkg/engine"
	"github.com/cgast/autonomy/pkg/gate"
	"github.com/cgast/autonomy/pkg/scheduler"
)

// File is the on-disk shape of .eaos/autonomy.yaml. Field names mirror
// engine.Config but stay YAML/string friendly (hdm_level as a name,
// durations as Go duration strings) so the file is hand-editable.
type File struct {
	RootDir     string          `yaml:"root_dir"`
	HDMLevel    string          `yaml:"hdm_level"`
	MaxHistory  int             `yaml:"max_history"`
	TaskTimeout string          `yaml:"task_timeout"`
	RetryDelay  string          `yaml:"retry_delay"`
	RetryLimit  int             `yaml:"retry_limit"`
	Schedules   map[string]Spec `yaml:"schedules"`
	GitHub      GitHubSource    `yaml:"github"`
	Metrics     MetricsSource   `yaml:"metrics"`
	Status      Status          `yaml:"status"`
}

// Spec is a per-kind schedule override, keyed by cycle kind name
// (daily/weekly/monthly) in the Schedules map.
type Spec struct {
	Hour       int    `yaml:"hour"`
	Minute     int    `yaml:"minute"`
	DayOfWeek  string `yaml:"day_of_week"`  // weekly only, e.g. "sunday"
	DayOfMonth int    `yaml:"day_of_month"` // monthly only, 1-31
}

// GitHubSource configures the code-change source.
type GitHubSource struct {
	Enabled      bool   `yaml:"enabled"`
	Token        string `yaml:"token"`
	Owner        string `yaml:"owner"`
	Repo         string `yaml:"repo"`
	PollInterval string `yaml:"poll_interval"`
}

// MetricsSource configures the metrics source.
type MetricsSource struct {
	Enabled        bool     `yaml:"enabled"`
	Endpoint       string   `yaml:"endpoint"`
	AllowedDomains []string `yaml:"allowed_domains"`
	PollInterval   string   `yaml:"poll_interval"`
}

// Status configures the optional status surface.
type Status struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// envVarPattern matches ${VAR_NAME} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolateEnvVars replaces ${VAR_NAME} patterns with environment
// variable values, leaving a reference to an unset variable untouched.
func interpolateEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// Load reads path, interpolates environment variables (used for the
// github token and any other secret-shaped field), and converts the
// result into an engine.Config. A missing file yields engine.DefaultConfig
// with rootDir set, rather than an error, so a fresh install can start
// with no config file at all.
func Load(path, rootDir string) (engine.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := engine.DefaultConfig()
			cfg.RootDir = rootDir
			return cfg, nil
		}
		return engine.Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal([]byte(interpolateEnvVars(string(data))), &f); err != nil {
		return engine.Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return f.toEngineConfig(rootDir)
}

func (f File) toEngineConfig(rootDir string) (engine.Config, error) {
	cfg := engine.DefaultConfig()
	cfg.RootDir = rootDir
	if f.RootDir != "" {
		cfg.RootDir = f.RootDir
	}

	if f.HDMLevel != "" {
		lvl, err := parseHDMLevel(f.HDMLevel)
		if err != nil {
			return engine.Config{}, err
		}
		cfg.HDMLevel = lvl
	}

	if f.MaxHistory > 0 {
		cfg.MaxHistory = f.MaxHistory
	}
	if f.TaskTimeout != "" {
		d, err := time.ParseDuration(f.TaskTimeout)
		if err != nil {
			return engine.Config{}, fmt.Errorf("config: task_timeout: %w", err)
		}
		cfg.TaskTimeout = d
	}
	if f.RetryDelay != "" {
		d, err := time.ParseDuration(f.RetryDelay)
		if err != nil {
			return engine.Config{}, fmt.Errorf("config: retry_delay: %w", err)
		}
		cfg.RetryDelay = d
	}
	if f.RetryLimit > 0 {
		cfg.RetryLimit = f.RetryLimit
	}

	if len(f.Schedules) > 0 {
		cfg.Schedules = make(map[cycle.Kind]scheduler.Spec, len(f.Schedules))
		for name, s := range f.Schedules {
			kind, err := parseKind(name)
			if err != nil {
				return engine.Config{}, err
			}
			spec := scheduler.Spec{Hour: s.Hour, Minute: s.Minute, DayOfMonth: s.DayOfMonth}
			if s.DayOfWeek != "" {
				wd, err := parseWeekday(s.DayOfWeek)
				if err != nil {
					return engine.Config{}, err
				}
				spec.DayOfWeek = wd
			}
			cfg.Schedules[kind] = spec
		}
	}

	if f.GitHub.Enabled {
		interval, err := parseDurationOr(f.GitHub.PollInterval, 5*time.Minute, "github.poll_interval")
		if err != nil {
			return engine.Config{}, err
		}
		cfg.GitHub = engine.GitHubSourceConfig{
			Enabled: true, Token: f.GitHub.Token, Owner: f.GitHub.Owner,
			Repo: f.GitHub.Repo, PollInterval: interval,
		}
	}

	if f.Metrics.Enabled {
		interval, err := parseDurationOr(f.Metrics.PollInterval, time.Minute, "metrics.poll_interval")
		if err != nil {
			return engine.Config{}, err
		}
		cfg.Metrics = engine.MetricsSourceConfig{
			Enabled: true, Endpoint: f.Metrics.Endpoint,
			AllowedDomains: f.Metrics.AllowedDomains, PollInterval: interval,
		}
	}

	cfg.Status = engine.StatusConfig{Enabled: f.Status.Enabled, Addr: f.Status.Addr}

	return cfg, nil
}

func parseDurationOr(s string, def time.Duration, field string) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", field, err)
	}
	return d, nil
}

func parseHDMLevel(name string) (gate.Level, error) {
	switch strings.ToLower(name) {
	case "informational":
		return gate.Informational, nil
	case "low":
		return gate.Low, nil
	case "medium":
		return gate.Medium, nil
	case "high":
		return gate.High, nil
	case "critical":
		return gate.Critical, nil
	default:
		return 0, fmt.Errorf("config: hdm_level: unknown level %q", name)
	}
}

func parseKind(name string) (cycle.Kind, error) {
	switch strings.ToLower(name) {
	case "daily":
		return cycle.Daily, nil
	case "weekly":
		return cycle.Weekly, nil
	case "monthly":
		return cycle.Monthly, nil
	default:
		return "", fmt.Errorf("config: schedules: unknown kind %q", name)
	}
}

func parseWeekday(name string) (time.Weekday, error) {
	switch strings.ToLower(name) {
	case "sunday":
		return time.Sunday, nil
	case "monday":
		return time.Monday, nil
	case "tuesday":
		return time.Tuesday, nil
	case "wednesday":
		return time.Wednesday, nil
	case "thursday":
		return time.Thursday, nil
	case "friday":
		return time.Friday, nil
	case "saturday":
		return time.Saturday, nil
	default:
		return 0, fmt.Errorf("config: day_of_week: unknown day %q", name)
	}
}
