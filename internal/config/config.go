// Package config loads the plugd daemon configuration from a TOML file
// with environment variable overrides. The file is declarative and read
// once at startup; plugins are reconfigured by restarting them, not by
// mutating settings at runtime.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/chive-pub/plugd/internal/plugin/security"
)

// EnvPrefix is the prefix of environment variables that override file
// settings, as in CHIVE_LOG_LEVEL.
const EnvPrefix = "CHIVE_"

// Config is the daemon configuration.
type Config struct {
	// PluginDirs are the directories scanned for plugins.
	PluginDirs []string `toml:"plugin_dirs"`

	// Watch enables hot reload of plugin directories.
	Watch bool `toml:"watch"`

	// TickSchedule is the cron spec for the periodic system.tick event.
	// Empty disables the tick.
	TickSchedule string `toml:"tick_schedule"`

	// MetricsAddr is the listen address for the Prometheus endpoint.
	// Empty disables metrics serving.
	MetricsAddr string `toml:"metrics_addr"`

	// LogLevel is a logrus level name: debug, info, warn, error.
	LogLevel string `toml:"log_level"`

	// LogFormat is "text" or "json".
	LogFormat string `toml:"log_format"`

	// Limits are the default resource limits applied to every plugin.
	Limits Limits `toml:"limits"`

	// Bus tunes the event bus.
	Bus Bus `toml:"bus"`

	// Plugins holds per-plugin sections keyed by plugin ID.
	Plugins map[string]Plugin `toml:"plugins"`
}

// Limits mirrors the governor's budget in config-friendly units.
// Zero values fall back to the host defaults.
type Limits struct {
	MemoryMB      int64    `toml:"memory_mb"`
	CPUPercent    float64  `toml:"cpu_percent"`
	ExecTimeout   Duration `toml:"exec_timeout"`
	StorageMB     int64    `toml:"storage_mb"`
	TimeoutBudget int      `toml:"timeout_budget"`
}

// Budget converts the limits to a governor budget. Unset fields carry
// the governor defaults.
func (l Limits) Budget() security.Budget {
	b := security.DefaultBudget()
	if l.MemoryMB > 0 {
		b.MemoryBytes = l.MemoryMB << 20
	}
	if l.CPUPercent > 0 {
		b.CPUPercent = l.CPUPercent
	}
	if l.ExecTimeout > 0 {
		b.ExecTimeout = time.Duration(l.ExecTimeout)
	}
	if l.StorageMB > 0 {
		b.StorageBytes = l.StorageMB << 20
	}
	if l.TimeoutBudget != 0 {
		b.TimeoutBudget = l.TimeoutBudget
	}
	return b
}

// merged overlays per-plugin limits on the defaults.
func (l Limits) merged(over Limits) Limits {
	if over.MemoryMB > 0 {
		l.MemoryMB = over.MemoryMB
	}
	if over.CPUPercent > 0 {
		l.CPUPercent = over.CPUPercent
	}
	if over.ExecTimeout > 0 {
		l.ExecTimeout = over.ExecTimeout
	}
	if over.StorageMB > 0 {
		l.StorageMB = over.StorageMB
	}
	if over.TimeoutBudget != 0 {
		l.TimeoutBudget = over.TimeoutBudget
	}
	return l
}

// Bus tunes the event bus.
type Bus struct {
	// QueueSize is the per-subscription event queue depth.
	QueueSize int `toml:"queue_size"`
}

// Plugin is a per-plugin config section.
type Plugin struct {
	// Disabled skips the plugin during LoadAll.
	Disabled bool `toml:"disabled"`

	// Limits override the default resource limits for this plugin.
	Limits Limits `toml:"limits"`

	// Settings is the free-form table handed to the plugin's context.
	Settings map[string]any `toml:"settings"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		PluginDirs: defaultPluginDirs(),
		Watch:      false,
		LogLevel:   "info",
		LogFormat:  "text",
		Plugins:    make(map[string]Plugin),
	}
}

func defaultPluginDirs() []string {
	var dirs []string
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", "plugd", "plugins"))
	}
	dirs = append(dirs, "/var/lib/chive/plugins")
	return dirs
}

// Load reads the configuration file at path, applies environment
// overrides, and validates the result. A missing file is not an error;
// defaults plus environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults apply.
		case err != nil:
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		default:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, parseError(path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file settings from CHIVE_ environment variables.
func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv(EnvPrefix + "PLUGIN_DIRS"); ok {
		c.PluginDirs = splitList(v)
	}
	if v, ok := os.LookupEnv(EnvPrefix + "WATCH"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Watch = b
		}
	}
	if v, ok := os.LookupEnv(EnvPrefix + "TICK_SCHEDULE"); ok {
		c.TickSchedule = v
	}
	if v, ok := os.LookupEnv(EnvPrefix + "METRICS_ADDR"); ok {
		c.MetricsAddr = v
	}
	if v, ok := os.LookupEnv(EnvPrefix + "LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := os.LookupEnv(EnvPrefix + "LOG_FORMAT"); ok {
		c.LogFormat = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, string(os.PathListSeparator)) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the values that would otherwise fail deep inside the
// daemon: the log level, the log format, and the tick schedule.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level %q", ErrInvalidValue, c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log_format %q (want text or json)", ErrInvalidValue, c.LogFormat)
	}
	if c.TickSchedule != "" {
		if _, err := cron.ParseStandard(c.TickSchedule); err != nil {
			return fmt.Errorf("%w: tick_schedule %q: %v", ErrInvalidValue, c.TickSchedule, err)
		}
	}
	if c.Bus.QueueSize < 0 {
		return fmt.Errorf("%w: bus.queue_size must not be negative", ErrInvalidValue)
	}
	return nil
}

// Level returns the parsed log level. Validate has already accepted it.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// BudgetFor returns the effective budget for a plugin: the daemon
// defaults overlaid with the plugin's own limits section.
func (c *Config) BudgetFor(id string) security.Budget {
	limits := c.Limits
	if p, ok := c.Plugins[id]; ok {
		limits = limits.merged(p.Limits)
	}
	return limits.Budget()
}

// Overrides returns the IDs with a limits section of their own.
func (c *Config) Overrides() []string {
	var ids []string
	for id, p := range c.Plugins {
		if p.Limits != (Limits{}) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Disabled reports whether a plugin is configured off.
func (c *Config) Disabled(id string) bool {
	p, ok := c.Plugins[id]
	return ok && p.Disabled
}
