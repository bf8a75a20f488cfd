// ABOUTME: CLI configuration from YAML files, .env files and CSS_* variables
// ABOUTME: Precedence is defaults, then file, then environment, then flags
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "CSS_"

// LogConfig selects log verbosity and output format
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// Config is the css-sync configuration
type Config struct {
	// CIIURL is the content identification endpoint of the TV device.
	// When empty the endpoint is discovered with mDNS.
	CIIURL    string `yaml:"cii_url"`
	SessionID string `yaml:"session_id"`

	// Timeline picks the timeline to follow, either a selector URN or a
	// 1-based index into the advertised timelines
	Timeline string `yaml:"timeline"`

	WallclockPeriod time.Duration `yaml:"wallclock_period"`

	// Overrides for the endpoints announced over CII
	TimelineSyncURL string `yaml:"ts_url"`
	WallclockURL    string `yaml:"wc_url"`

	DiscoverTimeout time.Duration `yaml:"discover_timeout"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	TUI             bool          `yaml:"tui"`

	Log LogConfig `yaml:"log"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Timeline:        "urn:dvb:css:timeline:pts",
		WallclockPeriod: time.Second,
		DiscoverTimeout: 5 * time.Second,
		TUI:             true,
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// LoadEnvFiles loads .env style files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from CSS_* variables. lookup is usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return nil
		}
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = d
		return nil
	}

	str("CII_URL", &c.CIIURL)
	str("SESSION_ID", &c.SessionID)
	str("TIMELINE", &c.Timeline)
	str("TS_URL", &c.TimelineSyncURL)
	str("WC_URL", &c.WallclockURL)
	str("METRICS_ADDR", &c.MetricsAddr)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if err := dur("WC_PERIOD", &c.WallclockPeriod); err != nil {
		return err
	}
	if err := dur("DISCOVER_TIMEOUT", &c.DiscoverTimeout); err != nil {
		return err
	}

	if v, ok := lookup(EnvPrefix + "TUI"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sTUI: %w", EnvPrefix, err)
		}
		c.TUI = b
	}
	return nil
}

// parseDuration accepts Go durations and bare integers as milliseconds
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.Atoi(s); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}

// Validate checks the configuration for values the CLI cannot run with
func (c Config) Validate() error {
	if c.WallclockPeriod <= 0 {
		return fmt.Errorf("wallclock period must be positive, got %v", c.WallclockPeriod)
	}
	if c.CIIURL == "" && c.DiscoverTimeout <= 0 {
		return errors.New("no CII url configured and discovery disabled")
	}
	if c.Timeline == "" {
		return errors.New("no timeline configured")
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.Log.Format)
	}
	return nil
}
