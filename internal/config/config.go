// Package config loads pdfsnap settings from .env files, an optional YAML
// file and PDFSNAP_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Sentinel errors for config operations.
var (
	ErrConfigParse   = errors.New("failed to parse config")
	ErrInvalidConfig = errors.New("invalid config")
)

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

type Config struct {
	ListenAddr       string   `yaml:"listenAddr"`
	StoreBackend     string   `yaml:"store"`
	DBPath           string   `yaml:"dbPath"`
	DefaultOutputDir string   `yaml:"outputDir"`
	BrowseRoot       string   `yaml:"browseRoot"`
	Concurrency      int      `yaml:"concurrency"`
	QueueSize        int      `yaml:"queueSize"`
	RateLimitRPS     int      `yaml:"rateLimitRps"`
	CORSOrigins      []string `yaml:"corsOrigins"`
	LogLevel         string   `yaml:"logLevel"`
	LogFormat        string   `yaml:"logFormat"`

	// PollInterval is advertised to pollers (web page and pdfsnapctl).
	PollInterval time.Duration `yaml:"pollInterval"`

	Browser BrowserConfig `yaml:"browser"`
	Capture CaptureConfig `yaml:"capture"`
}

type BrowserConfig struct {
	Bin            string `yaml:"bin"`
	NoSandbox      bool   `yaml:"noSandbox"`
	ViewportWidth  int    `yaml:"viewportWidth"`
	ViewportHeight int    `yaml:"viewportHeight"`
}

// CaptureConfig holds the per-URL timing knobs.
type CaptureConfig struct {
	NavigationTimeout time.Duration `yaml:"navigationTimeout"`
	SettleDelay       time.Duration `yaml:"settleDelay"`
	ScrollSettleDelay time.Duration `yaml:"scrollSettleDelay"`
	ScrollStep        int           `yaml:"scrollStep"`
	ScrollInterval    time.Duration `yaml:"scrollInterval"`
	MaxScrollSteps    int           `yaml:"maxScrollSteps"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr:       ":8080",
		StoreBackend:     StoreMemory,
		DBPath:           "pdfsnap.db",
		DefaultOutputDir: "output",
		BrowseRoot:       ".",
		Concurrency:      2,
		QueueSize:        100,
		LogLevel:         "info",
		LogFormat:        "json",
		PollInterval:     time.Second,
		Browser: BrowserConfig{
			ViewportWidth:  1280,
			ViewportHeight: 800,
		},
		Capture: CaptureConfig{
			NavigationTimeout: 60 * time.Second,
			SettleDelay:       2 * time.Second,
			ScrollSettleDelay: time.Second,
			ScrollStep:        100,
			ScrollInterval:    100 * time.Millisecond,
			MaxScrollSteps:    2000,
		},
	}
}

// Load builds the configuration. path names an optional YAML file; when empty
// PDFSNAP_CONFIG is consulted.
func Load(path string) (*Config, error) {
	if err := loadEnvFiles(); err != nil {
		return nil, err
	}

	cfg := Default()

	if path == "" {
		path = os.Getenv("PDFSNAP_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEnvFiles loads ENV_FILE if set, otherwise .env.local then .env.
// Missing files are ignored.
func loadEnvFiles() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	for _, f := range []string{".env.local", ".env"} {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigParse, err)
	}
	if err := yaml.UnmarshalWithOptions(data, c, yaml.Strict()); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConfigParse, path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.ListenAddr = getEnv("PDFSNAP_LISTEN_ADDR", c.ListenAddr)
	c.StoreBackend = getEnv("PDFSNAP_STORE", c.StoreBackend)
	c.DBPath = getEnv("PDFSNAP_DB_PATH", c.DBPath)
	c.DefaultOutputDir = getEnv("PDFSNAP_OUTPUT_DIR", c.DefaultOutputDir)
	c.BrowseRoot = getEnv("PDFSNAP_BROWSE_ROOT", c.BrowseRoot)
	c.LogLevel = getEnv("PDFSNAP_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("PDFSNAP_LOG_FORMAT", c.LogFormat)
	c.Browser.Bin = getEnv("PDFSNAP_BROWSER_BIN", getEnv("ROD_BROWSER_BIN", c.Browser.Bin))

	if raw := os.Getenv("PDFSNAP_CORS_ORIGINS"); raw != "" {
		c.CORSOrigins = nil
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.CORSOrigins = append(c.CORSOrigins, o)
			}
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"PDFSNAP_CONCURRENCY", &c.Concurrency},
		{"PDFSNAP_QUEUE_SIZE", &c.QueueSize},
		{"PDFSNAP_RATE_LIMIT_RPS", &c.RateLimitRPS},
		{"PDFSNAP_VIEWPORT_WIDTH", &c.Browser.ViewportWidth},
		{"PDFSNAP_VIEWPORT_HEIGHT", &c.Browser.ViewportHeight},
		{"PDFSNAP_SCROLL_STEP", &c.Capture.ScrollStep},
		{"PDFSNAP_MAX_SCROLL_STEPS", &c.Capture.MaxScrollSteps},
	}
	for _, f := range ints {
		v, err := getEnvInt(f.key, *f.dst)
		if err != nil {
			return fmt.Errorf("%s: %w", f.key, err)
		}
		*f.dst = v
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"PDFSNAP_NAV_TIMEOUT", &c.Capture.NavigationTimeout},
		{"PDFSNAP_SETTLE_DELAY", &c.Capture.SettleDelay},
		{"PDFSNAP_SCROLL_SETTLE_DELAY", &c.Capture.ScrollSettleDelay},
		{"PDFSNAP_SCROLL_INTERVAL", &c.Capture.ScrollInterval},
		{"PDFSNAP_POLL_INTERVAL", &c.PollInterval},
	}
	for _, f := range durations {
		v, err := getEnvDuration(f.key, *f.dst)
		if err != nil {
			return fmt.Errorf("%s: %w", f.key, err)
		}
		*f.dst = v
	}

	noSandbox, err := getEnvBool("PDFSNAP_NO_SANDBOX", c.Browser.NoSandbox)
	if err != nil {
		return fmt.Errorf("PDFSNAP_NO_SANDBOX: %w", err)
	}
	// Containers and CI runners usually cannot use the Chrome sandbox.
	c.Browser.NoSandbox = noSandbox || os.Getenv("CI") == "true"
	return nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory, StoreSQLite:
	default:
		return fmt.Errorf("%w: store %q must be %q or %q", ErrInvalidConfig, c.StoreBackend, StoreMemory, StoreSQLite)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be > 0", ErrInvalidConfig)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("%w: queue size must be > 0", ErrInvalidConfig)
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("%w: rate limit must be >= 0", ErrInvalidConfig)
	}
	if c.DefaultOutputDir == "" {
		return fmt.Errorf("%w: output dir must not be empty", ErrInvalidConfig)
	}
	if c.Capture.NavigationTimeout <= 0 {
		return fmt.Errorf("%w: navigation timeout must be > 0", ErrInvalidConfig)
	}
	if c.Capture.ScrollStep < 1 || c.Capture.MaxScrollSteps < 1 {
		return fmt.Errorf("%w: scroll step and max scroll steps must be > 0", ErrInvalidConfig)
	}
	if c.Browser.ViewportWidth < 1 || c.Browser.ViewportHeight < 1 {
		return fmt.Errorf("%w: viewport must be positive", ErrInvalidConfig)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be > 0", ErrInvalidConfig)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid boolean %q", v)
	}
	return b, nil
}
