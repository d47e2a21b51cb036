package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const DefaultUserAgent = "MementoEmbed/1.0 (+https://github.com/oduwsdl/MementoEmbed)"

// Switch is a boolean that also accepts the Yes/No spelling of the legacy
// configuration files.
type Switch bool

func (s *Switch) Decode(value string) error {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "yes", "y", "on":
		*s = true
		return nil
	case "no", "n", "off", "":
		*s = false
		return nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid switch value %q", value)
	}
	*s = Switch(b)
	return nil
}

// Duration accepts Go duration strings or a bare number of seconds.
type Duration time.Duration

func (d *Duration) Decode(value string) error {
	value = strings.TrimSpace(value)
	if n, err := strconv.Atoi(value); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration %q", value)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }

// Config holds all configuration for the thumbnail binaries
type Config struct {
	// Server configuration
	Port     int    `envconfig:"PORT" default:"10001"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Single capture (cmd/thumbnail)
	URIM       string `envconfig:"URIM"`
	OutputFile string `envconfig:"THUMBNAIL_OUTPUTFILE"`

	// Page setup
	ViewportWidth  int    `envconfig:"VIEWPORT_WIDTH" default:"1024"`
	ViewportHeight int    `envconfig:"VIEWPORT_HEIGHT" default:"768"`
	UserAgent      string `envconfig:"USER_AGENT"`

	// Network idle detection
	QuietWindow  Duration `envconfig:"THUMBNAIL_QUIET_WINDOW" default:"60s"`
	MaxInflight  int      `envconfig:"THUMBNAIL_MAX_INFLIGHT" default:"0"`
	HardDeadline Duration `envconfig:"THUMBNAIL_HARD_DEADLINE" default:"300s"`

	NavigationTimeout Duration `envconfig:"THUMBNAIL_NAVIGATION_TIMEOUT" default:"60s"`
	Timeout           Duration `envconfig:"THUMBNAIL_TIMEOUT" default:"300"`

	// Service
	Enabled       Switch `envconfig:"ENABLE_THUMBNAILS" default:"Yes"`
	WorkingFolder string `envconfig:"THUMBNAIL_WORKING_FOLDER" default:"/tmp/mementoembed/thumbnails"`
	RemoveBanners Switch `envconfig:"THUMBNAIL_REMOVE_BANNERS" default:"No"`
	MaxConcurrent int    `envconfig:"THUMBNAIL_MAX_CONCURRENT" default:"2"`

	// Capture ledger. Empty means <working folder>/thumbnails.db. A bare
	// expiration number is seconds, as in the legacy config.
	CacheDB    string   `envconfig:"THUMBNAIL_CACHE_DB"`
	Expiration Duration `envconfig:"URICACHE_EXPIRATION" default:"90"`

	// Browser. A DevTools endpoint attaches to a running browser instead of launching one.
	ChromiumPath     string `envconfig:"CHROMIUM_PATH" default:"chromium"`
	ChromiumFlags    string `envconfig:"CHROMIUM_FLAGS"`
	ChromiumFlagFile string `envconfig:"CHROMIUM_FLAGS_FILE"`
	DevToolsEndpoint string `envconfig:"DEVTOOLS_ENDPOINT"`
}

// LoadEnvFile exports the variables of a .env style file that are not already
// set. A missing file is ignored.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return nil, err
	}
	if config.UserAgent == "" {
		config.UserAgent = DefaultUserAgent
	}
	if config.CacheDB == "" {
		config.CacheDB = filepath.Join(config.WorkingFolder, "thumbnails.db")
	}
	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(config *Config) error {
	if config.Port <= 0 || config.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}
	if config.ViewportWidth < 1 || config.ViewportWidth > 5120 {
		return fmt.Errorf("VIEWPORT_WIDTH must be between 1 and 5120")
	}
	if config.ViewportHeight < 1 || config.ViewportHeight > 2880 {
		return fmt.Errorf("VIEWPORT_HEIGHT must be between 1 and 2880")
	}
	if config.QuietWindow < 0 {
		return fmt.Errorf("THUMBNAIL_QUIET_WINDOW must not be negative")
	}
	if config.MaxInflight < 0 {
		return fmt.Errorf("THUMBNAIL_MAX_INFLIGHT must not be negative")
	}
	if config.HardDeadline <= 0 {
		return fmt.Errorf("THUMBNAIL_HARD_DEADLINE must be greater than 0")
	}
	if config.NavigationTimeout <= 0 {
		return fmt.Errorf("THUMBNAIL_NAVIGATION_TIMEOUT must be greater than 0")
	}
	if config.Timeout <= 0 || config.Timeout.D() > 5*time.Minute {
		return fmt.Errorf("THUMBNAIL_TIMEOUT must be greater than 0 and at most 5 minutes")
	}
	if config.WorkingFolder == "" {
		return fmt.Errorf("THUMBNAIL_WORKING_FOLDER is required")
	}
	if config.MaxConcurrent < 1 {
		return fmt.Errorf("THUMBNAIL_MAX_CONCURRENT must be at least 1")
	}
	if config.Expiration < 0 {
		return fmt.Errorf("URICACHE_EXPIRATION must not be negative")
	}
	if config.ChromiumPath == "" && config.DevToolsEndpoint == "" {
		return fmt.Errorf("CHROMIUM_PATH or DEVTOOLS_ENDPOINT is required")
	}

	return nil
}
