package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// GoogleConfig holds the OAuth client used for the Calendar and Photos
// Picker APIs.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"client_secret"`
	RedirectURL  string `yaml:"redirect_url" json:"redirect_url"`
}

// CalendarConfig tunes the calendar aggregator.
type CalendarConfig struct {
	// HorizonDays is the look-ahead of the default aggregation window.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`
	// FetchTimeout bounds each individual source fetch.
	FetchTimeout time.Duration `yaml:"fetch_timeout" json:"fetch_timeout"`
	// MaxFeedBytes caps a downloaded iCal document.
	MaxFeedBytes int64 `yaml:"max_feed_bytes" json:"max_feed_bytes"`
	// MaxOccurrences caps recurrence expansion per feed event.
	MaxOccurrences int `yaml:"max_occurrences" json:"max_occurrences"`
}

// PickerConfig tunes the photo picker session poller.
type PickerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	// APIBase is the Photos Picker API root. Overridable for testing.
	APIBase string `yaml:"api_base" json:"api_base"`
}

// CaptureConfig controls the scheduled headless screenshot of the dashboard.
type CaptureConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Cron       string `yaml:"cron" json:"cron"`
	URL        string `yaml:"url" json:"url"`
	OutputPath string `yaml:"output_path" json:"output_path"`
	Width      int    `yaml:"width" json:"width"`
	Height     int    `yaml:"height" json:"height"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the HTTP API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the process-level configuration. The dashboard document
// (sources, tokens, selected photos) lives separately in internal/store.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used for all-day dates and feed floating times.
	Timezone string `yaml:"timezone" json:"timezone"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	// DocumentPath is the JSON dashboard document backing the config store.
	DocumentPath string `yaml:"document_path" json:"document_path"`

	Google   GoogleConfig   `yaml:"google" json:"google"`
	Calendar CalendarConfig `yaml:"calendar" json:"calendar"`
	Picker   PickerConfig   `yaml:"picker" json:"picker"`
	Capture  CaptureConfig  `yaml:"capture" json:"capture"`

	// TokenRefreshCron schedules a proactive credential refresh. Empty disables it.
	TokenRefreshCron string `yaml:"token_refresh_cron" json:"token_refresh_cron"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen       = "127.0.0.1:8080"
	defaultTimezone     = "America/New_York"
	defaultHorizonDays  = 30
	defaultFetchTimeout = 15 * time.Second
	defaultMaxFeedBytes = 10 << 20
	defaultMaxOccur     = 5000
	defaultPollInterval = 3 * time.Second
	defaultPickerTTL    = 5 * time.Minute
	defaultPickerAPI    = "https://photospicker.googleapis.com/v1"
	defaultCaptureCron  = "*/15 * * * *"
	defaultRefreshCron  = "*/30 * * * *"
)

// DefaultConfigPath is the XDG location of the YAML settings file.
func DefaultConfigPath() string {
	return filepath.Join(xdg.ConfigHome, "homedash", "config.yaml")
}

// DefaultDocumentPath is the XDG data location of the dashboard document.
func DefaultDocumentPath() string {
	return filepath.Join(xdg.DataHome, "homedash", "dashboard.json")
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Listen:           defaultListen,
		Timezone:         defaultTimezone,
		LogLevel:         "info",
		DocumentPath:     DefaultDocumentPath(),
		TokenRefreshCron: defaultRefreshCron,
		Google: GoogleConfig{
			RedirectURL: "http://" + defaultListen + "/auth/google/callback",
		},
	}
	cfg.Normalize()
	return cfg
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DocumentPath == "" {
		c.DocumentPath = DefaultDocumentPath()
	}
	if c.Google.RedirectURL == "" {
		c.Google.RedirectURL = "http://" + c.Listen + "/auth/google/callback"
	}

	if c.Calendar.HorizonDays <= 0 {
		c.Calendar.HorizonDays = defaultHorizonDays
	}
	if c.Calendar.FetchTimeout <= 0 {
		c.Calendar.FetchTimeout = defaultFetchTimeout
	}
	if c.Calendar.MaxFeedBytes <= 0 {
		c.Calendar.MaxFeedBytes = defaultMaxFeedBytes
	}
	if c.Calendar.MaxOccurrences <= 0 {
		c.Calendar.MaxOccurrences = defaultMaxOccur
	}

	if c.Picker.PollInterval <= 0 {
		c.Picker.PollInterval = defaultPollInterval
	}
	if c.Picker.Timeout <= 0 {
		c.Picker.Timeout = defaultPickerTTL
	}
	if c.Picker.APIBase == "" {
		c.Picker.APIBase = defaultPickerAPI
	}

	if c.Capture.Cron == "" {
		c.Capture.Cron = defaultCaptureCron
	}
	if c.Capture.URL == "" {
		c.Capture.URL = "http://" + c.Listen + "/"
	}
	if c.Capture.OutputPath == "" {
		c.Capture.OutputPath = filepath.Join(xdg.CacheHome, "homedash", "preview.png")
	}
}

// ApplyEnv overrides fields from the environment. Env wins over the file,
// CLI flags win over env (applied by the caller).
func (c *Config) ApplyEnv() {
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		c.Google.ClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		c.Google.ClientSecret = v
	}
	if v := os.Getenv("GOOGLE_REDIRECT_URI"); v != "" {
		c.Google.RedirectURL = v
	}
	if v := os.Getenv("HOMEDASH_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("HOMEDASH_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("HOMEDASH_DOCUMENT"); v != "" {
		c.DocumentPath = v
	}
}

// Location resolves Timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - If the file exists, it is unmarshalled and normalized.
//   - Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				cfg.ApplyEnv()
				return cfg, err
			}
			cfg.ApplyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.ApplyEnv()
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the configuration atomically (temp file + rename) with 0600
// permissions, creating the parent directory (0700) when needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, ".homedash-config-*.tmp")
}

// WriteFileAtomic writes data next to path and renames it into place so
// readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, pattern string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
