// Package config holds the application configuration and its YAML-backed
// load/save behavior, including first-run creation with 0600 permissions.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration shared by the CLI and
// the daemon.
type Config struct {
	// Account is the destination account label, used to name the identity
	// map and the log output.
	Account string `yaml:"account" json:"account"`

	// CalendarID selects the destination calendar to mirror into.
	CalendarID string `yaml:"calendar_id" json:"calendar_id"`

	// BaseURL overrides the destination API root. Empty uses the default.
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`

	// TokenURL is the OAuth token endpoint used to exchange the refresh
	// token for access tokens.
	TokenURL string `yaml:"token_url,omitempty" json:"token_url,omitempty"`

	// ClientID identifies the application at the token endpoint.
	ClientID string `yaml:"client_id,omitempty" json:"client_id,omitempty"`

	// RefreshTokenEnv names the environment variable holding the OAuth
	// refresh token. The token itself never lands in the config file.
	RefreshTokenEnv string `yaml:"refresh_token_env" json:"refresh_token_env"`

	// SourceDir is the directory of ICS files to mirror from.
	SourceDir string `yaml:"source_dir" json:"source_dir"`

	// MapDSN selects the identity-map backend. Empty or "file" keeps the
	// map beside the config; "sqlite://path", "postgres://..." and
	// "memory" are also understood.
	MapDSN string `yaml:"map_dsn,omitempty" json:"map_dsn,omitempty"`

	// StateDir is where file-backed state (identity maps, logs) lives.
	StateDir string `yaml:"state_dir,omitempty" json:"state_dir,omitempty"`

	// RetentionDays bounds how far back appointments are synced. Zero
	// disables the age filter.
	RetentionDays int `yaml:"retention_days" json:"retention_days"`

	// PurgeAgedOut removes previously synced appointments once they age
	// out of the retention window instead of leaving them in place.
	PurgeAgedOut bool `yaml:"purge_aged_out" json:"purge_aged_out"`

	// StrictRecurringTime compares recurring start/end as full instants
	// instead of hour and minute only.
	StrictRecurringTime bool `yaml:"strict_recurring_time" json:"strict_recurring_time"`

	// Schedule is the cron expression the daemon syncs on.
	Schedule string `yaml:"schedule" json:"schedule"`

	// WatchSource makes the daemon trigger a sync when the source
	// directory changes, debounced.
	WatchSource bool `yaml:"watch_source" json:"watch_source"`

	// Listen is the daemon's HTTP listen address.
	Listen string `yaml:"listen" json:"listen"`

	// APITokenEnv names the environment variable holding the daemon API
	// token. Empty disables API auth.
	APITokenEnv string `yaml:"api_token_env,omitempty" json:"api_token_env,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		RefreshTokenEnv: "CALMIRROR_REFRESH_TOKEN",
		MapDSN:          "file",
		RetentionDays:   0,
		Schedule:        "*/5 * * * *",
		WatchSource:     true,
		Listen:          "127.0.0.1:8430",
	}
}

// Normalize fills missing values with defaults so partially filled configs
// from older versions still behave.
func (c *Config) Normalize() {
	if c.RefreshTokenEnv == "" {
		c.RefreshTokenEnv = "CALMIRROR_REFRESH_TOKEN"
	}
	if c.MapDSN == "" {
		c.MapDSN = "file"
	}
	if c.Schedule == "" {
		c.Schedule = "*/5 * * * *"
	}
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8430"
	}
	if c.StateDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.StateDir = filepath.Join(home, ".calmirror")
		} else {
			c.StateDir = "."
		}
	}
	if c.RetentionDays < 0 {
		c.RetentionDays = 0
	}
}

// Load reads the YAML config at path. A missing file is a first run: the
// default config is written there and returned.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			cfg.Normalize()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return &cfg, nil
}

// Save writes the config atomically with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calmirror-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
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

// RefreshToken resolves the refresh token from the configured environment
// variable.
func (c *Config) RefreshToken() string {
	return os.Getenv(c.RefreshTokenEnv)
}

// APIToken resolves the daemon API token, empty when auth is disabled.
func (c *Config) APIToken() string {
	if c.APITokenEnv == "" {
		return ""
	}
	return os.Getenv(c.APITokenEnv)
}
