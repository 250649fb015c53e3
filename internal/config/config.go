// Package config loads territory.yaml, applies TERRITORY_* environment overrides and watches
// the file for live retention changes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"territory.ai/internal/territory"
)

type Config struct {
	Listen    string `yaml:"listen"`
	DataDir   string `yaml:"data_dir"`
	StatePath string `yaml:"state_path"`

	Retention RetentionConfig `yaml:"retention"`
	Autosave  AutosaveConfig  `yaml:"autosave"`
	Backups   BackupConfig    `yaml:"backups"`
	Snapshots SnapshotConfig  `yaml:"snapshots"`
	Journal   JournalConfig   `yaml:"journal"`
	Index     IndexConfig     `yaml:"index"`
	Feed      FeedConfig      `yaml:"feed"`
	Admin     AdminConfig     `yaml:"admin"`
	Offsite   OffsiteConfig   `yaml:"offsite"`
}

type RetentionConfig struct {
	MaxRecords int           `yaml:"max_records"`
	MaxAge     time.Duration `yaml:"max_age"`
}

type AutosaveConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
	Interval time.Duration `yaml:"interval"`
}

type BackupConfig struct {
	Dir  string `yaml:"dir"`
	Keep int    `yaml:"keep"`
}

type SnapshotConfig struct {
	Dir      string        `yaml:"dir"`
	Interval time.Duration `yaml:"interval"`
	Keep     int           `yaml:"keep"`
}

type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type IndexConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type FeedConfig struct {
	MaxSessions  int           `yaml:"max_sessions"`
	Poll         time.Duration `yaml:"poll"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

type AdminConfig struct {
	Enabled     bool `yaml:"enabled"`
	AllowRemote bool `yaml:"allow_remote"`
}

// OffsiteConfig uploads backups and snapshot exports to an S3-compatible bucket.
// Credentials only come from the environment.
type OffsiteConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	Workers   int    `yaml:"workers"`
	QueueSize int    `yaml:"queue_size"`

	AccessKeyID     string `yaml:"-"`
	SecretAccessKey string `yaml:"-"`
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("territory.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("territory.yaml: %w", err)
	}
	return cfg, nil
}

func Defaults() Config {
	return Config{
		Listen:  ":8080",
		DataDir: "./data",
		Retention: RetentionConfig{
			MaxRecords: territory.DefaultMaxRecords,
		},
		Autosave: AutosaveConfig{
			Enabled:  true,
			Debounce: 2 * time.Second,
			Interval: 5 * time.Minute,
		},
		Backups: BackupConfig{Keep: 10},
		Snapshots: SnapshotConfig{
			Interval: time.Hour,
			Keep:     24,
		},
		Journal: JournalConfig{Enabled: true},
		Index:   IndexConfig{Enabled: true},
		Feed: FeedConfig{
			MaxSessions:  256,
			Poll:         5 * time.Second,
			PingInterval: 30 * time.Second,
		},
		Admin: AdminConfig{Enabled: true},
	}
}

// Normalize fills derived paths from DataDir.
func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Listen = strings.TrimSpace(c.Listen)
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if strings.TrimSpace(c.StatePath) == "" {
		c.StatePath = filepath.Join(c.DataDir, "territories.json")
	}
	if strings.TrimSpace(c.Backups.Dir) == "" {
		c.Backups.Dir = filepath.Join(c.DataDir, "backups")
	}
	if strings.TrimSpace(c.Snapshots.Dir) == "" {
		c.Snapshots.Dir = filepath.Join(c.DataDir, "snapshots")
	}
	if strings.TrimSpace(c.Journal.Dir) == "" {
		c.Journal.Dir = filepath.Join(c.DataDir, "journal")
	}
	if strings.TrimSpace(c.Index.Path) == "" {
		c.Index.Path = filepath.Join(c.DataDir, "index", "territory.sqlite")
	}
	if c.Retention.MaxRecords == 0 {
		c.Retention.MaxRecords = territory.DefaultMaxRecords
	}
}

func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen must not be empty")
	}
	if c.Retention.MaxRecords < 0 {
		return fmt.Errorf("retention.max_records must be >= 0")
	}
	if c.Retention.MaxAge < 0 {
		return fmt.Errorf("retention.max_age must be >= 0")
	}
	if c.Autosave.Debounce < 0 || c.Autosave.Interval < 0 {
		return fmt.Errorf("autosave durations must be >= 0")
	}
	if c.Backups.Keep < 0 {
		return fmt.Errorf("backups.keep must be >= 0")
	}
	if c.Snapshots.Interval < 0 || c.Snapshots.Keep < 0 {
		return fmt.Errorf("snapshots.interval and snapshots.keep must be >= 0")
	}
	if c.Feed.MaxSessions < 0 {
		return fmt.Errorf("feed.max_sessions must be >= 0")
	}
	if c.Offsite.Enabled {
		if c.Offsite.Endpoint == "" || c.Offsite.Bucket == "" {
			return fmt.Errorf("offsite.endpoint and offsite.bucket are required when offsite is enabled")
		}
	}
	return nil
}

// TerritoryRetention converts the retention section for the registry.
func (c Config) TerritoryRetention() territory.Retention {
	return territory.Retention{MaxRecords: c.Retention.MaxRecords, MaxAge: c.Retention.MaxAge}
}
