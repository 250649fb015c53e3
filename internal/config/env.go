package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// envOverrides lists the settings that can be overridden from the environment. Unset
// variables leave the file value alone.
type envOverrides struct {
	Listen    *string `env:"TERRITORY_LISTEN"`
	DataDir   *string `env:"TERRITORY_DATA_DIR"`
	StatePath *string `env:"TERRITORY_STATE_PATH"`

	RetentionMaxRecords *int           `env:"TERRITORY_RETENTION_MAX_RECORDS"`
	RetentionMaxAge     *time.Duration `env:"TERRITORY_RETENTION_MAX_AGE"`

	AutosaveEnabled  *bool          `env:"TERRITORY_AUTOSAVE_ENABLED"`
	AutosaveDebounce *time.Duration `env:"TERRITORY_AUTOSAVE_DEBOUNCE"`
	AutosaveInterval *time.Duration `env:"TERRITORY_AUTOSAVE_INTERVAL"`

	BackupKeep       *int           `env:"TERRITORY_BACKUP_KEEP"`
	SnapshotInterval *time.Duration `env:"TERRITORY_SNAPSHOT_INTERVAL"`
	SnapshotKeep     *int           `env:"TERRITORY_SNAPSHOT_KEEP"`
	JournalEnabled   *bool          `env:"TERRITORY_JOURNAL_ENABLED"`
	IndexEnabled     *bool          `env:"TERRITORY_INDEX_ENABLED"`
	FeedMaxSessions  *int           `env:"TERRITORY_FEED_MAX_SESSIONS"`
	AdminEnabled     *bool          `env:"TERRITORY_ADMIN_ENABLED"`
	AdminAllowRemote *bool          `env:"TERRITORY_ADMIN_ALLOW_REMOTE"`

	OffsiteEnabled   *bool   `env:"TERRITORY_OFFSITE_ENABLED"`
	OffsiteEndpoint  *string `env:"TERRITORY_OFFSITE_ENDPOINT"`
	OffsiteBucket    *string `env:"TERRITORY_OFFSITE_BUCKET"`
	OffsiteKeyID     *string `env:"TERRITORY_OFFSITE_ACCESS_KEY_ID"`
	OffsiteSecretKey *string `env:"TERRITORY_OFFSITE_SECRET_ACCESS_KEY"`
}

// ApplyEnv overrides cfg from TERRITORY_* variables, then re-normalizes and validates.
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if o.DataDir != nil && *o.DataDir != cfg.DataDir {
		// Paths derived from the old data dir follow the new one.
		old, dir := cfg.DataDir, *o.DataDir
		rebase(&cfg.StatePath, old, dir)
		rebase(&cfg.Backups.Dir, old, dir)
		rebase(&cfg.Snapshots.Dir, old, dir)
		rebase(&cfg.Journal.Dir, old, dir)
		rebase(&cfg.Index.Path, old, dir)
		cfg.DataDir = dir
	}
	setString(&cfg.Listen, o.Listen)
	setString(&cfg.StatePath, o.StatePath)
	setInt(&cfg.Retention.MaxRecords, o.RetentionMaxRecords)
	setDuration(&cfg.Retention.MaxAge, o.RetentionMaxAge)
	setBool(&cfg.Autosave.Enabled, o.AutosaveEnabled)
	setDuration(&cfg.Autosave.Debounce, o.AutosaveDebounce)
	setDuration(&cfg.Autosave.Interval, o.AutosaveInterval)
	setInt(&cfg.Backups.Keep, o.BackupKeep)
	setDuration(&cfg.Snapshots.Interval, o.SnapshotInterval)
	setInt(&cfg.Snapshots.Keep, o.SnapshotKeep)
	setBool(&cfg.Journal.Enabled, o.JournalEnabled)
	setBool(&cfg.Index.Enabled, o.IndexEnabled)
	setInt(&cfg.Feed.MaxSessions, o.FeedMaxSessions)
	setBool(&cfg.Admin.Enabled, o.AdminEnabled)
	setBool(&cfg.Admin.AllowRemote, o.AdminAllowRemote)
	setBool(&cfg.Offsite.Enabled, o.OffsiteEnabled)
	setString(&cfg.Offsite.Endpoint, o.OffsiteEndpoint)
	setString(&cfg.Offsite.Bucket, o.OffsiteBucket)
	setString(&cfg.Offsite.AccessKeyID, o.OffsiteKeyID)
	setString(&cfg.Offsite.SecretAccessKey, o.OffsiteSecretKey)

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Offsite.Enabled && (cfg.Offsite.AccessKeyID == "" || cfg.Offsite.SecretAccessKey == "") {
		return fmt.Errorf("offsite is enabled but TERRITORY_OFFSITE_ACCESS_KEY_ID/TERRITORY_OFFSITE_SECRET_ACCESS_KEY are unset")
	}
	return nil
}

func rebase(p *string, oldDir, newDir string) {
	rel, err := filepath.Rel(oldDir, *p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return
	}
	*p = filepath.Join(newDir, rel)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *time.Duration) {
	if v != nil {
		*dst = *v
	}
}
