package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"territory.ai/internal/territory"
)

func TestLoad_DefaultsAndDerivedPaths(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Retention.MaxRecords != territory.DefaultMaxRecords {
		t.Fatalf("max_records=%d", cfg.Retention.MaxRecords)
	}
	if cfg.StatePath != filepath.Join("data", "territories.json") {
		t.Fatalf("state_path=%s", cfg.StatePath)
	}
	if !cfg.Autosave.Enabled || cfg.Autosave.Debounce != 2*time.Second {
		t.Fatalf("autosave=%+v", cfg.Autosave)
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "territory.yaml")
	body := `
listen: "127.0.0.1:9000"
data_dir: /srv/territory
retention:
  max_records: 500
  max_age: 30m
autosave:
  enabled: false
index:
  enabled: false
`
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != "127.0.0.1:9000" || cfg.Retention.MaxRecords != 500 || cfg.Retention.MaxAge != 30*time.Minute {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.Autosave.Enabled || cfg.Index.Enabled {
		t.Fatalf("disabled sections came back enabled")
	}
	if cfg.StatePath != "/srv/territory/territories.json" || cfg.Journal.Dir != "/srv/territory/journal" {
		t.Fatalf("derived paths: state=%s journal=%s", cfg.StatePath, cfg.Journal.Dir)
	}
	// Untouched sections keep their defaults.
	if cfg.Feed.MaxSessions != 256 {
		t.Fatalf("feed=%+v", cfg.Feed)
	}
	if got := cfg.TerritoryRetention(); got.MaxRecords != 500 || got.MaxAge != 30*time.Minute {
		t.Fatalf("retention=%+v", got)
	}
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"syntax":   "retention: [",
		"negative": "retention:\n  max_records: -1\n",
		"listen":   "listen: \"\"\n",
	}
	for name, body := range cases {
		p := filepath.Join(dir, name+".yaml")
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := Load(p); err == nil || !strings.Contains(err.Error(), "territory.yaml") {
			t.Fatalf("%s: err=%v", name, err)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("TERRITORY_DATA_DIR", "/var/lib/territory")
	t.Setenv("TERRITORY_RETENTION_MAX_RECORDS", "42")
	t.Setenv("TERRITORY_AUTOSAVE_DEBOUNCE", "750ms")
	t.Setenv("TERRITORY_INDEX_ENABLED", "false")

	cfg := Defaults()
	cfg.Normalize()
	if err := ApplyEnv(&cfg); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.DataDir != "/var/lib/territory" || cfg.StatePath != "/var/lib/territory/territories.json" {
		t.Fatalf("data dir=%s state=%s", cfg.DataDir, cfg.StatePath)
	}
	if cfg.Index.Path != "/var/lib/territory/index/territory.sqlite" {
		t.Fatalf("index path=%s", cfg.Index.Path)
	}
	if cfg.Retention.MaxRecords != 42 || cfg.Autosave.Debounce != 750*time.Millisecond || cfg.Index.Enabled {
		t.Fatalf("cfg=%+v", cfg)
	}
	// Unset variables leave values alone.
	if cfg.Listen != ":8080" || !cfg.Journal.Enabled {
		t.Fatalf("unset overrides changed values: %+v", cfg)
	}
}

func TestApplyEnv_Invalid(t *testing.T) {
	t.Setenv("TERRITORY_RETENTION_MAX_RECORDS", "lots")
	cfg := Defaults()
	if err := ApplyEnv(&cfg); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestWatch_ReloadsRetention(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "territory.yaml")
	if err := os.WriteFile(p, []byte("retention:\n  max_records: 100\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Config, 4)
	go func() { _ = Watch(ctx, p, nil, func(c Config) { got <- c }) }()

	// Give the watcher time to register before changing the file.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(p, []byte("retention: ["), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if err := os.WriteFile(p, []byte("retention:\n  max_records: 7\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-got:
			if c.Retention.MaxRecords == 7 {
				return
			}
		case <-deadline:
			t.Fatalf("no reload observed")
		}
	}
}

func TestApplyEnv_OffsiteNeedsCredentials(t *testing.T) {
	t.Setenv("TERRITORY_OFFSITE_ENABLED", "true")
	t.Setenv("TERRITORY_OFFSITE_ENDPOINT", "acct.r2.cloudflarestorage.com")
	t.Setenv("TERRITORY_OFFSITE_BUCKET", "territory")
	cfg := Defaults()
	cfg.Normalize()
	if err := ApplyEnv(&cfg); err == nil {
		t.Fatalf("expected missing credentials error")
	}

	t.Setenv("TERRITORY_OFFSITE_ACCESS_KEY_ID", "k")
	t.Setenv("TERRITORY_OFFSITE_SECRET_ACCESS_KEY", "s")
	cfg = Defaults()
	cfg.Normalize()
	if err := ApplyEnv(&cfg); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if !cfg.Offsite.Enabled || cfg.Offsite.Bucket != "territory" || cfg.Offsite.AccessKeyID != "k" {
		t.Fatalf("offsite=%+v", cfg.Offsite)
	}
}
