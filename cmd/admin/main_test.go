package main

import (
	"bytes"
	"io"
	"log"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	persistlog "territory.ai/internal/persistence/log"
	"territory.ai/internal/persistence/snapshot"
	"territory.ai/internal/persistence/territoryfile"
	"territory.ai/internal/territory"
	"territory.ai/internal/transport/httpapi"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestClaimAndUnclaimOverHTTP(t *testing.T) {
	reg := territory.New(territory.Options{})
	srv := httptest.NewServer(httpapi.NewServer(reg, httpapi.Options{Logger: log.New(io.Discard, "", 0)}).Handler())
	defer srv.Close()

	if _, err := run(t, "--url", srv.URL, "claim", "--", "n1", "world", "3", "-4"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if o, ok := reg.NationAt("world", 3, -4); !ok || o != "n1" {
		t.Fatalf("owner=%q ok=%v", o, ok)
	}
	out, err := run(t, "--url", srv.URL, "state")
	if err != nil || !strings.Contains(out, `"total_claimed":1`) {
		t.Fatalf("state out=%s err=%v", out, err)
	}
	if _, err := run(t, "--url", srv.URL, "unclaim", "--", "n1", "world", "3", "-4"); err != nil {
		t.Fatalf("unclaim: %v", err)
	}
	if reg.TotalClaimed() != 0 {
		t.Fatalf("total=%d", reg.TotalClaimed())
	}
	if _, err := run(t, "--url", srv.URL, "claim", "", "world", "1", "1"); err == nil {
		t.Fatalf("expected error for blank owner")
	}
	if _, err := run(t, "--url", srv.URL, "claim", "n1", "world", "x", "1"); err == nil {
		t.Fatalf("expected error for bad x")
	}
}

func TestJournalReadsDataDir(t *testing.T) {
	dir := t.TempDir()
	reg := territory.New(territory.Options{})
	j := persistlog.NewChangeJournal(dir + "/journal")
	if err := j.ApplySnapshot(reg.Snapshot()); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if _, _, err := reg.Claim("n1", "world", 0, 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := j.ApplyDelta(reg.DeltaSince(0)); err != nil {
		t.Fatalf("delta: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	out, err := run(t, "--data", dir, "journal")
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	if !strings.Contains(out, "snapshot epoch=") || !strings.Contains(out, "v1 claim world (0,0) n1") {
		t.Fatalf("journal out:\n%s", out)
	}
}

func TestReplayVerifiesStateFile(t *testing.T) {
	dir := t.TempDir()
	reg := territory.New(territory.Options{})
	j := persistlog.NewChangeJournal(filepath.Join(dir, "journal"))
	if err := j.ApplySnapshot(reg.Snapshot()); err != nil {
		t.Fatalf("journal snapshot: %v", err)
	}
	if _, _, err := reg.Claim("n1", "world", 0, 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := snapshot.Export(filepath.Join(dir, "snapshots"), reg.Snapshot(), 0, time.Now()); err != nil {
		t.Fatalf("export: %v", err)
	}
	_, _, _ = reg.Claim("n2", "world", 0, 1)
	_, _, _ = reg.Claim("n2", "world", 0, 0)
	_, _ = reg.Unclaim("n2", "world", 0, 1)
	if err := j.ApplyDelta(reg.DeltaSince(0)); err != nil {
		t.Fatalf("journal delta: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, err := territoryfile.New(territoryfile.Options{Path: filepath.Join(dir, "territories.json")})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := store.Save(reg.AllSquares()); err != nil {
		t.Fatalf("save: %v", err)
	}

	out, err := run(t, "--data", dir, "replay", "--verify")
	if err != nil {
		t.Fatalf("replay: %v\n%s", err, out)
	}
	if !strings.Contains(out, "+ 3 changes") || !strings.Contains(out, "version=4 claims=1") || !strings.Contains(out, "matches ") {
		t.Fatalf("replay out:\n%s", out)
	}

	_, _, _ = reg.Claim("n3", "world", 9, 9)
	if err := store.Save(reg.AllSquares()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := run(t, "--data", dir, "replay", "--verify"); err == nil {
		t.Fatalf("expected mismatch")
	}
}
