// Package territoryfile persists the ownership map as a JSON claim list on local disk.
package territoryfile

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"territory.ai/internal/persistence/archive"
	"territory.ai/internal/territory"
)

//go:embed territories.schema.json
var schemaJSON []byte

const schemaURL = "territories.schema.json"

// record is the on-disk shape of one claim.
type record struct {
	World   string `json:"world"`
	X       int    `json:"x"`
	Z       int    `json:"z"`
	OwnerID string `json:"ownerId"`
}

type Options struct {
	Path string

	// BackupDir receives a copy of the file after every successful save. Empty disables backups.
	BackupDir  string
	BackupKeep int

	// OnBackup is called with each new backup file.
	OnBackup func(path string)
	Logger   *log.Logger
	Now      func() time.Time
}

// Store implements territory.Store on a single JSON file.
type Store struct {
	path       string
	backupDir  string
	backupKeep int
	onBackup   func(string)
	logger     *log.Logger
	now        func() time.Time
	schema     *jsonschema.Schema
}

func New(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, fmt.Errorf("territoryfile: empty path")
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("territoryfile: schema: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("territoryfile: schema: %w", err)
	}
	s := &Store{
		path:       opts.Path,
		backupDir:  opts.BackupDir,
		backupKeep: opts.BackupKeep,
		onBackup:   opts.OnBackup,
		logger:     opts.Logger,
		now:        opts.Now,
		schema:     schema,
	}
	if s.logger == nil {
		s.logger = log.New(io.Discard, "", 0)
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

func (s *Store) Path() string { return s.path }

// Save atomically replaces the file: temp file in the same directory, fsync, rename.
func (s *Store) Save(claims []territory.Claim) error {
	recs := make([]record, 0, len(claims))
	for _, c := range claims {
		recs = append(recs, record{World: c.World, X: c.X, Z: c.Z, OwnerID: c.OwnerID})
	}
	b, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return territory.Wrap(territory.CodeInternal, "encode territories", err)
	}
	b = append(b, '\n')
	if err := writeFileAtomic(s.path, b); err != nil {
		return territory.Wrap(territory.CodeStorage, "write "+s.path, err)
	}
	s.logger.Printf("territoryfile: saved %d claims (%s) to %s", len(recs), humanize.Bytes(uint64(len(b))), s.path)

	if s.backupDir != "" {
		if dst, err := archive.Backup(s.path, s.backupDir, s.backupKeep, s.now()); err != nil {
			s.logger.Printf("territoryfile: backup failed: %v", err)
		} else {
			s.logger.Printf("territoryfile: backup %s", filepath.Base(dst))
			if s.onBackup != nil {
				s.onBackup(dst)
			}
		}
	}
	return nil
}

// Load reads the claim list. A missing file is an empty registry. A file that does not parse
// or does not match the schema is moved aside and reported as corrupt.
func (s *Store) Load() ([]territory.Claim, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Printf("territoryfile: %s not found, starting empty", s.path)
			return nil, nil
		}
		return nil, territory.Wrap(territory.CodeStorage, "read "+s.path, err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		s.logger.Printf("territoryfile: %s is empty, starting empty", s.path)
		return nil, nil
	}

	recs, err := s.decode(b)
	if err != nil {
		aside := s.quarantine()
		s.logger.Printf("territoryfile: CORRUPT %s (%s): %v; moved to %s", s.path, humanize.Bytes(uint64(len(b))), err, aside)
		return nil, territory.Wrap(territory.CodeCorrupt, "decode "+s.path, err)
	}

	out := make([]territory.Claim, 0, len(recs))
	skipped := 0
	for _, r := range recs {
		if strings.TrimSpace(r.World) == "" || strings.TrimSpace(r.OwnerID) == "" {
			skipped++
			continue
		}
		out = append(out, territory.Claim{
			Square:  territory.Square{World: r.World, X: r.X, Z: r.Z},
			OwnerID: r.OwnerID,
		})
	}
	if skipped > 0 {
		s.logger.Printf("territoryfile: skipped %d entries with blank world or owner", skipped)
	}
	s.logger.Printf("territoryfile: read %d claims (%s) from %s", len(out), humanize.Bytes(uint64(len(b))), s.path)
	return out, nil
}

func (s *Store) decode(b []byte) ([]record, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if err := s.schema.Validate(doc); err != nil {
		return nil, err
	}
	var recs []record
	if err := json.Unmarshal(b, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// quarantine renames the current file so the next save cannot overwrite it.
func (s *Store) quarantine() string {
	aside := s.path + ".corrupt-" + s.now().UTC().Format(archive.StampLayout)
	if err := os.Rename(s.path, aside); err != nil {
		s.logger.Printf("territoryfile: could not move corrupt file aside: %v", err)
		return "(not moved)"
	}
	return aside
}

func writeFileAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	ok := false
	defer func() {
		if !ok {
			_ = os.Remove(tmp)
		}
	}()
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	ok = true
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
