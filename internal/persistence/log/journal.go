package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"

	"territory.ai/internal/territory"
)

const (
	EntrySnapshot = "snapshot"
	EntryChange   = "change"
)

// JournalEntry is one journal line. A snapshot entry marks a resync point: later change
// entries continue from its (epoch, version).
type JournalEntry struct {
	Kind    string `json:"kind"`
	Epoch   string `json:"epoch"`
	Version uint64 `json:"version"`
	Claims  int    `json:"claims,omitempty"`
	Op      string `json:"op,omitempty"`
	World   string `json:"world,omitempty"`
	X       int    `json:"x,omitempty"`
	Z       int    `json:"z,omitempty"`
	OwnerID string `json:"owner_id,omitempty"`
	TS      string `json:"ts,omitempty"`
}

// ChangeJournal is a territory.Sink that appends every change to hourly compressed files
// under `<dir>/changes-*.jsonl.zst`.
type ChangeJournal struct{ w *JSONLZstdWriter }

func NewChangeJournal(dir string) *ChangeJournal {
	return &ChangeJournal{w: NewJSONLZstdWriter(dir, "changes")}
}

func (j *ChangeJournal) ApplySnapshot(s territory.Snapshot) error {
	return j.w.Write(JournalEntry{
		Kind:    EntrySnapshot,
		Epoch:   s.Epoch,
		Version: s.Version,
		Claims:  len(s.Squares),
		TS:      j.w.now().UTC().Format(time.RFC3339Nano),
	})
}

func (j *ChangeJournal) ApplyDelta(d territory.DeltaResult) error {
	batch := make([]any, 0, len(d.Changes))
	for _, c := range d.Changes {
		batch = append(batch, JournalEntry{
			Kind:    EntryChange,
			Epoch:   d.Epoch,
			Version: c.Version,
			Op:      string(c.Op),
			World:   c.World,
			X:       c.X,
			Z:       c.Z,
			OwnerID: c.OwnerID,
			TS:      c.Time.UTC().Format(time.RFC3339Nano),
		})
	}
	if len(batch) == 0 {
		return nil
	}
	return j.w.WriteBatch(batch)
}

func (j *ChangeJournal) Close() error { return j.w.Close() }

// ReadJournalFile decodes every entry of one journal file.
func ReadJournalFile(path string) ([]JournalEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []JournalEntry
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e JournalEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return out, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return out, nil
}

// ReadJournal decodes all journal files in dir in chronological order.
func ReadJournal(dir string) ([]JournalEntry, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "changes-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	var out []JournalEntry
	for _, p := range paths {
		es, err := ReadJournalFile(p)
		if err != nil {
			return out, err
		}
		out = append(out, es...)
	}
	return out, nil
}
