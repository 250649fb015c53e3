// Package snapshot writes point-in-time exports of the ownership map as zstd-compressed
// files: one JSON header line followed by a gob-encoded body.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"territory.ai/internal/persistence/archive"
	"territory.ai/internal/territory"
)

const FormatVersion = 1

type Header struct {
	Version          int    `json:"v"`
	Epoch            string `json:"epoch"`
	TerritoryVersion uint64 `json:"territory_version"`
	Claims           int    `json:"claims"`
	CreatedAt        string `json:"created_at"`
}

type SnapshotV1 struct {
	Header Header
	Claims []ClaimV1
}

type ClaimV1 struct {
	World   string
	X       int
	Z       int
	OwnerID string
}

// FromTerritory converts a registry snapshot into the file representation.
func FromTerritory(s territory.Snapshot, now time.Time) SnapshotV1 {
	out := SnapshotV1{
		Header: Header{
			Version:          FormatVersion,
			Epoch:            s.Epoch,
			TerritoryVersion: s.Version,
			Claims:           len(s.Squares),
			CreatedAt:        now.UTC().Format(time.RFC3339Nano),
		},
		Claims: make([]ClaimV1, 0, len(s.Squares)),
	}
	for _, c := range s.Squares {
		out.Claims = append(out.Claims, ClaimV1{World: c.World, X: c.X, Z: c.Z, OwnerID: c.OwnerID})
	}
	return out
}

// Territory converts back into a registry snapshot.
func (s SnapshotV1) Territory() territory.Snapshot {
	out := territory.Snapshot{
		Epoch:   s.Header.Epoch,
		Version: s.Header.TerritoryVersion,
		Squares: make([]territory.Claim, 0, len(s.Claims)),
	}
	for _, c := range s.Claims {
		out.Squares = append(out.Squares, territory.Claim{
			Square:  territory.Square{World: c.World, X: c.X, Z: c.Z},
			OwnerID: c.OwnerID,
		})
	}
	return out
}

// WriteSnapshot writes snap to path via a temp file and rename, so readers never see a
// partially written export.
func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := encode(f, snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func encode(f *os.File, snap SnapshotV1) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		_ = enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The gob body repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != FormatVersion {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

// ReadHeader decodes only the JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

// Export writes `<dir>/territory-<stamp>.snap.zst` and keeps only the newest keep exports.
func Export(dir string, s territory.Snapshot, keep int, now time.Time) (string, error) {
	path := filepath.Join(dir, "territory-"+now.UTC().Format(archive.StampLayout)+".snap.zst")
	if err := WriteSnapshot(path, FromTerritory(s, now)); err != nil {
		return "", err
	}
	if _, err := archive.Prune(dir, "territory-", keep); err != nil {
		return path, err
	}
	return path, nil
}

// Latest returns the newest export in dir, or "" if there is none.
func Latest(dir string) (string, error) {
	list, err := archive.List(dir, "territory-")
	if err != nil || len(list) == 0 {
		return "", err
	}
	return list[len(list)-1], nil
}
