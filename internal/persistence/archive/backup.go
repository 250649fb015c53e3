package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// StampLayout is fixed-width so backup names sort chronologically.
const StampLayout = "20060102T150405.000000000Z"

type BackupMeta struct {
	Source    string `json:"source"`
	Backup    string `json:"backup"`
	Bytes     int64  `json:"bytes"`
	CreatedAt string `json:"created_at"`
	Kept      int    `json:"kept"`
}

// Backup copies src into dir as `<base>.<stamp>` and prunes older copies so that at most keep
// remain (keep <= 0 keeps everything). A meta.json describing the newest copy is rewritten.
func Backup(src, dir string, keep int, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	base := filepath.Base(src)
	dst := filepath.Join(dir, base+"."+now.UTC().Format(StampLayout))
	n, err := copyFile(src, dst)
	if err != nil {
		return "", fmt.Errorf("backup %s: %w", base, err)
	}
	if _, err := Prune(dir, base+".", keep); err != nil {
		return dst, err
	}

	kept := 0
	if list, err := List(dir, base+"."); err == nil {
		kept = len(list)
	}
	meta := BackupMeta{
		Source:    src,
		Backup:    filepath.Base(dst),
		Bytes:     n,
		CreatedAt: now.UTC().Format(time.RFC3339Nano),
		Kept:      kept,
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(dir, "meta.json"), b, 0o644)
	}
	return dst, nil
}

// List returns the files in dir whose names start with prefix, oldest first.
func List(dir, prefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// Prune deletes the oldest files matching prefix until at most keep remain.
func Prune(dir, prefix string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	list, err := List(dir, prefix)
	if err != nil {
		return nil, err
	}
	if len(list) <= keep {
		return nil, nil
	}
	var removed []string
	for _, p := range list[:len(list)-keep] {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		removed = append(removed, p)
	}
	return removed, nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer func() { _ = out.Close() }()

	n, err := io.Copy(out, in)
	if err != nil {
		return n, err
	}
	return n, out.Close()
}
