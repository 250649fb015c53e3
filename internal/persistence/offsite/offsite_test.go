package offsite

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestClient_PutFileSigned(t *testing.T) {
	var (
		gotPath, gotAuth, gotHash, gotBody string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method=%s", r.Method)
		}
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		gotHash = r.Header.Get("x-amz-content-sha256")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
	}))
	defer srv.Close()

	c, err := NewClient(ClientOptions{
		Endpoint:        srv.URL,
		Bucket:          "bkt",
		AccessKeyID:     "AKID",
		SecretAccessKey: "secret",
		Now:             func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	local := filepath.Join(t.TempDir(), "a.snap")
	writeFile(t, local, "payload")

	if err := c.PutFile(context.Background(), "/pre/snapshots/a b.snap", local); err != nil {
		t.Fatalf("put: %v", err)
	}
	if gotPath != "/bkt/pre/snapshots/a%20b.snap" {
		t.Fatalf("path=%s", gotPath)
	}
	if gotBody != "payload" {
		t.Fatalf("body=%q", gotBody)
	}
	sum := sha256.Sum256([]byte("payload"))
	if gotHash != hex.EncodeToString(sum[:]) {
		t.Fatalf("hash=%s", gotHash)
	}
	if !strings.HasPrefix(gotAuth, "AWS4-HMAC-SHA256 Credential=AKID/20260102/auto/s3/aws4_request, SignedHeaders=host;x-amz-content-sha256;x-amz-date, Signature=") {
		t.Fatalf("auth=%s", gotAuth)
	}
}

func TestClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		http.Error(rw, "denied", http.StatusForbidden)
	}))
	defer srv.Close()
	c, err := NewClient(ClientOptions{Endpoint: srv.URL, Bucket: "b", AccessKeyID: "k", SecretAccessKey: "s"})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	local := filepath.Join(t.TempDir(), "f")
	writeFile(t, local, "x")
	if err := c.PutFile(context.Background(), "f", local); err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("err=%v", err)
	}
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	if _, err := NewClient(ClientOptions{Endpoint: "r2.example.com", Bucket: "b"}); err == nil {
		t.Fatalf("expected error")
	}
}

type fakePutter struct {
	mu    sync.Mutex
	fails int
	keys  []string
}

func (f *fakePutter) PutFile(ctx context.Context, key, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("transient")
	}
	f.keys = append(f.keys, key)
	return nil
}

func TestUploader_RetriesAndKeys(t *testing.T) {
	root := t.TempDir()
	snap := filepath.Join(root, "snapshots", "territory-1.snap.zst")
	writeFile(t, snap, "s")
	outside := filepath.Join(t.TempDir(), "elsewhere")
	writeFile(t, outside, "o")

	put := &fakePutter{fails: 2}
	u := NewUploader(put, Options{Root: root, Prefix: "/prod/", Workers: 1, RetryBase: time.Millisecond})
	u.Enqueue(snap)
	u.Enqueue(outside)
	u.Close()
	u.Close()

	if len(put.keys) != 1 || put.keys[0] != "prod/snapshots/territory-1.snap.zst" {
		t.Fatalf("keys=%v", put.keys)
	}
	st := u.Stats()
	if st.Enqueued != 2 || st.Uploaded != 1 || st.Failed != 1 || st.LastOKUnix == 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestUploader_GivesUp(t *testing.T) {
	root := t.TempDir()
	f := filepath.Join(root, "territories.json")
	writeFile(t, f, "[]")
	put := &fakePutter{fails: 10}
	u := NewUploader(put, Options{Root: root, Workers: 1, Attempts: 2, RetryBase: time.Millisecond})
	u.Enqueue(f)
	u.Close()
	if st := u.Stats(); st.Failed != 1 || st.Uploaded != 0 {
		t.Fatalf("stats=%+v", st)
	}
}
