// Package offsite copies backups and snapshot exports to an S3-compatible bucket.
package offsite

import (
	"context"
	"fmt"
	"io"
	"log"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Putter is the upload side of Client.
type Putter interface {
	PutFile(ctx context.Context, key, localPath string) error
}

type Options struct {
	// Root is the local directory keys are taken relative to (the data dir).
	Root   string
	Prefix string

	Workers     int
	QueueSize   int
	EnqueueWait time.Duration
	Attempts    int
	RetryBase   time.Duration
	Logger      *log.Logger
}

type Stats struct {
	QueueDepth int    `json:"queue_depth"`
	Enqueued   uint64 `json:"enqueued"`
	Dropped    uint64 `json:"dropped"`
	Uploaded   uint64 `json:"uploaded"`
	Failed     uint64 `json:"failed"`
	LastOKUnix int64  `json:"last_ok_unix,omitempty"`
}

// Uploader drains a bounded queue of local paths with a fixed worker pool.
type Uploader struct {
	put    Putter
	root   string
	prefix string
	wait   time.Duration
	tries  int
	base   time.Duration
	logger *log.Logger

	jobs chan string
	wg   sync.WaitGroup
	once sync.Once

	enqueued atomic.Uint64
	dropped  atomic.Uint64
	uploaded atomic.Uint64
	failed   atomic.Uint64
	lastOK   atomic.Int64
}

func NewUploader(put Putter, opts Options) *Uploader {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.EnqueueWait <= 0 {
		opts.EnqueueWait = 25 * time.Millisecond
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 4
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 200 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	u := &Uploader{
		put:    put,
		root:   opts.Root,
		prefix: strings.Trim(strings.ReplaceAll(opts.Prefix, "\\", "/"), "/"),
		wait:   opts.EnqueueWait,
		tries:  opts.Attempts,
		base:   opts.RetryBase,
		logger: opts.Logger,
		jobs:   make(chan string, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			for p := range u.jobs {
				u.upload(p)
			}
		}()
	}
	return u
}

// Enqueue schedules localPath for upload. A full queue waits briefly, then drops.
func (u *Uploader) Enqueue(localPath string) {
	if u == nil {
		return
	}
	u.enqueued.Add(1)
	select {
	case u.jobs <- localPath:
		return
	default:
	}
	t := time.NewTimer(u.wait)
	defer t.Stop()
	select {
	case u.jobs <- localPath:
	case <-t.C:
		n := u.dropped.Add(1)
		u.logger.Printf("offsite: queue full, dropped %s (%d dropped)", localPath, n)
	}
}

// Close stops accepting work and waits for queued uploads.
func (u *Uploader) Close() {
	if u == nil {
		return
	}
	u.once.Do(func() { close(u.jobs) })
	u.wg.Wait()
}

func (u *Uploader) Stats() Stats {
	if u == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth: len(u.jobs),
		Enqueued:   u.enqueued.Load(),
		Dropped:    u.dropped.Load(),
		Uploaded:   u.uploaded.Load(),
		Failed:     u.failed.Load(),
		LastOKUnix: u.lastOK.Load(),
	}
}

func (u *Uploader) upload(localPath string) {
	key, err := u.key(localPath)
	if err != nil {
		u.failed.Add(1)
		u.logger.Printf("offsite: skip %s: %v", localPath, err)
		return
	}
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err = u.put.PutFile(ctx, key, localPath)
		cancel()
		if err == nil {
			break
		}
		if attempt >= u.tries {
			u.failed.Add(1)
			u.logger.Printf("offsite: upload %s failed after %d attempts: %v", key, attempt, err)
			return
		}
		time.Sleep(time.Duration(attempt*attempt) * u.base)
	}
	u.uploaded.Add(1)
	u.lastOK.Store(time.Now().Unix())
	u.logger.Printf("offsite: uploaded %s", key)
}

// key maps a path under Root to "<prefix>/<relative path>".
func (u *Uploader) key(localPath string) (string, error) {
	root, err := filepath.Abs(u.root)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside %s", abs, root)
	}
	if u.prefix != "" {
		rel = path.Join(u.prefix, rel)
	}
	return rel, nil
}
