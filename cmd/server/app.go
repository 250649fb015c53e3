package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"territory.ai/internal/config"
	"territory.ai/internal/persistence/indexdb"
	"territory.ai/internal/persistence/offsite"
	persistlog "territory.ai/internal/persistence/log"
	"territory.ai/internal/persistence/snapshot"
	"territory.ai/internal/persistence/territoryfile"
	"territory.ai/internal/territory"
	"territory.ai/internal/transport/httpapi"
	"territory.ai/internal/transport/ws"
)

// app owns the registry and everything that hangs off it.
type app struct {
	cfg    config.Config
	logger *log.Logger

	reg     *territory.Registry
	saver   *territory.Autosaver
	idx     *indexdb.SQLiteIndex
	journal *persistlog.ChangeJournal
	offsite *offsite.Uploader
	feed    *ws.Server
	api     *httpapi.Server

	wg      sync.WaitGroup
	started time.Time
}

func newApp(cfg config.Config, logger *log.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, started: time.Now()}
	if cfg.Offsite.Enabled {
		client, err := offsite.NewClient(offsite.ClientOptions{
			Endpoint:        cfg.Offsite.Endpoint,
			Bucket:          cfg.Offsite.Bucket,
			Region:          cfg.Offsite.Region,
			AccessKeyID:     cfg.Offsite.AccessKeyID,
			SecretAccessKey: cfg.Offsite.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		a.offsite = offsite.NewUploader(client, offsite.Options{
			Root:      cfg.DataDir,
			Prefix:    cfg.Offsite.Prefix,
			Workers:   cfg.Offsite.Workers,
			QueueSize: cfg.Offsite.QueueSize,
			Logger:    logger,
		})
	}

	store, err := territoryfile.New(territoryfile.Options{
		Path:       cfg.StatePath,
		BackupDir:  cfg.Backups.Dir,
		BackupKeep: cfg.Backups.Keep,
		OnBackup:   a.offsite.Enqueue,
		Logger:     logger,
	})
	if err != nil {
		a.offsite.Close()
		return nil, err
	}
	a.reg = territory.New(territory.Options{
		Retention: cfg.TerritoryRetention(),
		Store:     store,
		Logger:    logger,
	})
	// A corrupt file has been moved aside and logged; keep serving from an empty index.
	// An unreadable file is left alone and the server refuses to start.
	if err := a.reg.Load(); err != nil {
		if territory.CodeOf(err) != territory.CodeCorrupt {
			a.offsite.Close()
			return nil, fmt.Errorf("load territories: %w", err)
		}
		logger.Printf("load territories: %v", err)
	}

	if cfg.Index.Enabled {
		idx, err := indexdb.OpenSQLite(cfg.Index.Path)
		if err != nil {
			return nil, fmt.Errorf("open index: %w", err)
		}
		a.idx = idx
	}
	if cfg.Journal.Enabled {
		a.journal = persistlog.NewChangeJournal(cfg.Journal.Dir)
	}

	a.feed = ws.NewServer(a.reg, ws.Options{
		Logger:       logger,
		MaxSessions:  cfg.Feed.MaxSessions,
		Poll:         cfg.Feed.Poll,
		PingInterval: cfg.Feed.PingInterval,
	})
	api := httpapi.Options{
		Logger:           logger,
		AllowRemoteAdmin: cfg.Admin.AllowRemote,
		Stats:            a.stats,
	}
	if cfg.Autosave.Enabled {
		a.saver = territory.NewAutosaver(a.reg, cfg.Autosave.Debounce, cfg.Autosave.Interval)
		api.Flush = a.saver.Flush
	}
	a.api = httpapi.NewServer(a.reg, api)
	return a, nil
}

// start launches the sink followers and the export loop. They stop when ctx ends; close
// waits for them.
func (a *app) start(ctx context.Context) {
	if a.idx != nil {
		a.follow(ctx, "index", a.idx)
	}
	if a.journal != nil {
		a.follow(ctx, "journal", a.journal)
	}
	if a.cfg.Snapshots.Interval > 0 {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.exportLoop(ctx)
		}()
	}
}

func (a *app) follow(ctx context.Context, name string, sink territory.Sink) {
	f := territory.NewFollower(a.reg, sink, a.cfg.Feed.Poll, log.New(a.logger.Writer(), a.logger.Prefix()+"["+name+"] ", a.logger.Flags()))
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = f.Run(ctx)
		// Catch up once more so the sink holds the final state.
		_ = f.Step()
	}()
}

func (a *app) exportLoop(ctx context.Context) {
	t := time.NewTicker(a.cfg.Snapshots.Interval)
	defer t.Stop()
	var lastEpoch string
	var lastVersion uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		snap := a.reg.Snapshot()
		if snap.Epoch == lastEpoch && snap.Version == lastVersion {
			continue
		}
		path, err := a.exportSnapshot(snap)
		if err != nil {
			a.logger.Printf("snapshot export: %v", err)
			continue
		}
		lastEpoch, lastVersion = snap.Epoch, snap.Version
		a.offsite.Enqueue(path)
		a.logger.Printf("snapshot export %s (%d claims, version %d)", path, len(snap.Squares), snap.Version)
	}
}

func (a *app) exportSnapshot(snap territory.Snapshot) (string, error) {
	return snapshot.Export(a.cfg.Snapshots.Dir, snap, a.cfg.Snapshots.Keep, time.Now())
}

// applyConfig applies the settings that can change without a restart.
func (a *app) applyConfig(next config.Config) {
	ret := next.TerritoryRetention()
	if ret == a.reg.Retention() {
		return
	}
	a.reg.SetRetention(ret)
	got := a.reg.Retention()
	a.logger.Printf("retention now %d records, max age %s", got.MaxRecords, got.MaxAge)
}

func (a *app) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", a.metrics)
	mux.HandleFunc("GET /v1/territory/ws", a.feed.Handler())
	if a.cfg.Admin.Enabled {
		a.api.Register(mux)
	} else {
		a.logger.Printf("admin endpoints disabled (admin.enabled=false)")
		readOnly := http.NewServeMux()
		a.api.Register(readOnly)
		mux.Handle("GET /v1/territory/", readOnly)
	}
	return mux
}

func (a *app) stats() map[string]any {
	out := map[string]any{
		"ws_sessions": a.feed.Sessions(),
		"uptime":      humanize.RelTime(a.started, time.Now(), "", ""),
	}
	if a.idx != nil {
		out["index"] = a.idx.Stats()
	}
	if a.offsite != nil {
		out["offsite"] = a.offsite.Stats()
	}
	return out
}

func (a *app) metrics(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

	// Minimal Prometheus exposition format.
	fmt.Fprintf(rw, "# HELP territory_version Current change-log version.\n")
	fmt.Fprintf(rw, "# TYPE territory_version gauge\n")
	fmt.Fprintf(rw, "territory_version %d\n", a.reg.Version())

	fmt.Fprintf(rw, "# HELP territory_claimed_squares Number of claimed squares.\n")
	fmt.Fprintf(rw, "# TYPE territory_claimed_squares gauge\n")
	fmt.Fprintf(rw, "territory_claimed_squares %d\n", a.reg.TotalClaimed())

	dirty := 0
	if a.reg.Dirty() {
		dirty = 1
	}
	fmt.Fprintf(rw, "# HELP territory_unsaved_changes 1 when changes are not yet persisted.\n")
	fmt.Fprintf(rw, "# TYPE territory_unsaved_changes gauge\n")
	fmt.Fprintf(rw, "territory_unsaved_changes %d\n", dirty)

	fmt.Fprintf(rw, "# HELP territory_ws_sessions Connected websocket subscribers.\n")
	fmt.Fprintf(rw, "# TYPE territory_ws_sessions gauge\n")
	fmt.Fprintf(rw, "territory_ws_sessions %d\n", a.feed.Sessions())

	if a.idx != nil {
		s := a.idx.Stats()
		fmt.Fprintf(rw, "# HELP territory_index_queue_depth SQLite read model queue depth.\n")
		fmt.Fprintf(rw, "# TYPE territory_index_queue_depth gauge\n")
		fmt.Fprintf(rw, "territory_index_queue_depth %d\n", s.QueueDepth)
		fmt.Fprintf(rw, "# HELP territory_index_failures_total SQLite read model failed batches.\n")
		fmt.Fprintf(rw, "# TYPE territory_index_failures_total counter\n")
		fmt.Fprintf(rw, "territory_index_failures_total %d\n", s.Failures)
	}
	if a.offsite != nil {
		s := a.offsite.Stats()
		fmt.Fprintf(rw, "# HELP territory_offsite_uploads_total Files uploaded to the offsite bucket.\n")
		fmt.Fprintf(rw, "# TYPE territory_offsite_uploads_total counter\n")
		fmt.Fprintf(rw, "territory_offsite_uploads_total %d\n", s.Uploaded)
		fmt.Fprintf(rw, "# HELP territory_offsite_failures_total Offsite uploads that gave up.\n")
		fmt.Fprintf(rw, "# TYPE territory_offsite_failures_total counter\n")
		fmt.Fprintf(rw, "territory_offsite_failures_total %d\n", s.Failed)
	}
}

// close stops the autosaver with a final save, then drains and closes the sinks.
func (a *app) close() {
	if a.saver != nil {
		a.saver.Close()
	} else if a.reg.Dirty() {
		if err := a.reg.Save(); err != nil {
			a.logger.Printf("final save: %v", err)
		}
	}
	a.wg.Wait()
	if a.idx != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.idx.Flush(ctx)
		cancel()
		_ = a.idx.Close()
	}
	if a.journal != nil {
		_ = a.journal.Close()
	}
	// Last so the final save's backup is uploaded.
	a.offsite.Close()
	a.logger.Printf("stopped at version %d with %d claims", a.reg.Version(), a.reg.TotalClaimed())
}
