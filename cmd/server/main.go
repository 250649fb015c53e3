package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"territory.ai/internal/config"
)

func main() {
	var (
		configPath = flag.String("config", "./configs/territory.yaml", "territory.yaml path (missing file means defaults)")
		addr       = flag.String("addr", "", "http listen address (overrides config)")
		dataDir    = flag.String("data", "", "runtime data directory (overrides config)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite read model")
		watch      = flag.Bool("watch_config", true, "reload retention settings when the config file changes")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[territory] ", log.LstdFlags|log.Lmicroseconds)

	path := strings.TrimSpace(*configPath)
	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			logger.Printf("config %s not found; using defaults", path)
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := config.ApplyEnv(&cfg); err != nil {
		logger.Fatalf("config env: %v", err)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
		cfg.StatePath, cfg.Backups.Dir, cfg.Snapshots.Dir, cfg.Journal.Dir, cfg.Index.Path = "", "", "", "", ""
		cfg.Normalize()
	}
	if *addr != "" {
		cfg.Listen = *addr
	}
	if *disableDB {
		cfg.Index.Enabled = false
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(cfg, logger)
	if err != nil {
		logger.Fatalf("start: %v", err)
	}
	a.start(ctx)

	if *watch && path != "" {
		go func() {
			err := config.Watch(ctx, path, logger, func(next config.Config) {
				a.applyConfig(next)
			})
			if err != nil && err != context.Canceled {
				logger.Printf("config watch stopped: %v", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s (state %s)", cfg.Listen, cfg.StatePath)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Printf("ListenAndServe: %v", err)
	}
	cancel()
	a.close()
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
