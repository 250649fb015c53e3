// Command follow mirrors a server's territory feed in memory and reports what it holds.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"territory.ai/internal/territory"
	"territory.ai/internal/transport/ws"
)

func main() {
	var (
		url      = flag.String("url", "ws://127.0.0.1:8080/v1/territory/ws", "ws url")
		every    = flag.Duration("every", 10*time.Second, "status interval")
		topN     = flag.Int("top", 5, "owners to list per status line")
		maxRetry = flag.Duration("max_backoff", 30*time.Second, "max reconnect backoff")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[follow] ", log.LstdFlags|log.Lmicroseconds)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mirror := territory.NewMirror()
	c := &ws.Client{URL: *url, Sink: mirror, Logger: logger, MaxBackoff: *maxRetry}
	go func() { _ = c.Run(ctx) }()

	t := time.NewTicker(*every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		epoch, version, ok := mirror.Position()
		if !ok {
			logger.Printf("waiting for snapshot from %s", *url)
			continue
		}
		logger.Printf("epoch=%s version=%d claims=%d top=%v", epoch, version, mirror.Len(), topOwners(mirror.Claims(), *topN))
	}
}

type ownerCount struct {
	Owner string
	N     int
}

func topOwners(claims []territory.Claim, n int) []ownerCount {
	counts := map[string]int{}
	for _, c := range claims {
		counts[c.OwnerID]++
	}
	out := make([]ownerCount, 0, len(counts))
	for o, c := range counts {
		out = append(out, ownerCount{Owner: o, N: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].N != out[j].N {
			return out[i].N > out[j].N
		}
		return out[i].Owner < out[j].Owner
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
