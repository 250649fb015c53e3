package territory

import (
	"context"
	"io"
	"log"
	"time"
)

// Source is the read side of the sync feed. *Registry implements it.
type Source interface {
	DeltaSince(version uint64) DeltaResult
	Snapshot() Snapshot
	Changed() <-chan struct{}
}

// Sink receives the materialized feed: one snapshot, then deltas in order.
type Sink interface {
	ApplySnapshot(snap Snapshot) error
	ApplyDelta(delta DeltaResult) error
}

// Follower runs the consumer side of the sync protocol: poll DeltaSince(last), fall back to
// a snapshot when the delta cannot be served or the epoch changed, advance to ToVersion.
type Follower struct {
	src    Source
	sink   Sink
	poll   time.Duration
	logger *log.Logger

	synced  bool
	epoch   string
	version uint64
}

func NewFollower(src Source, sink Sink, poll time.Duration, logger *log.Logger) *Follower {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Follower{src: src, sink: sink, poll: poll, logger: logger}
}

// Position is the last (epoch, version) delivered to the sink.
func (f *Follower) Position() (epoch string, version uint64, ok bool) {
	return f.epoch, f.version, f.synced
}

// Resume marks the sink as already holding state at (epoch, version), as when a remote
// consumer reconnects. The next Step verifies the position and resyncs if it is not servable.
func (f *Follower) Resume(epoch string, version uint64) {
	f.synced, f.epoch, f.version = true, epoch, version
}

// Step performs one sync round. A sink error leaves the follower unsynced so the next round
// starts over from a snapshot.
func (f *Follower) Step() error {
	if !f.synced {
		return f.resync()
	}
	d := f.src.DeltaSince(f.version)
	if d.RequiresSnapshot || d.Epoch != f.epoch {
		return f.resync()
	}
	if len(d.Changes) == 0 {
		f.version = d.ToVersion
		return nil
	}
	if err := f.sink.ApplyDelta(d); err != nil {
		f.synced = false
		return err
	}
	f.version = d.ToVersion
	return nil
}

func (f *Follower) resync() error {
	snap := f.src.Snapshot()
	if err := f.sink.ApplySnapshot(snap); err != nil {
		f.synced = false
		return err
	}
	f.synced, f.epoch, f.version = true, snap.Epoch, snap.Version
	return nil
}

// Run steps on every change notification and at least once per poll interval until ctx ends.
func (f *Follower) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if f.poll > 0 {
		t := time.NewTicker(f.poll)
		defer t.Stop()
		tick = t.C
	}
	for {
		changed := f.src.Changed()
		if err := f.Step(); err != nil {
			f.logger.Printf("territory: follower step: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		case <-tick:
		}
	}
}
