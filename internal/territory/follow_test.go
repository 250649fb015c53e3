package territory

import (
	"context"
	"fmt"
	"testing"
	"time"
)

type recordingSink struct {
	*Mirror
	snapshots int
	deltas    int
	failNext  bool
}

func newRecordingSink() *recordingSink { return &recordingSink{Mirror: NewMirror()} }

func (s *recordingSink) ApplySnapshot(snap Snapshot) error {
	s.snapshots++
	return s.Mirror.ApplySnapshot(snap)
}

func (s *recordingSink) ApplyDelta(d DeltaResult) error {
	if s.failNext {
		s.failNext = false
		return fmt.Errorf("sink unavailable")
	}
	s.deltas++
	return s.Mirror.ApplyDelta(d)
}

func assertMirrors(t *testing.T, r *Registry, m *Mirror) {
	t.Helper()
	want := r.AllSquares()
	got := m.Claims()
	if len(want) != len(got) {
		t.Fatalf("mirror has %d claims, registry %d", len(got), len(want))
	}
	for i := range want {
		if want[i] != got[i] {
			t.Fatalf("mirror[%d]=%v registry=%v", i, got[i], want[i])
		}
	}
}

func TestFollower_SnapshotThenDeltas(t *testing.T) {
	r := New(Options{})
	mustClaim(t, r, "n1", "world", 0, 0)

	sink := newRecordingSink()
	f := NewFollower(r, sink, 0, nil)
	if err := f.Step(); err != nil {
		t.Fatalf("step: %v", err)
	}
	if sink.snapshots != 1 || sink.deltas != 0 {
		t.Fatalf("first step: snapshots=%d deltas=%d", sink.snapshots, sink.deltas)
	}

	mustClaim(t, r, "n2", "world", 0, 0)
	mustClaim(t, r, "n2", "world", 0, 1)
	mustUnclaim(t, r, "n2", "world", 0, 1)
	if err := f.Step(); err != nil {
		t.Fatalf("step: %v", err)
	}
	if sink.snapshots != 1 || sink.deltas != 1 {
		t.Fatalf("second step: snapshots=%d deltas=%d", sink.snapshots, sink.deltas)
	}
	assertMirrors(t, r, sink.Mirror)
	if _, v, _ := f.Position(); v != r.Version() {
		t.Fatalf("follower at %d, registry at %d", v, r.Version())
	}

	// Nothing changed: no sink calls.
	if err := f.Step(); err != nil {
		t.Fatalf("step: %v", err)
	}
	if sink.deltas != 1 {
		t.Fatalf("idle step applied a delta")
	}
}

func TestFollower_FallsBackToSnapshotWhenHistoryTrimmed(t *testing.T) {
	r := New(Options{Retention: Retention{MaxRecords: 2}})
	sink := newRecordingSink()
	f := NewFollower(r, sink, 0, nil)
	_ = f.Step()

	for i := 0; i < 5; i++ {
		mustClaim(t, r, "n1", "world", i, 0)
	}
	if err := f.Step(); err != nil {
		t.Fatalf("step: %v", err)
	}
	if sink.snapshots != 2 {
		t.Fatalf("expected a resync snapshot, got %d snapshots", sink.snapshots)
	}
	assertMirrors(t, r, sink.Mirror)
}

func TestFollower_ResyncsOnEpochChange(t *testing.T) {
	store := &memStore{}
	r := New(Options{Store: store})
	mustClaim(t, r, "n1", "world", 0, 0)
	_ = r.Save()

	sink := newRecordingSink()
	f := NewFollower(r, sink, 0, nil)
	_ = f.Step()
	for i := 0; i < 3; i++ {
		mustClaim(t, r, "n1", "world", 1, i)
	}
	_ = f.Step()

	// Reload resets the version below the follower's position.
	if err := r.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	mustClaim(t, r, "n9", "world", 5, 5)
	if err := f.Step(); err != nil {
		t.Fatalf("step: %v", err)
	}
	if sink.snapshots != 2 {
		t.Fatalf("epoch change should force a snapshot, got %d", sink.snapshots)
	}
	assertMirrors(t, r, sink.Mirror)
}

func TestFollower_SinkErrorForcesResync(t *testing.T) {
	r := New(Options{})
	sink := newRecordingSink()
	f := NewFollower(r, sink, 0, nil)
	_ = f.Step()

	mustClaim(t, r, "n1", "world", 0, 0)
	sink.failNext = true
	if err := f.Step(); err == nil {
		t.Fatalf("expected sink error")
	}
	if err := f.Step(); err != nil {
		t.Fatalf("step: %v", err)
	}
	if sink.snapshots != 2 {
		t.Fatalf("failed delta should be followed by a snapshot")
	}
	assertMirrors(t, r, sink.Mirror)
}

func TestFollower_RunWakesOnChange(t *testing.T) {
	r := New(Options{})
	sink := NewMirror()
	f := NewFollower(r, sink, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	mustClaim(t, r, "n1", "world", 3, 3)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if o, ok := sink.Owner(Square{World: "world", X: 3, Z: 3}); ok && o == "n1" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("follower did not pick up the change")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("run err=%v", err)
	}
}

func TestMirror_RejectsGapsAndForeignEpochs(t *testing.T) {
	m := NewMirror()
	_ = m.ApplySnapshot(Snapshot{Epoch: "e1", Version: 3})
	err := m.ApplyDelta(DeltaResult{Epoch: "e2", ToVersion: 4})
	if err == nil {
		t.Fatalf("foreign epoch accepted")
	}
	err = m.ApplyDelta(DeltaResult{Epoch: "e1", FromVersion: 3, ToVersion: 5, Changes: []ChangeRecord{
		{Version: 5, Op: OpClaim, Square: Square{World: "w"}, OwnerID: "a"},
	}})
	if err == nil {
		t.Fatalf("gap accepted")
	}
}

func TestFollower_ResumeFromKnownPosition(t *testing.T) {
	r := New(Options{})
	for i := 0; i < 3; i++ {
		mustClaim(t, r, "n1", "world", i, 0)
	}
	sink := newRecordingSink()
	_ = sink.Mirror.ApplySnapshot(r.Snapshot())
	mustClaim(t, r, "n2", "world", 9, 9)

	f := NewFollower(r, sink, 0, nil)
	f.Resume(r.Epoch(), 3)
	if err := f.Step(); err != nil {
		t.Fatalf("step: %v", err)
	}
	if sink.snapshots != 0 || sink.deltas != 1 {
		t.Fatalf("resume: snapshots=%d deltas=%d", sink.snapshots, sink.deltas)
	}
	assertMirrors(t, r, sink.Mirror)

	// A stale epoch falls back to a snapshot.
	f2 := NewFollower(r, sink, 0, nil)
	f2.Resume("other", 1)
	if err := f2.Step(); err != nil {
		t.Fatalf("step: %v", err)
	}
	if sink.snapshots != 1 {
		t.Fatalf("stale resume should resync")
	}
}
