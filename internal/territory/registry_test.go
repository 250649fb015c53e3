package territory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory Store for registry tests.
type memStore struct {
	mu      sync.Mutex
	claims  []Claim
	saved   bool
	saveErr error
	loadErr error
	saves   int
}

func (s *memStore) Save(claims []Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.claims = append([]Claim(nil), claims...)
	s.saved = true
	return nil
}

func (s *memStore) Load() ([]Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if !s.saved {
		return nil, nil
	}
	return append([]Claim(nil), s.claims...), nil
}

func (s *memStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func mustClaim(t *testing.T, r *Registry, owner, world string, x, z int) {
	t.Helper()
	if _, _, err := r.Claim(owner, world, x, z); err != nil {
		t.Fatalf("claim %s %s:%d:%d: %v", owner, world, x, z, err)
	}
}

func mustUnclaim(t *testing.T, r *Registry, owner, world string, x, z int) bool {
	t.Helper()
	ok, err := r.Unclaim(owner, world, x, z)
	if err != nil {
		t.Fatalf("unclaim %s %s:%d:%d: %v", owner, world, x, z, err)
	}
	return ok
}

func TestRegistry_ClaimAndUnclaimUpdatesIndexes(t *testing.T) {
	r := New(Options{})

	mustClaim(t, r, "n1", "world", 1, 2)
	if o, ok := r.NationAt("world", 1, 2); !ok || o != "n1" {
		t.Fatalf("owner=%q ok=%v", o, ok)
	}
	if n := len(r.Claims("n1")); n != 1 {
		t.Fatalf("claims(n1)=%d want 1", n)
	}
	if n := r.TotalClaimed(); n != 1 {
		t.Fatalf("total=%d want 1", n)
	}

	if !mustUnclaim(t, r, "n1", "world", 1, 2) {
		t.Fatalf("unclaim should report removal")
	}
	if _, ok := r.NationAt("world", 1, 2); ok {
		t.Fatalf("square should be free")
	}
	if n := len(r.Claims("n1")); n != 0 {
		t.Fatalf("claims(n1)=%d want 0", n)
	}
	if n := r.TotalClaimed(); n != 0 {
		t.Fatalf("total=%d want 0", n)
	}
}

func TestRegistry_ClaimReassignsOwner(t *testing.T) {
	r := New(Options{})
	mustClaim(t, r, "n1", "world", 5, 6)
	prev, changed, err := r.Claim("n2", "world", 5, 6)
	if err != nil || prev != "n1" || !changed {
		t.Fatalf("reassign: prev=%q changed=%v err=%v", prev, changed, err)
	}

	if o, _ := r.NationAt("world", 5, 6); o != "n2" {
		t.Fatalf("owner=%q want n2", o)
	}
	if n := len(r.Claims("n1")); n != 0 {
		t.Fatalf("claims(n1)=%d want 0", n)
	}
	if got := r.Claims("n2"); len(got) != 1 || got[0] != (Square{World: "world", X: 5, Z: 6}) {
		t.Fatalf("claims(n2)=%v", got)
	}
	all := r.AllSquares()
	if len(all) != 1 || all[0].OwnerID != "n2" {
		t.Fatalf("all=%v", all)
	}
}

func TestRegistry_UnclaimDoesNotRemoveOtherOwner(t *testing.T) {
	r := New(Options{})
	mustClaim(t, r, "n1", "world", 3, 4)
	mustClaim(t, r, "n2", "world", 3, 4)
	v := r.Version()

	if mustUnclaim(t, r, "n1", "world", 3, 4) {
		t.Fatalf("non-owner unclaim must report false")
	}
	if o, _ := r.NationAt("world", 3, 4); o != "n2" {
		t.Fatalf("owner=%q want n2", o)
	}
	if n := len(r.Claims("n2")); n != 1 {
		t.Fatalf("claims(n2)=%d want 1", n)
	}
	if r.Version() != v {
		t.Fatalf("no-op unclaim bumped version %d -> %d", v, r.Version())
	}
}

func TestRegistry_NoOpsDoNotBumpVersion(t *testing.T) {
	r := New(Options{})
	if mustUnclaim(t, r, "n1", "world", 0, 0) {
		t.Fatalf("unclaiming a free square must be a no-op")
	}
	if r.Version() != 0 {
		t.Fatalf("version=%d want 0", r.Version())
	}
	mustClaim(t, r, "n1", "world", 0, 0)
	_, changed, _ := r.Claim("n1", "world", 0, 0)
	if changed {
		t.Fatalf("same-owner claim reported a change")
	}
	if r.Version() != 1 {
		t.Fatalf("version=%d want 1", r.Version())
	}
}

func TestRegistry_DeltaReportsChanges(t *testing.T) {
	r := New(Options{})
	v0 := r.Version()

	mustClaim(t, r, "n1", "world", 2, 3)
	d := r.DeltaSince(v0)
	if d.RequiresSnapshot {
		t.Fatalf("unexpected snapshot request")
	}
	if len(d.Changes) != 1 {
		t.Fatalf("changes=%d want 1", len(d.Changes))
	}
	c := d.Changes[0]
	if c.Op != OpClaim || c.OwnerID != "n1" || c.Square != (Square{World: "world", X: 2, Z: 3}) || c.Version != v0+1 {
		t.Fatalf("change=%+v", c)
	}
	if d.Epoch != r.Epoch() || d.ToVersion != r.Version() {
		t.Fatalf("delta position %s/%d, registry %s/%d", d.Epoch, d.ToVersion, r.Epoch(), r.Version())
	}

	mustUnclaim(t, r, "n1", "world", 2, 3)
	d = r.DeltaSince(v0 + 1)
	if len(d.Changes) != 1 || d.Changes[0].Op != OpUnclaim || d.Changes[0].OwnerID != "n1" {
		t.Fatalf("unclaim delta=%+v", d.Changes)
	}
}

func TestRegistry_RejectsInvalidArguments(t *testing.T) {
	r := New(Options{})
	cases := []struct{ owner, world string }{
		{"", "world"},
		{"  ", "world"},
		{"n1", ""},
		{"n1", " \t"},
	}
	for _, c := range cases {
		if _, _, err := r.Claim(c.owner, c.world, 0, 0); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("claim(%q,%q) err=%v", c.owner, c.world, err)
		}
		if _, err := r.Unclaim(c.owner, c.world, 0, 0); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("unclaim(%q,%q) err=%v", c.owner, c.world, err)
		}
	}
	if r.Version() != 0 || r.TotalClaimed() != 0 {
		t.Fatalf("invalid input changed state")
	}
}

func TestRegistry_SaveAndLoadPersistsTerritories(t *testing.T) {
	store := &memStore{}
	r := New(Options{Store: store})
	mustClaim(t, r, "n1", "world", 7, 8)
	if err := r.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	if r.Dirty() {
		t.Fatalf("registry should be clean after save")
	}

	reloaded := New(Options{Store: store})
	if err := reloaded.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if o, _ := reloaded.NationAt("world", 7, 8); o != "n1" {
		t.Fatalf("owner=%q want n1", o)
	}
	if n := reloaded.TotalClaimed(); n != 1 {
		t.Fatalf("total=%d want 1", n)
	}
	if reloaded.Version() != 0 || reloaded.Dirty() {
		t.Fatalf("loaded registry: version=%d dirty=%v", reloaded.Version(), reloaded.Dirty())
	}
}

func TestRegistry_LoadStartsNewEpoch(t *testing.T) {
	store := &memStore{}
	r := New(Options{Store: store})
	mustClaim(t, r, "n1", "world", 1, 1)
	mustClaim(t, r, "n1", "world", 1, 2)
	_ = r.Save()
	before := r.Epoch()

	if err := r.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if r.Epoch() == before {
		t.Fatalf("load should start a new epoch")
	}
	d := r.DeltaSince(0)
	if d.Epoch != r.Epoch() || len(d.Changes) != 0 {
		t.Fatalf("delta after load=%+v", d)
	}
	if r.TotalClaimed() != 2 {
		t.Fatalf("total=%d want 2", r.TotalClaimed())
	}
}

func TestRegistry_LoadMissingFileIsEmpty(t *testing.T) {
	r := New(Options{Store: &memStore{}})
	if err := r.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if r.TotalClaimed() != 0 {
		t.Fatalf("expected empty registry")
	}
}

func TestRegistry_LoadCorruptStartsEmpty(t *testing.T) {
	corrupt := Wrap(CodeCorrupt, "bad json", fmt.Errorf("unexpected EOF"))
	store := &memStore{loadErr: corrupt}
	r := New(Options{Store: store})
	mustClaim(t, r, "n1", "world", 1, 1)

	err := r.Load()
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("load err=%v want corrupt", err)
	}
	if r.TotalClaimed() != 0 {
		t.Fatalf("corrupt load should leave an empty index")
	}
	// The corrupt file is already out of the way; saving the fresh index is allowed.
	if err := r.Save(); err != nil {
		t.Fatalf("save after corrupt load: %v", err)
	}
}

func TestRegistry_LoadReadErrorKeepsIndexAndBlocksSaves(t *testing.T) {
	store := &memStore{
		claims: []Claim{{Square: Square{World: "world", X: 3, Z: 4}, OwnerID: "n1"}},
		saved:  true,
	}
	r := New(Options{Store: store})
	if err := r.Load(); err != nil {
		t.Fatalf("initial load: %v", err)
	}

	store.mu.Lock()
	store.loadErr = Wrap(CodeStorage, "read state.json", errors.New("input/output error"))
	store.mu.Unlock()
	if err := r.Load(); !errors.Is(err, ErrStorage) {
		t.Fatalf("load err=%v want storage", err)
	}
	if o, ok := r.NationAt("world", 3, 4); !ok || o != "n1" {
		t.Fatalf("read error must keep the current index, owner=%q ok=%v", o, ok)
	}

	mustClaim(t, r, "n2", "world", 5, 5)
	if err := r.Save(); !errors.Is(err, ErrStorage) {
		t.Fatalf("save after failed load err=%v want storage", err)
	}

	a := NewAutosaver(r, 0, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Flush(ctx); !errors.Is(err, ErrStorage) {
		t.Fatalf("flush err=%v want storage", err)
	}
	a.Close()

	if n := store.saveCount(); n != 0 {
		t.Fatalf("saves=%d after failed load, want 0", n)
	}
	store.mu.Lock()
	kept := len(store.claims)
	store.mu.Unlock()
	if kept != 1 {
		t.Fatalf("stored claims=%d want the original 1", kept)
	}

	store.mu.Lock()
	store.loadErr = nil
	store.mu.Unlock()
	if err := r.Load(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if err := r.Save(); err != nil {
		t.Fatalf("save after successful reload: %v", err)
	}
}

func TestRegistry_LoadPlainErrorIsStorage(t *testing.T) {
	store := &memStore{loadErr: fmt.Errorf("permission denied")}
	r := New(Options{Store: store})
	if err := r.Load(); !errors.Is(err, ErrStorage) {
		t.Fatalf("plain load err should be coded as storage: %v", err)
	}
}

func TestRegistry_FailedSaveKeepsLiveState(t *testing.T) {
	store := &memStore{saveErr: fmt.Errorf("disk full")}
	r := New(Options{Store: store})
	mustClaim(t, r, "n1", "world", 1, 1)

	err := r.Save()
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("save err=%v", err)
	}
	if !r.Dirty() {
		t.Fatalf("failed save must leave the registry dirty")
	}
	if o, _ := r.NationAt("world", 1, 1); o != "n1" {
		t.Fatalf("live state lost after failed save")
	}
	mustClaim(t, r, "n2", "world", 1, 2)
	if r.TotalClaimed() != 2 {
		t.Fatalf("registry should keep accepting claims")
	}
}

func TestRegistry_ChangedClosesOnMutation(t *testing.T) {
	r := New(Options{})
	ch := r.Changed()
	select {
	case <-ch:
		t.Fatalf("changed closed before any mutation")
	default:
	}
	r.Claim("n1", "world", 0, 0)
	select {
	case <-ch:
	default:
		t.Fatalf("changed not closed after claim")
	}

	ch = r.Changed()
	r.Claim("n1", "world", 0, 0) // no-op
	select {
	case <-ch:
		t.Fatalf("no-op claim must not notify")
	default:
	}
}

func TestRegistry_IndependentInstances(t *testing.T) {
	a := New(Options{})
	b := New(Options{})
	mustClaim(t, a, "n1", "world", 0, 0)
	if _, ok := b.NationAt("world", 0, 0); ok {
		t.Fatalf("registries share state")
	}
	if a.Epoch() == b.Epoch() {
		t.Fatalf("registries share an epoch")
	}
}

// Concurrent claimers fight over a small grid while readers check that every observed
// version matches a replay of the change log.
func TestRegistry_ConcurrentMutationsKeepInvariants(t *testing.T) {
	r := New(Options{Retention: Retention{MaxRecords: 1 << 16}})
	owners := []string{"a", "b", "c", "d"}

	var wg sync.WaitGroup
	for w, owner := range owners {
		wg.Add(1)
		go func(seed int, owner string) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				x, z := (i*7+seed)%5, (i*3+seed)%5
				if i%3 == 0 {
					_, _ = r.Unclaim(owner, "world", x, z)
				} else {
					_, _, _ = r.Claim(owner, "world", x, z)
				}
			}
		}(w, owner)
	}

	stop := make(chan struct{})
	readerErr := make(chan error, 1)
	go func() {
		for {
			select {
			case <-stop:
				readerErr <- nil
				return
			default:
			}
			snap := r.Snapshot()
			seen := map[Square]bool{}
			for _, c := range snap.Squares {
				if seen[c.Square] {
					readerErr <- fmt.Errorf("square %v listed twice at version %d", c.Square, snap.Version)
					return
				}
				seen[c.Square] = true
			}
		}
	}()

	wg.Wait()
	close(stop)
	if err := <-readerErr; err != nil {
		t.Fatal(err)
	}

	// Replay the full log and compare with the final state.
	m := NewMirror()
	_ = m.ApplySnapshot(Snapshot{Epoch: r.Epoch()})
	if err := m.ApplyDelta(r.DeltaSince(0)); err != nil {
		t.Fatalf("replay: %v", err)
	}
	final := r.AllSquares()
	got := m.Claims()
	if len(final) != len(got) {
		t.Fatalf("replay len=%d registry len=%d", len(got), len(final))
	}
	for i := range final {
		if final[i] != got[i] {
			t.Fatalf("replay[%d]=%v registry=%v", i, got[i], final[i])
		}
	}

	// Consistency: the forward and reverse indexes agree.
	total := 0
	for _, owner := range owners {
		for _, sq := range r.Claims(owner) {
			if o, _ := r.NationAt(sq.World, sq.X, sq.Z); o != owner {
				t.Fatalf("%v listed for %s but owned by %s", sq, owner, o)
			}
			total++
		}
	}
	if total != r.TotalClaimed() {
		t.Fatalf("reverse index holds %d squares, forward %d", total, r.TotalClaimed())
	}
}
