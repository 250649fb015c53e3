package territory

import (
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"time"
)

// Store is the durable home of the ownership index (see internal/persistence/territoryfile).
// Load returns (nil, nil) when nothing has been saved yet.
type Store interface {
	Save(claims []Claim) error
	Load() ([]Claim, error)
}

var errSaveBlocked = errors.New("last load failed; reload before saving")

type Options struct {
	Retention Retention
	Store     Store
	Logger    *log.Logger
	Now       func() time.Time
}

// Registry is the territory ownership facade. Mutations update the index and append the
// matching change record under one write lock, so a reader at version V always sees exactly
// the state produced by records 1..V.
type Registry struct {
	mu    sync.RWMutex
	index *OwnershipIndex
	log   *ChangeLog
	sync  *SyncCoordinator

	// changed is closed and replaced on every effective mutation or load.
	changed chan struct{}

	savedEpoch   string
	savedVersion uint64

	// loadFailed is set when the store could not be read; saving is refused until a load
	// succeeds so an intact file is never replaced by a partial index.
	loadFailed bool

	// saveMu orders Save/Load against each other without blocking claims.
	saveMu sync.Mutex
	store  Store
	logger *log.Logger
}

func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	ix := NewOwnershipIndex()
	cl := NewChangeLog(opts.Retention, opts.Now)
	return &Registry{
		index:      ix,
		log:        cl,
		sync:       NewSyncCoordinator(ix, cl),
		changed:    make(chan struct{}),
		savedEpoch: cl.Epoch(),
		store:      opts.Store,
		logger:     logger,
	}
}

func validate(owner, world string) error {
	if strings.TrimSpace(owner) == "" {
		return invalidArgument("owner id must not be empty")
	}
	if strings.TrimSpace(world) == "" {
		return invalidArgument("world must not be empty")
	}
	return nil
}

// Claim assigns the square to owner, taking it from any previous owner.
// previous is "" when the square was free; changed is false for a same-owner no-op.
func (r *Registry) Claim(owner, world string, x, z int) (previous string, changed bool, err error) {
	if err := validate(owner, world); err != nil {
		return "", false, err
	}
	sq := Square{World: world, X: x, Z: z}

	r.mu.Lock()
	defer r.mu.Unlock()
	previous, changed = r.index.Claim(owner, sq)
	if changed {
		r.log.Append(OpClaim, sq, owner)
		r.notifyLocked()
	}
	return previous, changed, nil
}

// Unclaim frees the square if owner holds it. Unclaiming someone else's square is a no-op.
func (r *Registry) Unclaim(owner, world string, x, z int) (bool, error) {
	if err := validate(owner, world); err != nil {
		return false, err
	}
	sq := Square{World: world, X: x, Z: z}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.index.Unclaim(owner, sq) {
		return false, nil
	}
	r.log.Append(OpUnclaim, sq, owner)
	r.notifyLocked()
	return true, nil
}

func (r *Registry) NationAt(world string, x, z int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index.Owner(Square{World: world, X: x, Z: z})
}

func (r *Registry) Claims(owner string) []Square {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index.Claims(owner)
}

func (r *Registry) WorldClaims(world string) map[string][]Square {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index.WorldClaims(world)
}

func (r *Registry) TotalClaimed() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index.Len()
}

func (r *Registry) AllSquares() []Claim {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index.All()
}

func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.log.Version()
}

func (r *Registry) Epoch() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.log.Epoch()
}

func (r *Registry) DeltaSince(version uint64) DeltaResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sync.Delta(version)
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sync.Snapshot()
}

// Changed returns a channel that is closed at the next effective mutation or load.
func (r *Registry) Changed() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.changed
}

// Dirty reports whether the index changed since the last successful save or load.
func (r *Registry) Dirty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.savedEpoch != r.log.Epoch() || r.savedVersion != r.log.Version()
}

func (r *Registry) SetRetention(ret Retention) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log.SetRetention(ret)
}

func (r *Registry) Retention() Retention {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.log.Retention()
}

// Save writes the current index to the store. The state is copied under the read lock and
// written without holding it. A failure leaves the in-memory registry untouched.
func (r *Registry) Save() error {
	if r.store == nil {
		return nil
	}
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.RLock()
	blocked := r.loadFailed
	r.mu.RUnlock()
	if blocked {
		return Wrap(CodeStorage, "save territories", errSaveBlocked)
	}

	snap := r.Snapshot()
	if err := r.store.Save(snap.Squares); err != nil {
		r.logger.Printf("territory: save failed at version %d (%d claims); changes since the last save are not durable: %v",
			snap.Version, len(snap.Squares), err)
		return Wrap(CodeStorage, "save territories", err)
	}

	r.mu.Lock()
	// A concurrent Load may have started a new epoch; only record what was actually written.
	if r.log.Epoch() == snap.Epoch {
		r.savedEpoch, r.savedVersion = snap.Epoch, snap.Version
	}
	r.mu.Unlock()
	return nil
}

// Load replaces the in-memory index with the stored one and starts a new version epoch at 0.
// A missing file yields an empty registry. A corrupt file has been moved aside by the store:
// the registry starts empty and the error is returned. Any other read failure keeps the
// current index and disables Save until a later Load succeeds.
func (r *Registry) Load() error {
	if r.store == nil {
		return nil
	}
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	claims, loadErr := r.store.Load()
	if loadErr != nil && CodeOf(loadErr) != CodeCorrupt {
		r.mu.Lock()
		r.loadFailed = true
		r.mu.Unlock()
		r.logger.Printf("territory: load failed, keeping the current index and refusing saves until a load succeeds: %v", loadErr)
		if CodeOf(loadErr) == CodeInternal {
			return Wrap(CodeStorage, "load territories", loadErr)
		}
		return loadErr
	}
	if loadErr != nil {
		r.logger.Printf("territory: stored file is corrupt, starting from an empty index: %v", loadErr)
		claims = nil
	}

	ix := NewOwnershipIndex()
	for _, c := range claims {
		if strings.TrimSpace(c.OwnerID) == "" || strings.TrimSpace(c.World) == "" {
			continue
		}
		if !ix.Restore(c.OwnerID, c.Square) {
			cur, _ := ix.Owner(c.Square)
			r.logger.Printf("territory: duplicate claim for %s, keeping %s over %s", c.Square, cur, c.OwnerID)
		}
	}

	r.mu.Lock()
	r.index = ix
	r.log.Reset()
	r.sync = NewSyncCoordinator(ix, r.log)
	r.loadFailed = false
	if loadErr == nil {
		r.savedEpoch, r.savedVersion = r.log.Epoch(), 0
	}
	r.notifyLocked()
	n := ix.Len()
	epoch := r.log.Epoch()
	r.mu.Unlock()

	if loadErr != nil {
		return loadErr
	}
	r.logger.Printf("territory: loaded %d claims (epoch %s)", n, epoch)
	return nil
}

func (r *Registry) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}
