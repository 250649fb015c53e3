package territory

import (
	"fmt"
	"sync"
)

// Mirror is a consumer-side copy of the ownership map built from snapshots and deltas.
type Mirror struct {
	mu      sync.RWMutex
	epoch   string
	version uint64
	synced  bool
	owners  map[Square]string
}

func NewMirror() *Mirror {
	return &Mirror{owners: map[Square]string{}}
}

func (m *Mirror) ApplySnapshot(snap Snapshot) error {
	owners := make(map[Square]string, len(snap.Squares))
	for _, c := range snap.Squares {
		owners[c.Square] = c.OwnerID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners = owners
	m.epoch, m.version, m.synced = snap.Epoch, snap.Version, true
	return nil
}

// ApplyDelta replays changes in order. It rejects deltas that do not continue from the
// mirror's position.
func (m *Mirror) ApplyDelta(d DeltaResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.synced || d.Epoch != m.epoch {
		return fmt.Errorf("mirror: delta for epoch %q does not match %q", d.Epoch, m.epoch)
	}
	next := m.version
	for _, c := range d.Changes {
		if c.Version <= next {
			continue
		}
		if c.Version != next+1 {
			return fmt.Errorf("mirror: gap in delta: have %d, got %d", next, c.Version)
		}
		switch c.Op {
		case OpClaim:
			m.owners[c.Square] = c.OwnerID
		case OpUnclaim:
			if m.owners[c.Square] == c.OwnerID {
				delete(m.owners, c.Square)
			}
		default:
			return fmt.Errorf("mirror: unknown op %q", c.Op)
		}
		next = c.Version
	}
	if d.ToVersion > next {
		next = d.ToVersion
	}
	m.version = next
	return nil
}

func (m *Mirror) Position() (epoch string, version uint64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epoch, m.version, m.synced
}

func (m *Mirror) Owner(sq Square) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.owners[sq]
	return o, ok
}

func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.owners)
}

// Claims returns the mirrored state sorted by square.
func (m *Mirror) Claims() []Claim {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Claim, 0, len(m.owners))
	for sq, o := range m.owners {
		out = append(out, Claim{Square: sq, OwnerID: o})
	}
	sortClaims(out)
	return out
}
