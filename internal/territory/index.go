package territory

// OwnershipIndex maps squares to owners and keeps two reverse indexes (by owner, by world).
// It is not safe for concurrent use; Registry guards it.
type OwnershipIndex struct {
	owners  map[Square]string
	byOwner map[string]map[Square]struct{}
	byWorld map[string]map[Square]string
}

func NewOwnershipIndex() *OwnershipIndex {
	return &OwnershipIndex{
		owners:  map[Square]string{},
		byOwner: map[string]map[Square]struct{}{},
		byWorld: map[string]map[Square]string{},
	}
}

// Claim assigns sq to owner. It returns the previous owner ("" if the square was free) and
// whether ownership changed. A square held by someone else is moved in one step.
func (ix *OwnershipIndex) Claim(owner string, sq Square) (previous string, changed bool) {
	previous = ix.owners[sq]
	if previous == owner {
		return previous, false
	}
	if previous != "" {
		ix.removeOwnerSquare(previous, sq)
	}
	ix.put(owner, sq)
	return previous, true
}

// Unclaim frees sq only if owner currently holds it.
func (ix *OwnershipIndex) Unclaim(owner string, sq Square) bool {
	cur, ok := ix.owners[sq]
	if !ok || cur != owner {
		return false
	}
	delete(ix.owners, sq)
	ix.removeOwnerSquare(owner, sq)
	if w := ix.byWorld[sq.World]; w != nil {
		delete(w, sq)
		if len(w) == 0 {
			delete(ix.byWorld, sq.World)
		}
	}
	return true
}

// Restore adds a claim only when the square is free or already held by owner.
// It reports false for a conflicting duplicate, which keeps the first owner.
func (ix *OwnershipIndex) Restore(owner string, sq Square) bool {
	if cur, ok := ix.owners[sq]; ok {
		return cur == owner
	}
	ix.put(owner, sq)
	return true
}

func (ix *OwnershipIndex) Owner(sq Square) (string, bool) {
	o, ok := ix.owners[sq]
	return o, ok
}

// Claims returns a sorted copy of the squares held by owner.
func (ix *OwnershipIndex) Claims(owner string) []Square {
	set := ix.byOwner[owner]
	out := make([]Square, 0, len(set))
	for sq := range set {
		out = append(out, sq)
	}
	sortSquares(out)
	return out
}

// WorldClaims groups the claims of one world by owner.
func (ix *OwnershipIndex) WorldClaims(world string) map[string][]Square {
	out := map[string][]Square{}
	for sq, owner := range ix.byWorld[world] {
		out[owner] = append(out[owner], sq)
	}
	for _, sqs := range out {
		sortSquares(sqs)
	}
	return out
}

// All returns every claim, sorted by square.
func (ix *OwnershipIndex) All() []Claim {
	out := make([]Claim, 0, len(ix.owners))
	for sq, owner := range ix.owners {
		out = append(out, Claim{Square: sq, OwnerID: owner})
	}
	sortClaims(out)
	return out
}

func (ix *OwnershipIndex) Len() int { return len(ix.owners) }

func (ix *OwnershipIndex) put(owner string, sq Square) {
	ix.owners[sq] = owner
	set := ix.byOwner[owner]
	if set == nil {
		set = map[Square]struct{}{}
		ix.byOwner[owner] = set
	}
	set[sq] = struct{}{}
	w := ix.byWorld[sq.World]
	if w == nil {
		w = map[Square]string{}
		ix.byWorld[sq.World] = w
	}
	w[sq] = owner
}

func (ix *OwnershipIndex) removeOwnerSquare(owner string, sq Square) {
	set := ix.byOwner[owner]
	if set == nil {
		return
	}
	delete(set, sq)
	if len(set) == 0 {
		delete(ix.byOwner, owner)
	}
}
