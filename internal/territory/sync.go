package territory

// Snapshot is the full ownership state at one version.
type Snapshot struct {
	Epoch   string  `json:"epoch"`
	Version uint64  `json:"version"`
	Squares []Claim `json:"squares"`
}

// SyncCoordinator answers the two consumer questions: what changed since v, and what is
// the whole state now. Callers hold the registry lock.
type SyncCoordinator struct {
	index *OwnershipIndex
	log   *ChangeLog
}

func NewSyncCoordinator(index *OwnershipIndex, log *ChangeLog) *SyncCoordinator {
	return &SyncCoordinator{index: index, log: log}
}

func (s *SyncCoordinator) Delta(since uint64) DeltaResult {
	return s.log.DeltaSince(since)
}

func (s *SyncCoordinator) Snapshot() Snapshot {
	return Snapshot{
		Epoch:   s.log.Epoch(),
		Version: s.log.Version(),
		Squares: s.index.All(),
	}
}
