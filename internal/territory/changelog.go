package territory

import (
	"time"

	"github.com/google/uuid"
)

type Operation string

const (
	OpClaim   Operation = "claim"
	OpUnclaim Operation = "unclaim"
)

// ChangeRecord is one effective ownership change. Records are never modified after Append.
type ChangeRecord struct {
	Square `json:"square"`

	Version uint64    `json:"version"`
	Op      Operation `json:"op"`
	OwnerID string    `json:"owner_id"`
	Time    time.Time `json:"ts"`
}

// DeltaResult answers "what changed since version N".
// Epoch identifies the version sequence; versions from different epochs are unrelated.
type DeltaResult struct {
	Epoch            string         `json:"epoch"`
	FromVersion      uint64         `json:"from_version"`
	ToVersion        uint64         `json:"to_version"`
	Changes          []ChangeRecord `json:"changes"`
	RequiresSnapshot bool           `json:"requires_snapshot"`
}

// Retention bounds how far back DeltaSince can reach.
type Retention struct {
	MaxRecords int
	MaxAge     time.Duration // 0 disables the age bound
}

const DefaultMaxRecords = 10000

func (r Retention) normalized() Retention {
	if r.MaxRecords <= 0 {
		r.MaxRecords = DefaultMaxRecords
	}
	if r.MaxAge < 0 {
		r.MaxAge = 0
	}
	return r
}

// ChangeLog holds the version counter and a ring buffer of the most recent records.
// Retained records always form a gapless run ending at the current version.
type ChangeLog struct {
	epoch   string
	version uint64

	buf   []ChangeRecord
	head  int // index of the oldest retained record
	count int

	retention Retention
	now       func() time.Time
}

func NewChangeLog(r Retention, now func() time.Time) *ChangeLog {
	if now == nil {
		now = time.Now
	}
	r = r.normalized()
	return &ChangeLog{
		epoch:     uuid.NewString(),
		buf:       make([]ChangeRecord, r.MaxRecords),
		retention: r,
		now:       now,
	}
}

func (l *ChangeLog) Epoch() string   { return l.epoch }
func (l *ChangeLog) Version() uint64 { return l.version }
func (l *ChangeLog) Len() int        { return l.count }

// Append records an effective change and returns its version.
func (l *ChangeLog) Append(op Operation, sq Square, owner string) uint64 {
	l.version++
	rec := ChangeRecord{
		Version: l.version,
		Op:      op,
		Square:  sq,
		OwnerID: owner,
		Time:    l.now().UTC(),
	}
	if l.count == len(l.buf) {
		l.buf[l.head] = rec
		l.head = (l.head + 1) % len(l.buf)
	} else {
		l.buf[(l.head+l.count)%len(l.buf)] = rec
		l.count++
	}
	l.expire(rec.Time)
	return l.version
}

// DeltaSince returns the records after from, or asks for a snapshot when from predates
// the retained window.
func (l *ChangeLog) DeltaSince(from uint64) DeltaResult {
	res := DeltaResult{
		Epoch:       l.epoch,
		FromVersion: from,
		ToVersion:   l.version,
		Changes:     []ChangeRecord{},
	}
	if from >= l.version {
		return res
	}
	first := l.firstLive()
	if first >= l.count {
		res.RequiresSnapshot = true
		return res
	}
	oldest := l.at(first).Version
	if from+1 < oldest {
		res.RequiresSnapshot = true
		return res
	}
	// Gapless: the record for version v sits at offset v-oldest past first.
	start := first + int(from+1-oldest)
	res.Changes = make([]ChangeRecord, 0, l.count-start)
	for i := start; i < l.count; i++ {
		res.Changes = append(res.Changes, l.at(i))
	}
	return res
}

// OldestVersion is the version of the earliest record still served, or 0 if none.
func (l *ChangeLog) OldestVersion() uint64 {
	first := l.firstLive()
	if first >= l.count {
		return 0
	}
	return l.at(first).Version
}

// SetRetention changes the window. Shrinking drops the oldest records.
func (l *ChangeLog) SetRetention(r Retention) {
	r = r.normalized()
	if r.MaxRecords != len(l.buf) {
		keep := l.count
		if keep > r.MaxRecords {
			keep = r.MaxRecords
		}
		nb := make([]ChangeRecord, r.MaxRecords)
		for i := 0; i < keep; i++ {
			nb[i] = l.at(l.count - keep + i)
		}
		l.buf, l.head, l.count = nb, 0, keep
	}
	l.retention = r
	l.expire(l.now().UTC())
}

func (l *ChangeLog) Retention() Retention { return l.retention }

// Reset starts a new epoch at version 0 with an empty log.
func (l *ChangeLog) Reset() {
	l.epoch = uuid.NewString()
	l.version = 0
	for i := range l.buf {
		l.buf[i] = ChangeRecord{}
	}
	l.head, l.count = 0, 0
}

func (l *ChangeLog) at(i int) ChangeRecord {
	return l.buf[(l.head+i)%len(l.buf)]
}

// expire drops records older than the age bound.
func (l *ChangeLog) expire(now time.Time) {
	if l.retention.MaxAge <= 0 {
		return
	}
	cutoff := now.Add(-l.retention.MaxAge)
	for l.count > 0 && l.buf[l.head].Time.Before(cutoff) {
		l.buf[l.head] = ChangeRecord{}
		l.head = (l.head + 1) % len(l.buf)
		l.count--
	}
}

// firstLive skips records that aged out since the last mutation without modifying the log,
// so DeltaSince stays safe under a read lock.
func (l *ChangeLog) firstLive() int {
	if l.retention.MaxAge <= 0 {
		return 0
	}
	cutoff := l.now().UTC().Add(-l.retention.MaxAge)
	i := 0
	for i < l.count && l.at(i).Time.Before(cutoff) {
		i++
	}
	return i
}
