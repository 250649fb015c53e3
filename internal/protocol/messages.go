package protocol

import (
	"time"

	"territory.ai/internal/territory"
)

// SUBSCRIBE (client -> server). A client that already holds state sends its position; the
// server answers with a delta when it can and with a snapshot otherwise.
type SubscribeMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	Epoch           string  `json:"epoch,omitempty"`
	SinceVersion    *uint64 `json:"since_version,omitempty"`
}

// TERRITORY_SNAPSHOT (server -> client)
type SnapshotMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Epoch           string     `json:"epoch"`
	Version         uint64     `json:"version"`
	Claims          []ClaimMsg `json:"claims"`
}

type ClaimMsg struct {
	World   string `json:"world"`
	X       int    `json:"x"`
	Z       int    `json:"z"`
	OwnerID string `json:"owner_id"`
}

// TERRITORY_DELTA (server -> client)
type DeltaMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Epoch           string      `json:"epoch"`
	FromVersion     uint64      `json:"from_version"`
	ToVersion       uint64      `json:"to_version"`
	Changes         []ChangeMsg `json:"changes"`

	// RequiresSnapshot is only set on polled deltas; the push feed sends a snapshot instead.
	RequiresSnapshot bool `json:"requires_snapshot,omitempty"`
}

type ChangeMsg struct {
	Version uint64 `json:"version"`
	Op      string `json:"op"`
	World   string `json:"world"`
	X       int    `json:"x"`
	Z       int    `json:"z"`
	OwnerID string `json:"owner_id"`
	TS      string `json:"ts,omitempty"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

func NewSnapshotMsg(s territory.Snapshot) SnapshotMsg {
	m := SnapshotMsg{
		Type:            TypeSnapshot,
		ProtocolVersion: Version,
		Epoch:           s.Epoch,
		Version:         s.Version,
		Claims:          make([]ClaimMsg, 0, len(s.Squares)),
	}
	for _, c := range s.Squares {
		m.Claims = append(m.Claims, ClaimMsg{World: c.World, X: c.X, Z: c.Z, OwnerID: c.OwnerID})
	}
	return m
}

func (m SnapshotMsg) Territory() territory.Snapshot {
	s := territory.Snapshot{Epoch: m.Epoch, Version: m.Version, Squares: make([]territory.Claim, 0, len(m.Claims))}
	for _, c := range m.Claims {
		s.Squares = append(s.Squares, territory.Claim{
			Square:  territory.Square{World: c.World, X: c.X, Z: c.Z},
			OwnerID: c.OwnerID,
		})
	}
	return s
}

func NewDeltaMsg(d territory.DeltaResult) DeltaMsg {
	m := DeltaMsg{
		Type:            TypeDelta,
		ProtocolVersion: Version,
		Epoch:           d.Epoch,
		FromVersion:     d.FromVersion,
		ToVersion:       d.ToVersion,
		Changes:         make([]ChangeMsg, 0, len(d.Changes)),

		RequiresSnapshot: d.RequiresSnapshot,
	}
	for _, c := range d.Changes {
		cm := ChangeMsg{Version: c.Version, Op: string(c.Op), World: c.World, X: c.X, Z: c.Z, OwnerID: c.OwnerID}
		if !c.Time.IsZero() {
			cm.TS = c.Time.UTC().Format(time.RFC3339Nano)
		}
		m.Changes = append(m.Changes, cm)
	}
	return m
}

func (m DeltaMsg) Territory() territory.DeltaResult {
	d := territory.DeltaResult{
		Epoch:       m.Epoch,
		FromVersion: m.FromVersion,
		ToVersion:   m.ToVersion,
		Changes:     make([]territory.ChangeRecord, 0, len(m.Changes)),

		RequiresSnapshot: m.RequiresSnapshot,
	}
	for _, c := range m.Changes {
		rec := territory.ChangeRecord{
			Version: c.Version,
			Op:      territory.Operation(c.Op),
			Square:  territory.Square{World: c.World, X: c.X, Z: c.Z},
			OwnerID: c.OwnerID,
		}
		if c.TS != "" {
			rec.Time, _ = time.Parse(time.RFC3339Nano, c.TS)
		}
		d.Changes = append(d.Changes, rec)
	}
	return d
}

func NewErrorMsg(code, message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: code, Message: message}
}

// ErrorFrom maps a registry error onto a wire error code.
func ErrorFrom(err error) ErrorMsg {
	return NewErrorMsg(CodeFor(err), err.Error())
}

func CodeFor(err error) string {
	switch territory.CodeOf(err) {
	case territory.CodeInvalidArgument:
		return ErrBadRequest
	case territory.CodeStorage:
		return ErrStorage
	case territory.CodeCorrupt:
		return ErrCorrupt
	default:
		return ErrInternal
	}
}
