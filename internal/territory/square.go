package territory

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Square is one claimable grid cell. It carries identity only; ownership lives in the index.
type Square struct {
	World string `json:"world"`
	X     int    `json:"x"`
	Z     int    `json:"z"`
}

func (s Square) Key() string {
	return s.World + ":" + strconv.Itoa(s.X) + ":" + strconv.Itoa(s.Z)
}

func (s Square) String() string { return s.Key() }

// ParseSquareKey parses the "world:x:z" form produced by Key.
func ParseSquareKey(key string) (Square, error) {
	parts := strings.Split(strings.TrimSpace(key), ":")
	if len(parts) != 3 {
		return Square{}, fmt.Errorf("square key %q: want world:x:z", key)
	}
	if strings.TrimSpace(parts[0]) == "" {
		return Square{}, fmt.Errorf("square key %q: empty world", key)
	}
	x, err := strconv.Atoi(parts[1])
	if err != nil {
		return Square{}, fmt.Errorf("square key %q: bad x: %w", key, err)
	}
	z, err := strconv.Atoi(parts[2])
	if err != nil {
		return Square{}, fmt.Errorf("square key %q: bad z: %w", key, err)
	}
	return Square{World: parts[0], X: x, Z: z}, nil
}

func squareLess(a, b Square) bool {
	if a.World != b.World {
		return a.World < b.World
	}
	if a.X != b.X {
		return a.X < b.X
	}
	return a.Z < b.Z
}

func sortSquares(sqs []Square) {
	sort.Slice(sqs, func(i, j int) bool { return squareLess(sqs[i], sqs[j]) })
}

// Claim pairs a square with its owner.
type Claim struct {
	Square
	OwnerID string `json:"owner_id"`
}

func sortClaims(cs []Claim) {
	sort.Slice(cs, func(i, j int) bool { return squareLess(cs[i].Square, cs[j].Square) })
}
