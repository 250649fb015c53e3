package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	persistlog "territory.ai/internal/persistence/log"
	"territory.ai/internal/persistence/snapshot"
	"territory.ai/internal/persistence/territoryfile"
	"territory.ai/internal/territory"
)

// replay rebuilds state from a snapshot export plus the journal changes recorded after it.
func replay(snapPath, journalDir string) (*territory.Mirror, int, error) {
	snap, err := snapshot.ReadSnapshot(snapPath)
	if err != nil {
		return nil, 0, err
	}
	m := territory.NewMirror()
	if err := m.ApplySnapshot(snap.Territory()); err != nil {
		return nil, 0, err
	}
	entries, err := persistlog.ReadJournal(journalDir)
	if err != nil {
		return nil, 0, err
	}
	var changes []territory.ChangeRecord
	for _, e := range entries {
		if e.Kind != persistlog.EntryChange || e.Epoch != snap.Header.Epoch || e.Version <= snap.Header.TerritoryVersion {
			continue
		}
		changes = append(changes, territory.ChangeRecord{
			Square:  territory.Square{World: e.World, X: e.X, Z: e.Z},
			Version: e.Version,
			Op:      territory.Operation(e.Op),
			OwnerID: e.OwnerID,
		})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Version < changes[j].Version })
	if err := m.ApplyDelta(territory.DeltaResult{Epoch: snap.Header.Epoch, FromVersion: snap.Header.TerritoryVersion, Changes: changes}); err != nil {
		return nil, 0, err
	}
	return m, len(changes), nil
}

// diffClaims counts squares whose owner differs between the replayed mirror and want.
func diffClaims(m *territory.Mirror, want []territory.Claim) int {
	diff := 0
	seen := make(map[territory.Square]bool, len(want))
	for _, c := range want {
		seen[c.Square] = true
		if o, ok := m.Owner(c.Square); !ok || o != c.OwnerID {
			diff++
		}
	}
	for _, c := range m.Claims() {
		if !seen[c.Square] {
			diff++
		}
	}
	return diff
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Rebuild state from a snapshot export and the change journal",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		snapPath, _ := cmd.Flags().GetString("snapshot")
		if snapPath == "" {
			dir := dataPath(cmd, "snapshots")
			p, err := snapshot.Latest(dir)
			if err != nil {
				return err
			}
			if p == "" {
				return fmt.Errorf("no snapshot exports in %s", dir)
			}
			snapPath = p
		}
		m, applied, err := replay(snapPath, dataPath(cmd, "journal"))
		if err != nil {
			return err
		}
		epoch, version, _ := m.Position()
		fmt.Fprintf(cmd.OutOrStdout(), "replayed %s + %d changes: epoch=%s version=%d claims=%d\n",
			snapPath, applied, epoch, version, m.Len())

		verify, _ := cmd.Flags().GetBool("verify")
		if !verify {
			return nil
		}
		store, err := territoryfile.New(territoryfile.Options{Path: dataPath(cmd, "territories.json")})
		if err != nil {
			return err
		}
		want, err := store.Load()
		if err != nil {
			return err
		}
		if n := diffClaims(m, want); n != 0 {
			return fmt.Errorf("replay differs from %s in %d squares", store.Path(), n)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "matches %s\n", store.Path())
		return nil
	},
}

func init() {
	replayCmd.Flags().String("snapshot", "", "snapshot export (defaults to the latest)")
	replayCmd.Flags().Bool("verify", false, "compare the result with the state file")
	rootCmd.AddCommand(replayCmd)
}
