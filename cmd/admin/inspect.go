package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"territory.ai/internal/persistence/indexdb"
	persistlog "territory.ai/internal/persistence/log"
	"territory.ai/internal/persistence/snapshot"
	"territory.ai/internal/territory"
)

func dataPath(cmd *cobra.Command, elem ...string) string {
	dir, _ := cmd.Flags().GetString("data")
	return filepath.Join(append([]string{dir}, elem...)...)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot [path]",
	Short: "Show an exported snapshot (defaults to the latest export)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			dir := dataPath(cmd, "snapshots")
			p, err := snapshot.Latest(dir)
			if err != nil {
				return err
			}
			if p == "" {
				return fmt.Errorf("no snapshot exports in %s", dir)
			}
			path = p
		}
		full, _ := cmd.Flags().GetBool("claims")
		if !full {
			h, err := snapshot.ReadHeader(path)
			if err != nil {
				return err
			}
			created := h.CreatedAt
			if t, err := time.Parse(time.RFC3339Nano, h.CreatedAt); err == nil {
				created = humanize.Time(t)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nepoch=%s version=%d claims=%d created %s\n",
				path, h.Epoch, h.TerritoryVersion, h.Claims, created)
			return nil
		}
		snap, err := snapshot.ReadSnapshot(path)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), snap)
	},
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Print change journal entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := persistlog.ReadJournal(dataPath(cmd, "journal"))
		if err != nil {
			return err
		}
		tail, _ := cmd.Flags().GetInt("tail")
		if tail > 0 && len(entries) > tail {
			entries = entries[len(entries)-tail:]
		}
		w := cmd.OutOrStdout()
		for _, e := range entries {
			switch e.Kind {
			case persistlog.EntrySnapshot:
				fmt.Fprintf(w, "%s snapshot epoch=%s version=%d claims=%d\n", e.TS, e.Epoch, e.Version, e.Claims)
			default:
				fmt.Fprintf(w, "%s v%d %s %s (%d,%d) %s\n", e.TS, e.Version, e.Op, e.World, e.X, e.Z, e.OwnerID)
			}
		}
		return nil
	},
}

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Query the SQLite index",
}

func openIndex(cmd *cobra.Command) (*indexdb.SQLiteIndex, error) {
	path, _ := cmd.Flags().GetString("db")
	if path == "" {
		path = dataPath(cmd, "index", "territory.sqlite")
	}
	return indexdb.OpenSQLite(path)
}

var dbStateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the position the index has applied",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := openIndex(cmd)
		if err != nil {
			return err
		}
		defer idx.Close()
		st, err := idx.State(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), st)
	},
}

var dbOwnersCmd = &cobra.Command{
	Use:   "owners",
	Short: "List owners by claimed squares",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := openIndex(cmd)
		if err != nil {
			return err
		}
		defer idx.Close()
		limit, _ := cmd.Flags().GetInt("limit")
		rows, err := idx.CountByOwner(cmd.Context(), limit)
		if err != nil {
			return err
		}
		for _, r := range rows {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", r.OwnerID, humanize.Comma(int64(r.Claims)))
		}
		return nil
	},
}

var dbHistoryCmd = &cobra.Command{
	Use:   "history <world> <x> <z>",
	Short: "Show recorded changes for one square",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		x, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("bad x %q", args[1])
		}
		z, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("bad z %q", args[2])
		}
		idx, err := openIndex(cmd)
		if err != nil {
			return err
		}
		defer idx.Close()
		limit, _ := cmd.Flags().GetInt("limit")
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		rows, err := idx.History(ctx, territory.Square{World: args[0], X: x, Z: z}, limit)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rows)
	},
}

func init() {
	snapshotCmd.Flags().Bool("claims", false, "print every claim, not just the header")
	journalCmd.Flags().Int("tail", 0, "only the last N entries")
	dbCmd.PersistentFlags().String("db", "", "sqlite path (defaults to <data>/index/territory.sqlite)")
	dbOwnersCmd.Flags().Int("limit", 20, "max owners")
	dbHistoryCmd.Flags().Int("limit", 50, "max changes")

	dbCmd.AddCommand(dbStateCmd, dbOwnersCmd, dbHistoryCmd)
	rootCmd.AddCommand(snapshotCmd, journalCmd, dbCmd)
}
