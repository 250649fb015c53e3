package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

func baseURL(cmd *cobra.Command) string {
	u, _ := cmd.Flags().GetString("url")
	return strings.TrimRight(strings.TrimSpace(u), "/")
}

// do sends the request and prints the response body. Non-2xx responses are errors.
func do(cmd *cobra.Command, method, path string, body any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(cmd.Context(), method, baseURL(cmd)+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return nil
}

type squareArgs struct {
	OwnerID string `json:"owner_id"`
	World   string `json:"world"`
	X       int    `json:"x"`
	Z       int    `json:"z"`
}

// parseSquare reads "<owner> <world> <x> <z>".
func parseSquare(args []string) (squareArgs, error) {
	x, err := strconv.Atoi(args[2])
	if err != nil {
		return squareArgs{}, fmt.Errorf("bad x %q", args[2])
	}
	z, err := strconv.Atoi(args[3])
	if err != nil {
		return squareArgs{}, fmt.Errorf("bad z %q", args[3])
	}
	return squareArgs{OwnerID: args[0], World: args[1], X: x, Z: z}, nil
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print registry version, epoch and retention",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return do(cmd, http.MethodGet, "/v1/territory/stats", nil)
	},
}

var saveCmd = &cobra.Command{
	Use:   "save",
	Short: "Persist the registry now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return do(cmd, http.MethodPost, "/admin/v1/territory/save", nil)
	},
}

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Reload the registry from disk (starts a new epoch)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return do(cmd, http.MethodPost, "/admin/v1/territory/load", nil)
	},
}

var claimCmd = &cobra.Command{
	Use:   "claim <owner> <world> <x> <z>",
	Short: "Assign a square to an owner",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		sq, err := parseSquare(args)
		if err != nil {
			return err
		}
		return do(cmd, http.MethodPost, "/admin/v1/territory/claim", sq)
	},
}

var unclaimCmd = &cobra.Command{
	Use:   "unclaim <owner> <world> <x> <z>",
	Short: "Free a square held by owner",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		sq, err := parseSquare(args)
		if err != nil {
			return err
		}
		return do(cmd, http.MethodPost, "/admin/v1/territory/unclaim", sq)
	},
}

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Change change-log retention",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		maxRecords, _ := cmd.Flags().GetInt("max_records")
		maxAge, _ := cmd.Flags().GetDuration("max_age")
		body := map[string]any{"max_records": maxRecords}
		if maxAge > 0 {
			body["max_age"] = maxAge.String()
		}
		return do(cmd, http.MethodPost, "/admin/v1/territory/retention", body)
	},
}

var deltaCmd = &cobra.Command{
	Use:   "delta",
	Short: "Fetch changes since a version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetUint64("since")
		epoch, _ := cmd.Flags().GetString("epoch")
		q := url.Values{}
		q.Set("since", strconv.FormatUint(since, 10))
		if epoch != "" {
			q.Set("epoch", epoch)
		}
		return do(cmd, http.MethodGet, "/v1/territory/delta?"+q.Encode(), nil)
	},
}

func init() {
	retentionCmd.Flags().Int("max_records", 0, "records to keep (0 = default)")
	retentionCmd.Flags().Duration("max_age", 0, "drop records older than this (0 = off)")
	deltaCmd.Flags().Uint64("since", 0, "last version seen")
	deltaCmd.Flags().String("epoch", "", "epoch the version belongs to")

	rootCmd.AddCommand(stateCmd, saveCmd, loadCmd, claimCmd, unclaimCmd, retentionCmd, deltaCmd)
}
