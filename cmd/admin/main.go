// Command admin drives a running territory server over HTTP and inspects the files it
// leaves in its data directory.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "territory-admin",
	Short: "Territory registry admin tool",
	Long: `territory-admin talks to the admin endpoints of a running server
(state, save, load, claim, unclaim, retention, delta) and reads the
snapshot exports, change journal and SQLite index offline.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("url", "http://127.0.0.1:8080", "server base url")
	rootCmd.PersistentFlags().String("data", "./data", "runtime data directory")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
