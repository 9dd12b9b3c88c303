// Command fieldsync keeps a field worker's task list usable offline and
// syncs changes with the task server when a connection is available.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first task sync for field workers",
	Long: `fieldsync caches your assigned tasks locally so you can read and update
them without a connection. Status changes and comments made offline are
queued and sent to the server, in order, once it is reachable again.

Run 'fieldsync daemon' to keep the cache fresh and the queue flushed in the
background.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $HOME/.config/fieldsync/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show error details and component logs")

	rootCmd.AddGroup(
		&cobra.Group{ID: "tasks", Title: "Tasks:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
