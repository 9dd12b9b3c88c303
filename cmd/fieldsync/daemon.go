package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldworks/fieldsync/internal/daemon"
	"github.com/fieldworks/fieldsync/internal/dashboard"
	"github.com/fieldworks/fieldsync/internal/engine"
	"github.com/fieldworks/fieldsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Keep the cache fresh and the queue flushed in the background",
	Long: `Run in the foreground until interrupted. The daemon:

  - probes the server and flushes then refreshes whenever it becomes reachable
  - flushes and refreshes on timers as a fallback
  - flushes actions queued by other fieldsync commands as soon as they are saved
  - resumes syncing when 'fieldsync session resume' writes a new token

With --dashboard, a live view is served on localhost.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		port, _ := cmd.Flags().GetInt("port")
		runDaemon(withDashboard, port, cmd.Flags().Changed("port"))
	},
}

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "sync",
	Short:   "Run the daemon with the live dashboard",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		port, _ := cmd.Flags().GetInt("port")
		runDaemon(true, port, cmd.Flags().Changed("port"))
	},
}

func runDaemon(withDashboard bool, port int, portSet bool) {
	ctx, cancel := commandContext()
	defer cancel()

	// Component logs go to stderr unless a log file is configured.
	verbose = true
	a, err := openStack(ctx)
	if err != nil {
		a.fail(err)
	}
	defer a.Close()

	if !withDashboard {
		a.startEngine(nil)
	} else {
		if !portSet {
			port = a.cfg.Dashboard.Port
		}
		server := dashboard.NewServer(&dashboard.Config{
			Host:   "127.0.0.1",
			Port:   port,
			Logger: a.logs.Logger("dashboard"),
		})
		stats := dashboard.StatsFunc(func(ctx context.Context) (*engine.Stats, error) {
			return a.engine.Stats(ctx)
		})
		handler := dashboard.NewHandler(server, stats, a.logs.Logger("dashboard"))
		a.startEngine(handler)

		if err := server.Start(); err != nil {
			a.fail(fmt.Errorf("failed to start dashboard: %w", err))
		}
		defer server.Stop()

		states, unsubscribe := a.monitor.Subscribe()
		defer unsubscribe()
		go handler.WatchConnectivity(ctx, states)

		fmt.Printf("%s Dashboard at http://%s\n", ui.RenderAccent("▶"), server.Addr())
	}

	d, err := daemon.NewWithConfig(a.engine, a.monitor, &daemon.Config{
		FlushInterval:    a.cfg.Sync.FlushInterval,
		RefreshInterval:  a.cfg.Sync.RefreshInterval,
		Jitter:           a.cfg.Sync.Jitter,
		DebounceInterval: a.cfg.Sync.Debounce,
		DatabasePath:     a.cfg.Store.Path,
		TokenPath:        a.cfg.API.TokenFile,
		Logger:           a.logs.Logger("daemon"),
	})
	if err != nil {
		a.fail(err)
	}

	fmt.Printf("%s Syncing with %s (Ctrl+C to stop)\n", ui.RenderAccent("▶"), a.cfg.API.BaseURL)
	if err := d.Start(ctx); err != nil && ctx.Err() == nil {
		a.fail(err)
	}
	fmt.Fprintln(os.Stderr, "Stopped.")
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "Serve the live dashboard")
	daemonCmd.Flags().Int("port", 0, "Dashboard port (default from config)")
	dashboardCmd.Flags().Int("port", 0, "Dashboard port (default from config)")

	rootCmd.AddCommand(daemonCmd, dashboardCmd)
}
