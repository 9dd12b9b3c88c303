package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/fieldworks/fieldsync/internal/config"
	"github.com/fieldworks/fieldsync/internal/remote"
	"github.com/fieldworks/fieldsync/internal/ui"
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	GroupID: "setup",
	Short:   "Manage the server session",
}

var sessionResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Save a new access token and resume syncing",
	Long: `Save a new access token after the server rejected the old one. The token
is read from the terminal without echo, or from stdin when piped. A running
daemon picks up the new token on its own; otherwise queued changes are sent
right away when the server is reachable.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		token, err := readToken()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := remote.SaveToken(cfg.API.TokenFile, token); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Token saved to %s\n", ui.RenderPass("✓"), cfg.API.TokenFile)

		ctx, cancel := commandContext()
		defer cancel()
		a := mustOpenApp(ctx)
		defer a.Close()

		a.engine.ResumeSession()
		if !a.monitor.Online() {
			fmt.Printf("%s Server unreachable, queued changes will be sent later\n", ui.RenderWarn("⚠"))
			return
		}
		report, err := a.engine.FlushPending(ctx)
		if err != nil {
			a.fail(err)
		}
		fmt.Printf("%s Sent %d queued actions\n", ui.RenderPass("✓"), report.Acked)
	},
}

func readToken() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Access token: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read token: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read token from stdin: %w", err)
	}
	return strings.TrimSpace(line), nil
}

var deviceCmd = &cobra.Command{
	Use:     "device",
	GroupID: "setup",
	Short:   "Manage push notification registration",
}

var deviceRegisterCmd = &cobra.Command{
	Use:   "register PUSH_TOKEN",
	Short: "Register this device for push notifications",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name, _ := cmd.Flags().GetString("name")
		if name == "" {
			name, _ = os.Hostname()
		}

		ctx, cancel := commandContext()
		defer cancel()
		a := mustOpenApp(ctx)
		defer a.Close()

		if err := a.engine.RegisterDevice(ctx, args[0], name); err != nil {
			a.fail(err)
		}
		fmt.Printf("%s Registered %s\n", ui.RenderPass("✓"), name)
	},
}

func init() {
	deviceRegisterCmd.Flags().String("name", "", "Device name (default hostname)")

	sessionCmd.AddCommand(sessionResumeCmd)
	deviceCmd.AddCommand(deviceRegisterCmd)
	rootCmd.AddCommand(sessionCmd, deviceCmd)
}
