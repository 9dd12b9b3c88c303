package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/fieldworks/fieldsync/internal/model"
	"github.com/fieldworks/fieldsync/internal/ui"
)

// actionView is the printed form of a queued action.
type actionView struct {
	ID          int64     `json:"id" yaml:"id"`
	TaskID      int64     `json:"task_id" yaml:"task_id"`
	Action      string    `json:"action" yaml:"action"`
	Queued      time.Time `json:"queued_at" yaml:"queued_at"`
	Retries     int       `json:"retries" yaml:"retries"`
	LastError   string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	Rejected    bool      `json:"rejected" yaml:"rejected"`
	NeedsFixing bool      `json:"needs_attention" yaml:"needs_attention"`
}

func viewActions(actions []model.PendingAction, maxRetries int) []actionView {
	views := make([]actionView, 0, len(actions))
	for _, a := range actions {
		views = append(views, actionView{
			ID:          a.ID,
			TaskID:      a.TaskID,
			Action:      a.Describe(),
			Queued:      a.CreatedAt,
			Retries:     a.RetryCount,
			LastError:   a.LastError,
			Rejected:    a.Rejected,
			NeedsFixing: a.Rejected || a.RetryCount >= maxRetries,
		})
	}
	return views
}

func printActions(w io.Writer, format string, views []actionView) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(views); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
		if len(views) == 0 {
			_, err := fmt.Fprintln(w, "Queue is empty.")
			return err
		}
		rows := make([][]string, 0, len(views))
		for _, v := range views {
			state := ui.RenderMuted("queued")
			switch {
			case v.Rejected:
				state = ui.RenderFail("rejected")
			case v.NeedsFixing:
				state = ui.RenderWarn("gave up")
			case v.Retries > 0:
				state = ui.RenderWarn("retrying")
			}
			rows = append(rows, []string{
				strconv.FormatInt(v.ID, 10),
				strconv.FormatInt(v.TaskID, 10),
				ui.Truncate(v.Action, 40),
				v.Queued.Local().Format("01-02 15:04"),
				strconv.Itoa(v.Retries),
				state,
				ui.Truncate(v.LastError, 40),
			})
		}
		_, err := fmt.Fprintln(w, ui.Table([]string{"ID", "TASK", "ACTION", "QUEUED", "RETRIES", "STATE", "LAST ERROR"}, rows))
		return err
	default:
		return fmt.Errorf("unknown format %q (want table, json or yaml)", format)
	}
}

var flushCmd = &cobra.Command{
	Use:     "flush",
	GroupID: "sync",
	Short:   "Send queued changes to the server",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := commandContext()
		defer cancel()
		a := mustOpenApp(ctx)
		defer a.Close()

		if !a.monitor.Online() {
			n, _ := a.db.CountPending(ctx)
			fmt.Printf("%s Server unreachable, %d actions stay queued\n", ui.RenderWarn("⚠"), n)
			return
		}
		report, err := a.engine.FlushPending(ctx)
		if err != nil {
			a.fail(err)
		}
		if report.Attempted == 0 && report.Remaining == 0 {
			fmt.Printf("%s Nothing to send\n", ui.RenderPass("✓"))
			return
		}
		fmt.Printf("%s Sent %d of %d", ui.RenderPass("✓"), report.Acked, report.Attempted)
		if report.Failed > 0 {
			fmt.Printf(", %s", ui.RenderWarn(fmt.Sprintf("%d failed", report.Failed)))
		}
		if report.Rejected > 0 {
			fmt.Printf(", %s", ui.RenderFail(fmt.Sprintf("%d rejected", report.Rejected)))
		}
		if report.Skipped > 0 {
			fmt.Printf(", %d held back", report.Skipped)
		}
		fmt.Println()
		if report.Aborted != "" {
			fmt.Printf("%s Stopped early: %s\n", ui.RenderWarn("⚠"), report.Aborted)
		}
		if report.Remaining > 0 {
			fmt.Printf("%d actions remain queued; see 'fieldsync queue list'\n", report.Remaining)
		}
	},
}

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "Inspect and manage queued changes",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued actions in the order they will be sent",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		ctx, cancel := commandContext()
		defer cancel()
		a, err := openApp(ctx, nil)
		if err != nil {
			a.fail(err)
		}
		defer a.Close()

		actions, err := a.engine.PendingActions(ctx)
		if err != nil {
			a.fail(err)
		}
		if err := printActions(os.Stdout, format, viewActions(actions, a.engine.MaxRetries())); err != nil {
			a.fail(err)
		}
	},
}

var queueAttentionCmd = &cobra.Command{
	Use:   "attention",
	Short: "List actions the server rejected or that ran out of retries",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		ctx, cancel := commandContext()
		defer cancel()
		a, err := openApp(ctx, nil)
		if err != nil {
			a.fail(err)
		}
		defer a.Close()

		actions, err := a.engine.NeedsAttention(ctx)
		if err != nil {
			a.fail(err)
		}
		if len(actions) == 0 && (format == "table" || format == "") {
			fmt.Printf("%s Nothing needs attention\n", ui.RenderPass("✓"))
			return
		}
		if err := printActions(os.Stdout, format, viewActions(actions, a.engine.MaxRetries())); err != nil {
			a.fail(err)
		}
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry ACTION_ID",
	Short: "Send a rejected action again on the next flush",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := mustActionID(args[0])
		ctx, cancel := commandContext()
		defer cancel()
		a, err := openApp(ctx, nil)
		if err != nil {
			a.fail(err)
		}
		defer a.Close()

		if err := a.engine.RetryAction(ctx, id); err != nil {
			a.fail(err)
		}
		fmt.Printf("%s Action %d will be sent on the next flush\n", ui.RenderPass("✓"), id)
	},
}

var queueDiscardCmd = &cobra.Command{
	Use:   "discard ACTION_ID",
	Short: "Drop a queued action and undo its local change",
	Long: `Drop a queued action. A status change is reverted to the last status the
server confirmed; a comment that was not sent is deleted. This cannot be
undone.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := mustActionID(args[0])
		yes, _ := cmd.Flags().GetBool("yes")

		ctx, cancel := commandContext()
		defer cancel()
		a, err := openApp(ctx, nil)
		if err != nil {
			a.fail(err)
		}
		defer a.Close()

		if !yes {
			var confirmed bool
			form := huh.NewForm(huh.NewGroup(
				huh.NewConfirm().
					Title(fmt.Sprintf("Discard action %d?", id)).
					Description("The local change will be lost.").
					Affirmative("Discard").
					Negative("Keep").
					Value(&confirmed),
			)).WithAccessible(!term.IsTerminal(int(os.Stdin.Fd())))
			if err := form.Run(); err != nil {
				a.fail(err)
			}
			if !confirmed {
				fmt.Println("Kept.")
				return
			}
		}

		discarded, err := a.engine.DiscardAction(ctx, id)
		if err != nil {
			a.fail(err)
		}
		fmt.Printf("%s Discarded %s for #%d\n", ui.RenderPass("✓"), discarded.Describe(), discarded.TaskID)
	},
}

func mustActionID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		fmt.Fprintf(os.Stderr, "Error: invalid action id %q\n", s)
		os.Exit(1)
	}
	return id
}

func init() {
	queueListCmd.Flags().String("format", "table", "Output format: table, json or yaml")
	queueAttentionCmd.Flags().String("format", "table", "Output format: table, json or yaml")
	queueDiscardCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	queueCmd.AddCommand(queueListCmd, queueAttentionCmd, queueRetryCmd, queueDiscardCmd)
	rootCmd.AddCommand(flushCmd, queueCmd)
}
