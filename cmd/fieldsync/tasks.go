package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fieldworks/fieldsync/internal/model"
	"github.com/fieldworks/fieldsync/internal/status"
	"github.com/fieldworks/fieldsync/internal/store"
	"github.com/fieldworks/fieldsync/internal/ui"
)

// commandContext is cancelled by Ctrl+C.
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func parseTaskID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", s)
	}
	return id, nil
}

func mustTaskID(s string) int64 {
	id, err := parseTaskID(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return id
}

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "tasks",
	Short:   "List cached tasks",
	Long: `List the tasks in the local cache, highest priority first.

Tasks with a change that has not reached the server yet are marked with *.
Use --refresh to pull the latest list from the server first; when the server
cannot be reached the cached list is shown.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := commandContext()
		defer cancel()
		a := mustOpenApp(ctx)
		defer a.Close()

		refresh, _ := cmd.Flags().GetBool("refresh")
		statusFlag, _ := cmd.Flags().GetString("status")
		modified, _ := cmd.Flags().GetBool("modified")

		filter := store.TaskFilter{ModifiedOnly: modified}
		if statusFlag != "" {
			st, err := status.ParseStrict(statusFlag)
			if err != nil {
				a.fail(err)
			}
			filter.Status = st
		}

		if refresh {
			if _, err := a.engine.Refresh(ctx); err != nil {
				a.fail(err)
			}
			if !a.monitor.Online() {
				fmt.Printf("%s Offline, showing cached tasks\n", ui.RenderWarn("⚠"))
			}
		}

		tasks, err := a.engine.Tasks(ctx, filter)
		if err != nil {
			a.fail(err)
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks.")
			return
		}

		rows := make([][]string, 0, len(tasks))
		for _, t := range tasks {
			rows = append(rows, []string{
				strconv.FormatInt(t.ID, 10),
				t.TaskNumber,
				ui.RenderPriority(t.Priority),
				ui.RenderTaskStatus(t),
				ui.Truncate(t.Title, 40),
				ui.Truncate(t.Address, 40),
			})
		}
		fmt.Println(ui.Table([]string{"ID", "NUMBER", "PRIORITY", "STATUS", "TITLE", "ADDRESS"}, rows))
	},
}

var showCmd = &cobra.Command{
	Use:     "show ID",
	GroupID: "tasks",
	Short:   "Show a task with its comments",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := mustTaskID(args[0])
		ctx, cancel := commandContext()
		defer cancel()
		a := mustOpenApp(ctx)
		defer a.Close()

		detail, err := a.engine.RefreshTask(ctx, id)
		if err != nil {
			a.fail(err)
		}
		printTask(detail)
	},
}

func printTask(d *model.TaskDetail) {
	t := d.Task
	fmt.Printf("\n%s #%d %s\n\n", ui.RenderAccent("●"), t.ID, t.Title)
	if t.TaskNumber != "" {
		fmt.Printf("Number:   %s\n", t.TaskNumber)
	}
	fmt.Printf("Status:   %s", ui.RenderTaskStatus(t))
	if t.IsLocallyModified {
		fmt.Printf(" %s", ui.RenderMuted(fmt.Sprintf("(server: %s, waiting to sync)", t.Status)))
	}
	fmt.Println()
	fmt.Printf("Priority: %s\n", ui.RenderPriority(t.Priority))
	fmt.Printf("Address:  %s\n", t.Address)
	if t.Coordinates != nil {
		fmt.Printf("Location: %.6f, %.6f\n", t.Coordinates.Lat, t.Coordinates.Lon)
	}
	if t.PlannedDate != "" {
		fmt.Printf("Planned:  %s\n", t.PlannedDate)
	}
	if t.LastSyncedAt != nil {
		fmt.Printf("Synced:   %s\n", t.LastSyncedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if t.Description != "" {
		fmt.Printf("\n%s\n", t.Description)
	}

	if len(d.Comments) == 0 {
		fmt.Println()
		return
	}
	fmt.Printf("\n%s\n", ui.RenderAccent("Comments"))
	for _, c := range d.Comments {
		header := fmt.Sprintf("%s  %s", c.CreatedAt, c.Author)
		if c.NewStatus.IsKnown() {
			header += fmt.Sprintf("  %s → %s", c.OldStatus, ui.RenderStatus(c.NewStatus))
		}
		if c.IsLocalOnly {
			header += " " + ui.RenderWarn("(not sent)")
		}
		fmt.Printf("  %s\n", ui.RenderMuted(header))
		if c.Text != "" {
			fmt.Printf("  %s\n", c.Text)
		}
	}
	fmt.Println()
}

var refreshCmd = &cobra.Command{
	Use:     "refresh",
	GroupID: "sync",
	Short:   "Pull the task list from the server",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := commandContext()
		defer cancel()
		a := mustOpenApp(ctx)
		defer a.Close()

		if !a.monitor.Online() {
			fmt.Printf("%s Server unreachable, the cached list is unchanged\n", ui.RenderWarn("⚠"))
		}
		tasks, err := a.engine.Refresh(ctx)
		if err != nil {
			a.fail(err)
		}
		fmt.Printf("%s %d tasks cached\n", ui.RenderPass("✓"), len(tasks))
	},
}

var setStatusCmd = &cobra.Command{
	Use:     "set-status ID STATUS",
	GroupID: "tasks",
	Short:   "Change the status of a task",
	Long: `Change the status of a task. STATUS is one of NEW, IN_PROGRESS, DONE or
CANCELLED. Allowed changes are NEW → IN_PROGRESS, NEW → CANCELLED,
IN_PROGRESS → DONE and IN_PROGRESS → CANCELLED.

Offline, the change is saved locally and sent when the server is reachable.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		id := mustTaskID(args[0])
		to, err := status.ParseStrict(strings.ReplaceAll(args[1], "-", "_"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		comment, _ := cmd.Flags().GetString("message")

		ctx, cancel := commandContext()
		defer cancel()
		a := mustOpenApp(ctx)
		defer a.Close()

		task, err := a.engine.UpdateStatus(ctx, id, to, comment)
		if err != nil {
			a.fail(err)
		}
		if task.IsLocallyModified {
			fmt.Printf("%s #%d set to %s, queued until the server is reachable\n", ui.RenderWarn("⏳"), id, ui.RenderStatus(to))
			return
		}
		fmt.Printf("%s #%d is now %s\n", ui.RenderPass("✓"), id, ui.RenderStatus(task.Status))
	},
}

var commentCmd = &cobra.Command{
	Use:     "comment ID TEXT...",
	GroupID: "tasks",
	Short:   "Add a comment to a task",
	Args:    cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		id := mustTaskID(args[0])
		text := strings.Join(args[1:], " ")

		ctx, cancel := commandContext()
		defer cancel()
		a := mustOpenApp(ctx)
		defer a.Close()

		c, err := a.engine.AddComment(ctx, id, text)
		if err != nil {
			a.fail(err)
		}
		if c.IsLocalOnly {
			fmt.Printf("%s Comment saved, queued until the server is reachable\n", ui.RenderWarn("⏳"))
			return
		}
		fmt.Printf("%s Comment added to #%d\n", ui.RenderPass("✓"), id)
	},
}

func init() {
	listCmd.Flags().Bool("refresh", false, "Pull from the server before listing")
	listCmd.Flags().String("status", "", "Only tasks with this status")
	listCmd.Flags().Bool("modified", false, "Only tasks with unsynced changes")
	setStatusCmd.Flags().StringP("message", "m", "", "Comment to attach to the change")

	rootCmd.AddCommand(listCmd, showCmd, refreshCmd, setStatusCmd, commentCmd)
}
