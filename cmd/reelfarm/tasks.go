package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	reelfarmv1 "github.com/jamesainslie/reelfarm/pkg/api/reelfarm/v1"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/output"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tasks",
	Long: `List tasks known to the daemon in submission order.

Finished tasks leave memory after the scheduler's retention period; use
--history to include the archived ones.`,
	Args: cobra.NoArgs,
	RunE: runList,
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>...",
	Short: "Cancel tasks",
	Long: `Cancel pending or running tasks. A running job is signalled and the
task is marked cancelled once the process exits.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCancel,
}

func init() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(cancelCmd)

	listCmd.Flags().String("status", "", "only tasks with this status (pending, running, completed, failed, cancelled)")
	listCmd.Flags().IntP("limit", "n", 0, "show at most this many tasks (0 = all)")
	listCmd.Flags().Bool("history", false, "include archived tasks")
}

func runList(cmd *cobra.Command, _ []string) error {
	statusFilter, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")
	history, _ := cmd.Flags().GetBool("history")

	c, err := connectDaemon(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	tasks, err := c.ListTasks(cmd.Context(), reelfarmv1.ListRequest{
		Status:  statusFilter,
		Limit:   limit,
		History: history,
	})
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}
	if tasks == nil {
		tasks = []types.TaskRecord{}
	}
	return writeReport(os.Stdout, &output.Report{Tasks: tasks, DaemonUp: true})
}

func runGet(cmd *cobra.Command, args []string) error {
	c, err := connectDaemon(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	rec, err := c.GetTask(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get task %s: %w", args[0], err)
	}
	return writeTask(os.Stdout, rec, time.Now())
}

func runCancel(cmd *cobra.Command, args []string) error {
	c, err := connectDaemon(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	var failed int
	for _, id := range args {
		st, err := c.Cancel(cmd.Context(), id)
		if err != nil {
			printError("%s: %v", id, err)
			failed++
			continue
		}
		printInfo("%s %s", id, st)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d cancellations failed", failed, len(args))
	}
	return nil
}

// writeTask prints a single task, as a detail block or in the structured
// format selected by --output.
func writeTask(w io.Writer, rec types.TaskRecord, now time.Time) error {
	switch outputFormat() {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	case "yaml":
		// Round-trip through JSON so the field names match the API.
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return err
		}
		return yaml.NewEncoder(w).Encode(doc)
	}

	row := func(label, value string) {
		fmt.Fprintf(w, "%s %s\n", output.LabelStyle.Render(fmt.Sprintf("%-10s", label)), value)
	}
	row("ID:", rec.ID)
	row("Type:", string(rec.Type))
	row("Priority:", rec.Priority.String())
	row("Status:", output.StatusStyle(rec.Status).Render(string(rec.Status)))
	if rec.Class != "" {
		row("Lane:", string(rec.Class))
	}
	row("Attempts:", fmt.Sprintf("%d", rec.Attempts))
	row("Created:", humanize.RelTime(rec.CreatedAt, now, "ago", "from now"))
	if d := rec.Elapsed(now); d > 0 {
		row("Elapsed:", d.Round(time.Millisecond).String())
	}
	if !rec.Status.IsTerminal() {
		row("Progress:", fmt.Sprintf("%.0f%%", rec.Progress))
	}
	if res := rec.Result; res != nil {
		if res.OutputPath != "" {
			row("Output:", res.OutputPath)
		}
		if res.RemoteURL != "" {
			url := res.RemoteURL
			if res.Deduplicated {
				url += output.MutedStyle.Render(" (deduplicated)")
			}
			row("Uploaded:", url)
		}
		if tail := strings.TrimSpace(res.StdoutTail); tail != "" && getVerbose() {
			row("Stdout:", tail)
		}
	}
	if e := rec.Error; e != nil {
		row("Error:", output.ErrorStyle.Render(e.Error()))
		if e.ExitCode != 0 {
			row("Exit code:", fmt.Sprintf("%d", e.ExitCode))
		}
	}
	return nil
}
