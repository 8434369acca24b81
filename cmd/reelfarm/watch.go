package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jamesainslie/reelfarm/cmd/reelfarm/tui"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/output"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch [id]",
	Short: "Follow task progress",
	Long: `Follow a task until it finishes. On a terminal this opens a live view;
otherwise, or with --plain, every state change is printed as a line.

Without an ID every task event is printed until interrupted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().Bool("plain", false, "print updates as lines instead of the live view")
}

func runWatch(cmd *cobra.Command, args []string) error {
	id := ""
	if len(args) > 0 {
		id = args[0]
	}
	plain, _ := cmd.Flags().GetBool("plain")

	c, err := connectDaemon(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	updates, err := c.Watch(cmd.Context(), id)
	if err != nil {
		return fmt.Errorf("failed to watch: %w", err)
	}

	if id != "" && !plain && outputFormat() == "pretty" && isTerminal(os.Stdout) {
		rec, err := tui.Watch(cmd.Context(), id, updates)
		if err != nil {
			return err
		}
		return taskOutcome(rec)
	}

	last, err := streamUpdates(os.Stdout, updates, id != "")
	if err != nil {
		if cmd.Context().Err() != nil {
			return nil // interrupted
		}
		return err
	}
	if id == "" {
		return nil
	}
	return taskOutcome(last)
}

// streamUpdates prints each record as it arrives. With untilDone it stops at
// the first terminal record.
func streamUpdates(w io.Writer, updates <-chan types.TaskRecord, untilDone bool) (types.TaskRecord, error) {
	var last types.TaskRecord
	seen := false
	jsonOut := outputFormat() == "json"
	for rec := range updates {
		last, seen = rec, true
		if jsonOut {
			if err := json.NewEncoder(w).Encode(rec); err != nil {
				return last, err
			}
		} else {
			fmt.Fprintln(w, updateLine(rec, time.Now()))
		}
		if untilDone && rec.Status.IsTerminal() {
			return last, nil
		}
	}
	if untilDone {
		if !seen {
			return last, tui.ErrStreamClosed
		}
		return last, fmt.Errorf("task %s: %w", last.ID, tui.ErrStreamClosed)
	}
	return last, nil
}

// updateLine is the one-line form of a task event.
func updateLine(rec types.TaskRecord, now time.Time) string {
	line := fmt.Sprintf("%s %s %-9s %3.0f%%", now.Format("15:04:05"), rec.ID,
		output.StatusStyle(rec.Status).Render(string(rec.Status)), rec.Progress)
	if rec.Class != "" {
		line += " " + string(rec.Class)
	}
	if rec.Error != nil {
		line += " " + rec.Error.Error()
	}
	if rec.Result != nil && rec.Result.RemoteURL != "" {
		line += " " + rec.Result.RemoteURL
	}
	return line
}

// taskOutcome turns a finished task into the command's exit status.
func taskOutcome(rec types.TaskRecord) error {
	switch rec.Status {
	case types.StatusCompleted:
		return nil
	case types.StatusFailed:
		if rec.Error != nil {
			return fmt.Errorf("task %s failed: %s", rec.ID, rec.Error.Error())
		}
		return fmt.Errorf("task %s failed", rec.ID)
	case types.StatusCancelled:
		return fmt.Errorf("task %s was cancelled", rec.ID)
	default:
		// Detached before the task finished.
		return nil
	}
}

// isTerminal reports whether f is a character device.
func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
