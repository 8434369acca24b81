package output

import (
	"bytes"
	"fmt"
	"text/tabwriter"
)

// PlainFormatter formats tasks as a tab-aligned table with no styling,
// suitable for scripting and piping. Only the task section is written.
type PlainFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *PlainFormatter) Format(w *bytes.Buffer, r *Report) error {
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	if _, err := fmt.Fprintln(tw, "ID\tTYPE\tPRIORITY\tSTATUS\tLANE\tPROGRESS\tELAPSED"); err != nil {
		return err
	}

	now := r.now()
	for _, t := range r.Tasks {
		lane := string(t.Class)
		if lane == "" {
			lane = "-"
		}
		elapsed := "-"
		if d := t.Elapsed(now); d > 0 {
			elapsed = formatDuration(d)
		}
		_, err := fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%.0f%%\t%s\n",
			t.ID, t.Type, t.Priority, t.Status, lane, t.Progress, elapsed)
		if err != nil {
			return err
		}
	}
	return tw.Flush()
}

func init() {
	Register("plain", func() Formatter {
		return &PlainFormatter{}
	})
}

// Ensure PlainFormatter implements Formatter.
var _ Formatter = (*PlainFormatter)(nil)
