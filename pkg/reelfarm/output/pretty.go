package output

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
)

// PrettyFormatter formats output with colors and styling using lipgloss.
type PrettyFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *PrettyFormatter) Format(w *bytes.Buffer, r *Report) error {
	if r.Scheduler != nil || r.Resources != nil {
		w.WriteString(f.formatHeader(r))
		w.WriteString("\n")
	}

	if r.Tasks != nil {
		w.WriteString(f.formatTasks(r))
	}

	if r.Cache != nil {
		w.WriteString(f.formatCache(r))
		w.WriteString("\n")
	}

	if len(r.Recommendations) > 0 {
		w.WriteString(f.formatRecommendations(r))
	}

	if len(r.Warnings) > 0 {
		w.WriteString("\n")
		w.WriteString(f.formatWarnings(r.Warnings))
	}
	return nil
}

// formatHeader builds the header box with scheduler and resource state.
func (f *PrettyFormatter) formatHeader(r *Report) string {
	var lines []string

	if s := r.Scheduler; s != nil {
		parts := []string{
			field("Queued:", NumberStyle.Render(fmt.Sprintf("%d", s.Queued))),
			field("GPU:", ValueStyle.Render(fmt.Sprintf("%d/%d", s.RunningGPU, s.Limits.MaxGPUTasks))),
			field("CPU:", ValueStyle.Render(fmt.Sprintf("%d/%d", s.RunningCPU, s.Limits.MaxCPUTasks))),
			field("Quality:", ValueStyle.Render(string(s.Limits.Quality))),
			f.formatDaemonStatus(r.DaemonUp),
		}
		lines = append(lines, strings.Join(parts, "  "))

		done := []string{
			field("Completed:", SuccessStyle.Render(fmt.Sprintf("%d", s.Completed))),
			field("Failed:", ErrorStyle.Render(fmt.Sprintf("%d", s.Failed))),
			field("Cancelled:", MutedStyle.Render(fmt.Sprintf("%d", s.Cancelled))),
		}
		lines = append(lines, strings.Join(done, "  "))
	}

	if s := r.Resources; s != nil {
		parts := []string{
			field("CPU:", ValueStyle.Render(fmt.Sprintf("%.0f%%", s.CPUPercent))),
			field("Mem:", ValueStyle.Render(fmt.Sprintf("%.0f%%", s.MemPercent))),
		}
		if s.GPUPresent() {
			parts = append(parts,
				field("GPU:", ValueStyle.Render(fmt.Sprintf("%.0f%%", s.GPUUtilPercent))),
				field("VRAM:", ValueStyle.Render(fmt.Sprintf("%s/%s",
					types.FormatSize(s.GPUMemUsed), types.FormatSize(s.GPUMemTotal)))),
				field("Temp:", ValueStyle.Render(fmt.Sprintf("%.0fC", s.GPUTempC))),
			)
		} else {
			parts = append(parts, MutedStyle.Render("no gpu"))
		}
		lines = append(lines, strings.Join(parts, "  "))
	}

	return HeaderBox.Render(strings.Join(lines, "\n"))
}

func (f *PrettyFormatter) formatDaemonStatus(up bool) string {
	if !up {
		return MutedStyle.Render("daemon: off")
	}
	return SuccessStyle.Render("daemon: up")
}

// formatTasks builds the task table.
func (f *PrettyFormatter) formatTasks(r *Report) string {
	if len(r.Tasks) == 0 {
		return MutedStyle.Render("  No tasks") + "\n"
	}

	headers := []string{"ID", "TYPE", "PRIORITY", "STATUS", "LANE", "PROGRESS", "ELAPSED"}
	now := r.now()
	rows := make([][]string, len(r.Tasks))
	for i, t := range r.Tasks {
		lane := string(t.Class)
		if lane == "" {
			lane = "-"
		}
		elapsed := "-"
		if d := t.Elapsed(now); d > 0 {
			elapsed = formatDuration(d)
		}
		rows[i] = []string{
			shortID(t.ID), string(t.Type), t.Priority.String(), string(t.Status),
			lane, fmt.Sprintf("%.0f%%", t.Progress), elapsed,
		}
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], len(cell))
		}
	}

	var sb strings.Builder
	sb.WriteString(" ")
	for i, h := range headers {
		sb.WriteString(" " + TableHeaderStyle.Render(padRight(h, widths[i])))
	}
	sb.WriteString("\n")

	for i, row := range rows {
		t := r.Tasks[i]
		sb.WriteString(" ")
		for col, cell := range row {
			cell = padRight(cell, widths[col])
			switch col {
			case 3:
				cell = StatusStyle(t.Status).Render(cell)
			case 0, 4, 6:
				cell = MutedStyle.Render(cell)
			default:
				cell = ValueStyle.Render(cell)
			}
			sb.WriteString(" " + cell)
		}
		sb.WriteString("\n")
		if t.Error != nil && t.Status == types.StatusFailed {
			sb.WriteString("    " + ErrorStyle.Render(t.Error.Error()) + "\n")
		}
		if t.Result != nil && t.Result.RemoteURL != "" {
			sb.WriteString("    " + MutedStyle.Render("-> "+t.Result.RemoteURL) + "\n")
		}
	}
	return sb.String()
}

// formatCache builds the cache summary box.
func (f *PrettyFormatter) formatCache(r *Report) string {
	c := r.Cache
	usage := types.FormatSize(c.Bytes)
	if c.MaxBytes > 0 {
		usage += " / " + types.FormatSize(c.MaxBytes)
	}
	entries := fmt.Sprintf("%d", c.Entries)
	if c.MaxEntries > 0 {
		entries += fmt.Sprintf(" / %d", c.MaxEntries)
	}
	ratio := "-"
	if total := c.Hits + c.Misses; total > 0 {
		ratio = fmt.Sprintf("%.0f%%", float64(c.Hits)/float64(total)*100)
	}

	parts := []string{
		TitleStyle.Render("Cache"),
		field("Entries:", ValueStyle.Render(entries)),
		field("Size:", NumberStyle.Render(usage)),
		field("Hit rate:", ValueStyle.Render(ratio)),
		field("Evictions:", ValueStyle.Render(fmt.Sprintf("%d", c.Evictions))),
	}
	return FooterBox.Render(strings.Join(parts, "  "))
}

// formatRecommendations lists recent tuner decisions.
func (f *PrettyFormatter) formatRecommendations(r *Report) string {
	var sb strings.Builder
	sb.WriteString(TitleStyle.Render("Tuning:"))
	sb.WriteString("\n")
	for _, rec := range r.Recommendations {
		ts := MutedStyle.Render(rec.At.Format("15:04:05"))
		sb.WriteString(fmt.Sprintf("  %s %s %s\n", ts, ValueStyle.Render(rec.Action), MutedStyle.Render("("+rec.Reason+")")))
	}
	return sb.String()
}

// formatWarnings builds a warning block.
func (f *PrettyFormatter) formatWarnings(warnings []string) string {
	var sb strings.Builder
	sb.WriteString(WarningStyle.Bold(true).Render("Warnings:"))
	sb.WriteString("\n")
	for _, warning := range warnings {
		sb.WriteString(WarningStyle.Render("  " + warning))
		sb.WriteString("\n")
	}
	return sb.String()
}

func field(label, value string) string {
	return LabelStyle.Render(label) + " " + value
}

// shortID trims a uuid to its first group.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

// formatDuration formats a duration in a human-friendly way.
func formatDuration(d time.Duration) string {
	seconds := int(d.Round(time.Second) / time.Second)
	if d > 0 && d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	if seconds < 3600 {
		return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
	}
	return fmt.Sprintf("%dh %dm", seconds/3600, (seconds%3600)/60)
}

func init() {
	Register("pretty", func() Formatter {
		return &PrettyFormatter{}
	})
}

// Ensure PrettyFormatter implements Formatter.
var _ Formatter = (*PrettyFormatter)(nil)
