package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
)

// ErrStreamClosed is returned when the daemon stops sending updates before
// the task finished.
var ErrStreamClosed = errors.New("update stream closed before the task finished")

// TaskMsg carries a fresh record from the daemon.
type TaskMsg types.TaskRecord

// streamClosedMsg is sent when the update channel is closed.
type streamClosedMsg struct{}

// tickMsg refreshes the elapsed time between updates.
type tickMsg time.Time

// WatchModel shows one task until it reaches a terminal state.
type WatchModel struct {
	id      string
	record  types.TaskRecord
	seen    bool
	updates <-chan types.TaskRecord
	spinner spinner.Model
	bar     progress.Model
	now     func() time.Time
	width   int
	done    bool
	err     error
}

// NewWatchModel creates a model that reads updates for id from updates.
func NewWatchModel(id string, updates <-chan types.TaskRecord) WatchModel {
	s := spinner.New()
	s.Spinner = spinner.Points
	s.Style = lipgloss.NewStyle().Foreground(primaryColor)

	return WatchModel{
		id:      id,
		updates: updates,
		spinner: s,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
		now:     time.Now,
		width:   80,
	}
}

// waitForUpdate reads the next record from ch.
func waitForUpdate(ch <-chan types.TaskRecord) tea.Cmd {
	return func() tea.Msg {
		rec, ok := <-ch
		if !ok {
			return streamClosedMsg{}
		}
		return TaskMsg(rec)
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init starts the spinner, the clock and the update reader.
func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick(), waitForUpdate(m.updates))
}

// Update handles messages for the watch model.
func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
		return m, nil

	case TaskMsg:
		m.record = types.TaskRecord(msg)
		m.seen = true
		if m.record.Status.IsTerminal() {
			m.done = true
			return m, tea.Quit
		}
		return m, waitForUpdate(m.updates)

	case streamClosedMsg:
		m.done = true
		m.err = ErrStreamClosed
		return m, tea.Quit

	case tickMsg:
		if m.done {
			return m, nil
		}
		return m, tick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the watch model.
func (m WatchModel) View() string {
	contentWidth := m.width - 4
	if contentWidth < 40 {
		contentWidth = 40
	}

	var b strings.Builder
	b.WriteString(m.renderHeader(contentWidth))
	b.WriteString("\n")
	b.WriteString(renderDivider(contentWidth))
	b.WriteString("\n")
	b.WriteString(m.renderState(contentWidth))
	b.WriteString("\n\n")

	bar := m.bar
	bar.Width = contentWidth - 8
	fmt.Fprintf(&b, "%s %3.0f%%\n\n", bar.ViewAs(m.record.Progress/100), m.record.Progress)
	b.WriteString(m.renderStats(contentWidth))

	return outerBoxStyle.Width(m.width - 2).Render(b.String())
}

func (m WatchModel) renderHeader(width int) string {
	title := titleStyle.Render("reelfarm " + shortID(m.id))
	hint := mutedTextStyle.Render("[q to detach]")
	spacing := width - lipgloss.Width(title) - lipgloss.Width(hint)
	if spacing < 1 {
		spacing = 1
	}
	return title + repeatChar(' ', spacing) + hint
}

func (m WatchModel) renderState(width int) string {
	switch {
	case m.err != nil:
		return errorTextStyle.Render("Error: " + m.err.Error())
	case !m.seen:
		return m.spinner.View() + " waiting for the daemon"
	}

	r := m.record
	line := statusStyle(r.Status).Render(string(r.Status))
	switch r.Status {
	case types.StatusPending:
		line = m.spinner.View() + " " + line + mutedTextStyle.Render(" queued "+humanize.RelTime(r.CreatedAt, m.now(), "ago", "from now"))
	case types.StatusRunning:
		line = m.spinner.View() + " " + line + mutedTextStyle.Render(" on "+string(r.Class))
	case types.StatusCompleted:
		if r.Result != nil && r.Result.RemoteURL != "" {
			line += " " + truncate(r.Result.RemoteURL, width-12)
		} else if r.Result != nil && r.Result.OutputPath != "" {
			line += " " + truncate(r.Result.OutputPath, width-12)
		}
	case types.StatusFailed:
		if r.Error != nil {
			line += " " + errorTextStyle.Render(truncate(r.Error.Error(), width-10))
		}
	}
	return line
}

func (m WatchModel) renderStats(totalWidth int) string {
	boxWidth := (totalWidth - 8) / 4
	if boxWidth < 10 {
		boxWidth = 10
	}

	r := m.record
	lane := string(r.Class)
	if lane == "" {
		lane = "-"
	}
	elapsed := "-"
	if d := r.Elapsed(m.now()); d > 0 {
		elapsed = formatElapsed(d)
	}

	return lipgloss.JoinHorizontal(lipgloss.Top,
		renderStatBox("Type", string(r.Type), boxWidth), " ",
		renderStatBox("Priority", r.Priority.String(), boxWidth), " ",
		renderStatBox("Lane", fmt.Sprintf("%s #%d", lane, r.Attempts), boxWidth), " ",
		renderStatBox("Time", elapsed, boxWidth))
}

// renderStatBox renders a single stat box.
func renderStatBox(label, value string, width int) string {
	content := lipgloss.JoinVertical(lipgloss.Center,
		center(statsLabelStyle.Render(label), width-4),
		center(statsValueStyle.Render(value), width-4))
	return statsBoxStyle.Width(width).Render(content)
}

// formatElapsed formats a duration as M:SS.
func formatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	m := d / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%d:%02d", m, s)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Record returns the latest record seen.
func (m WatchModel) Record() types.TaskRecord {
	return m.record
}

// Err returns why watching stopped early, if it did.
func (m WatchModel) Err() error {
	return m.err
}

// Done reports whether the task finished or the stream ended.
func (m WatchModel) Done() bool {
	return m.done
}

// Watch runs the view until the task finishes, the user detaches or ctx
// ends. It returns the last record seen.
func Watch(ctx context.Context, id string, updates <-chan types.TaskRecord) (types.TaskRecord, error) {
	p := tea.NewProgram(NewWatchModel(id, updates), tea.WithContext(ctx))
	final, err := p.Run()
	if err != nil {
		return types.TaskRecord{}, err
	}
	m := final.(WatchModel)
	return m.Record(), m.Err()
}
