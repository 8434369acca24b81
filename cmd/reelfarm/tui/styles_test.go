package tui

import (
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
)

func TestRepeatChar(t *testing.T) {
	if got := repeatChar('─', 3); got != "───" {
		t.Errorf("repeatChar() = %q", got)
	}
	if got := repeatChar('x', 0); got != "" {
		t.Errorf("repeatChar(0) = %q, want empty", got)
	}
	if got := repeatChar('x', -2); got != "" {
		t.Errorf("repeatChar(-2) = %q, want empty", got)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in     string
		maxLen int
		want   string
	}{
		{"short", 10, "short"},
		{"/very/long/path/to/reel.mp4", 12, ".../reel.mp4"},
		{"abcdef", 3, "abc"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.maxLen); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.maxLen, got, tt.want)
		}
	}
}

func TestCenter(t *testing.T) {
	if got := center("ab", 6); got != "  ab  " {
		t.Errorf("center() = %q", got)
	}
	if got := center("toolong", 3); got != "toolong" {
		t.Errorf("center() should not clip, got %q", got)
	}
	if w := lipgloss.Width(center(titleStyle.Render("x"), 5)); w != 5 {
		t.Errorf("styled center width = %d, want 5", w)
	}
}

func TestStatusStyleDistinct(t *testing.T) {
	if statusStyle(types.StatusFailed).GetForeground() != dangerColor {
		t.Error("failed should use the danger color")
	}
	if statusStyle(types.StatusCompleted).GetForeground() != successColor {
		t.Error("completed should use the success color")
	}
	if statusStyle(types.StatusCancelled).GetForeground() != mutedColor {
		t.Error("cancelled should be muted")
	}
}
