package ui

import (
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

func plain(t *testing.T) {
	t.Helper()
	prev := lipgloss.ColorProfile()
	lipgloss.SetColorProfile(termenv.Ascii)
	t.Cleanup(func() { lipgloss.SetColorProfile(prev) })
}

func TestShouldUseColor_NoColor(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	t.Setenv("CLICOLOR_FORCE", "1")
	if ShouldUseColor() {
		t.Error("NO_COLOR should disable colors")
	}
}

func TestRenderTable_Aligns(t *testing.T) {
	plain(t)
	out := RenderTable(
		[]string{"KEY", "STATE"},
		[][]string{
			{"stories:1", RenderState("confirmed")},
			{"stories:1000", RenderState("optimistic")},
		},
	)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), out)
	}
	col := strings.Index(lines[0], "STATE")
	for _, line := range lines[1:] {
		if idx := strings.LastIndex(line, " ") + 1; idx != col {
			t.Errorf("state column at %d, want %d in %q", idx, col, line)
		}
	}
}

func TestKeyValue(t *testing.T) {
	plain(t)
	out := KeyValue([][2]string{{"online", "true"}, {"queued", "2"}})
	want := "online: true\nqueued: 2\n"
	if out != want {
		t.Errorf("KeyValue() = %q, want %q", out, want)
	}
}
