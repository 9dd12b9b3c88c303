package ui

import (
	"strings"
	"testing"

	"github.com/fieldworks/fieldsync/internal/model"
	"github.com/fieldworks/fieldsync/internal/status"
)

func TestRenderTaskStatus(t *testing.T) {
	staged := model.Task{ID: 1, Status: status.New, PendingStatus: status.InProgress, IsLocallyModified: true}
	got := RenderTaskStatus(staged)
	if !strings.Contains(got, "IN_PROGRESS") || !strings.Contains(got, "*") {
		t.Errorf("RenderTaskStatus(staged) = %q", got)
	}

	synced := model.Task{ID: 2, Status: status.Done}
	got = RenderTaskStatus(synced)
	if !strings.Contains(got, "DONE") || strings.Contains(got, "*") {
		t.Errorf("RenderTaskStatus(synced) = %q", got)
	}
}

func TestTable(t *testing.T) {
	out := Table([]string{"ID", "TITLE"}, [][]string{{"5", "Fix boiler"}, {"6", "Replace meter"}})
	for _, want := range []string{"ID", "TITLE", "Fix boiler", "Replace meter"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"multi\nline  text", 20, "multi line text"},
		{"Заменить счётчик", 8, "Заменит…"},
		{"abc", 1, "…"},
		{"abc", 0, "abc"},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
