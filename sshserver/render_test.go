package sshserver

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/canopyide/termflow/schema"
)

func pickerSessions(n int) []schema.SessionSnapshot {
	now := time.Now()
	sessions := make([]schema.SessionSnapshot, 0, n)
	for i := 0; i < n; i++ {
		sessions = append(sessions, schema.SessionSnapshot{
			ID:        schema.SessionID("sess-" + strconv.Itoa(i)),
			Name:      "name-" + strconv.Itoa(i),
			Status:    schema.SessionStatusRunning,
			Tier:      schema.TierVisible,
			Geometry:  schema.Geometry{Cols: 80, Rows: 24},
			CreatedAt: now.Add(-time.Minute),
		})
	}
	return sessions
}

func TestRenderPickerLinesMarksCursorRow(t *testing.T) {
	sessions := pickerSessions(2)
	lines := renderPickerLines(sessions, 1, 100, 24, "", true, time.Now())
	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, "> name-1") {
		t.Fatalf("expected cursor marker on name-1, got:\n%s", joined)
	}
	if strings.Contains(joined, "> name-0") {
		t.Fatalf("expected no cursor marker on name-0, got:\n%s", joined)
	}
	if !strings.Contains(joined, "80x24") {
		t.Fatalf("expected geometry column, got:\n%s", joined)
	}
}

func TestRenderPickerLinesShowsUnseen(t *testing.T) {
	sessions := pickerSessions(1)
	sessions[0].Unseen = 7
	lines := renderPickerLines(sessions, 0, 100, 24, "", false, time.Now())
	if !strings.Contains(strings.Join(lines, "\n"), " 7 ") {
		t.Fatalf("expected unseen count, got:\n%s", strings.Join(lines, "\n"))
	}
}

func TestRenderPickerLinesEmptyList(t *testing.T) {
	lines := renderPickerLines(nil, 0, 80, 24, "", true, time.Now())
	if !strings.Contains(strings.Join(lines, "\n"), "no sessions") {
		t.Fatalf("expected empty-list hint, got:\n%s", strings.Join(lines, "\n"))
	}
}

func TestRenderPickerLinesNotice(t *testing.T) {
	lines := renderPickerLines(nil, 0, 80, 24, "session closed", false, time.Now())
	if !strings.Contains(strings.Join(lines, "\n"), "session closed") {
		t.Fatalf("expected notice line, got:\n%s", strings.Join(lines, "\n"))
	}
}

func TestRenderPickerLinesWindowFollowsCursor(t *testing.T) {
	sessions := pickerSessions(30)
	lines := renderPickerLines(sessions, 25, 100, 10, "", false, time.Now())
	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, "name-25") {
		t.Fatalf("expected cursor row visible, got:\n%s", joined)
	}
	if strings.Contains(joined, "name-0 ") {
		t.Fatalf("expected top of list scrolled away, got:\n%s", joined)
	}
	if len(lines) > 10 {
		t.Fatalf("expected at most 10 lines, got %d", len(lines))
	}
}

func TestRenderPickerLinesFooterFollowsPref(t *testing.T) {
	sessions := pickerSessions(1)
	with := renderPickerLines(sessions, 0, 100, 24, "", true, time.Now())
	if !strings.Contains(with[len(with)-1], "detach") {
		t.Fatalf("expected footer hint, got %q", with[len(with)-1])
	}
	if len(with) != 24 {
		t.Fatalf("expected footer pinned to last row, got %d lines", len(with))
	}
	without := renderPickerLines(sessions, 0, 100, 24, "", false, time.Now())
	if strings.Contains(strings.Join(without, "\n"), "detach") {
		t.Fatalf("expected no footer when status line is off")
	}
}

func TestTruncateKeepsShortStrings(t *testing.T) {
	if got := truncate("abc", 10); got != "abc" {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("abcdef", 3); got != "abc" {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("héllo", 2); got != "hé" {
		t.Fatalf("truncate = %q", got)
	}
}
