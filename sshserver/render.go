package sshserver

import (
	"fmt"
	"strconv"
	"time"

	"github.com/canopyide/termflow/internal/format"
	"github.com/canopyide/termflow/schema"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBold    = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiReverse = "\x1b[7m"
)

const pickerHint = "enter attach   n new   s status line   r refresh   q quit   ctrl-] detach"

// renderPickerLines lays out the session list for one repaint. The list
// window follows the cursor when the terminal is shorter than the list.
func renderPickerLines(sessions []schema.SessionSnapshot, cursor, width, height int, notice string, statusLine bool, now time.Time) []string {
	if width <= 0 {
		width = 80
	}
	if height <= 0 {
		height = 24
	}

	lines := make([]string, 0, height)
	title := "termflow sessions (" + strconv.Itoa(len(sessions)) + ")"
	lines = append(lines, ansiBold+truncate(" "+title, width)+ansiReset)
	if notice != "" {
		lines = append(lines, ansiDim+truncate(" "+notice, width)+ansiReset)
	}
	lines = append(lines, "")
	lines = append(lines, ansiDim+truncate(fmt.Sprintf("   %-20s %-8s %-11s %-9s %6s  %s", "NAME", "STATUS", "TIER", "SIZE", "UNSEEN", "AGE"), width)+ansiReset)

	footer := 0
	if statusLine {
		footer = 2
	}
	visible := height - len(lines) - footer
	if visible < 1 {
		visible = 1
	}

	if len(sessions) == 0 {
		lines = append(lines, ansiDim+truncate("   no sessions, press n to start one", width)+ansiReset)
	}
	start := 0
	if cursor >= visible {
		start = cursor - visible + 1
	}
	if start > len(sessions)-visible {
		start = len(sessions) - visible
	}
	if start < 0 {
		start = 0
	}
	for i := start; i < len(sessions) && i-start < visible; i++ {
		lines = append(lines, sessionRow(sessions[i], i == cursor, width, now))
	}

	if statusLine {
		for len(lines) < height-1 {
			lines = append(lines, "")
		}
		lines = append(lines, ansiDim+truncate(" "+pickerHint, width)+ansiReset)
	}
	if len(lines) > height {
		lines = lines[:height]
	}
	return lines
}

func sessionRow(s schema.SessionSnapshot, selected bool, width int, now time.Time) string {
	name := s.Name
	if name == "" {
		name = string(s.ID)
	}
	size := strconv.Itoa(s.Geometry.Cols) + "x" + strconv.Itoa(s.Geometry.Rows)
	unseen := "-"
	if s.Unseen > 0 {
		unseen = strconv.Itoa(s.Unseen)
	}
	age := format.Duration(now.Sub(s.CreatedAt))
	marker := "  "
	if selected {
		marker = "> "
	}
	row := fmt.Sprintf(" %s%-20s %-8s %-11s %-9s %6s  %s", marker, truncate(name, 20), s.Status, s.Tier.String(), size, unseen, age)
	row = truncate(row, width)
	if selected {
		return ansiReverse + row + ansiReset
	}
	return row
}

// attachBanner is the one-line notice written before raw output takes over.
func attachBanner(name string, width int) string {
	return ansiDim + truncate("attached to "+name+", ctrl-] detaches", width) + ansiReset + "\r\n"
}

func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
