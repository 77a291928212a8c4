package sshserver

import (
	"io"
	"strings"
)

type screen struct {
	out io.Writer
}

func newScreen(out io.Writer) *screen {
	return &screen{out: out}
}

func (s *screen) EnterAltScreen() {
	_, _ = io.WriteString(s.out, "\x1b[?1049h\x1b[H\x1b[2J")
}

func (s *screen) ExitAltScreen() {
	_, _ = io.WriteString(s.out, "\x1b[?1049l\x1b[?25h")
}

// Clear wipes the alt screen and restores the cursor before raw session
// output takes over.
func (s *screen) Clear() {
	_, _ = io.WriteString(s.out, "\x1b[H\x1b[2J\x1b[?25h")
}

// Render repaints the picker with the cursor parked out of sight.
func (s *screen) Render(lines []string) error {
	var b strings.Builder
	b.WriteString("\x1b[?25l")
	b.WriteString("\x1b[H\x1b[2J")
	for i, line := range lines {
		if i > 0 {
			b.WriteString("\r\n")
		}
		b.WriteString(line)
	}
	_, err := io.WriteString(s.out, b.String())
	return err
}
