package main

import (
	"bufio"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// newMockshellCmd builds the scripted workload generator. Sessions
// launched with it drive the pipeline through every output shape the
// coalescer classifies: plain scrolling, full-screen frames, in-place
// repaints, screen clears, keystroke echo and raw bursts.
func newMockshellCmd() *cobra.Command {
	var cfg mockshellConfig
	cmd := &cobra.Command{
		Use:           "mockshell",
		Short:         "Emit scripted terminal output for pipeline testing",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.cols <= 0 || cfg.rows <= 0 {
				cfg.cols, cfg.rows = 80, 24
				if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 && h > 0 {
					cfg.cols, cfg.rows = w, h
				}
			}
			if !cmd.Flags().Changed("seed") {
				cfg.seed = mockshellSeed(cfg.scenario, cfg.lines, cfg.cols)
			}
			return runMockshell(cfg, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&cfg.scenario, "scenario", "", "workload to run (scroll, frames, repaint, clear, interactive, burst, mixed)")
	cmd.Flags().IntVar(&cfg.lines, "lines", 120, "number of lines, frames or chunks to emit")
	cmd.Flags().IntVar(&cfg.fps, "fps", 24, "emission rate; 0 emits as fast as possible")
	cmd.Flags().DurationVar(&cfg.duration, "duration", 0, "stop after this long regardless of remaining work")
	cmd.Flags().Uint64Var(&cfg.seed, "seed", 0, "seed for scenario choice and content")
	cmd.Flags().IntVar(&cfg.cols, "cols", 0, "frame width (defaults to the terminal)")
	cmd.Flags().IntVar(&cfg.rows, "rows", 0, "frame height (defaults to the terminal)")
	return cmd
}

type mockshellConfig struct {
	scenario string
	lines    int
	fps      int
	duration time.Duration
	seed     uint64
	cols     int
	rows     int
}

type mockshellScenario struct {
	name string
	run  func(m *mockshellRun) error
}

func mockshellScenarios() []mockshellScenario {
	return []mockshellScenario{
		{name: "scroll", run: scenarioScroll},
		{name: "frames", run: scenarioFrames},
		{name: "repaint", run: scenarioRepaint},
		{name: "clear", run: scenarioClear},
		{name: "interactive", run: scenarioInteractive},
		{name: "burst", run: scenarioBurst},
		{name: "mixed", run: scenarioMixed},
	}
}

func pickMockshellScenario(cfg mockshellConfig) (mockshellScenario, error) {
	scenarios := mockshellScenarios()
	if cfg.scenario != "" {
		for _, s := range scenarios {
			if s.name == cfg.scenario {
				return s, nil
			}
		}
		return mockshellScenario{}, fmt.Errorf("unknown scenario: %s", cfg.scenario)
	}
	idx := int(cfg.seed % uint64(len(scenarios)))
	return scenarios[idx], nil
}

func mockshellSeed(scenario string, lines, cols int) uint64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(scenario))
	_, _ = fmt.Fprintf(hasher, "%d:%d", lines, cols)
	return hasher.Sum64()
}

func runMockshell(cfg mockshellConfig, stdout io.Writer) error {
	if cfg.lines <= 0 {
		cfg.lines = 1
	}
	writer := bufio.NewWriter(stdout)
	defer func() { _ = writer.Flush() }()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	m := &mockshellRun{w: writer, cfg: cfg, sig: sigCh}
	if cfg.duration > 0 {
		m.deadline = time.Now().Add(cfg.duration)
	}

	scenario, err := pickMockshellScenario(cfg)
	if err != nil {
		return err
	}
	return scenario.run(m)
}

type mockshellRun struct {
	w        *bufio.Writer
	cfg      mockshellConfig
	deadline time.Time
	sig      chan os.Signal
	stopped  bool
}

// tick is the pacing interval derived from fps.
func (m *mockshellRun) tick() time.Duration {
	if m.cfg.fps <= 0 {
		return 0
	}
	return time.Second / time.Duration(m.cfg.fps)
}

// step flushes pending output and waits one pacing interval. It reports
// false when the workload should stop and latches that decision for
// compound scenarios.
func (m *mockshellRun) step(delay time.Duration) bool {
	if err := m.w.Flush(); err != nil {
		m.stopped = true
		return false
	}
	if !m.deadline.IsZero() && time.Now().After(m.deadline) {
		m.stopped = true
		return false
	}
	if delay <= 0 {
		select {
		case <-m.sig:
			m.stopped = true
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-m.sig:
		m.stopped = true
		return false
	case <-timer.C:
		return true
	}
}

var scrollTemplates = []string{
	"compile module %03d ok",
	"link object %03d done",
	"test case %03d pass",
	"fetch layer %03d complete",
	"index shard %03d flushed",
}

// scenarioScroll emits plain scrolling log lines, the append-only shape
// that batches on the normal flush path.
func scenarioScroll(m *mockshellRun) error {
	for i := 0; i < m.cfg.lines; i++ {
		tpl := scrollTemplates[(m.cfg.seed+uint64(i))%uint64(len(scrollTemplates))]
		if _, err := fmt.Fprintf(m.w, tpl+"\r\n", i); err != nil {
			return err
		}
		if !m.step(m.tick()) {
			return nil
		}
	}
	return nil
}

// scenarioFrames runs a full-screen app on the alternate screen, one
// cursor-home repaint per frame.
func scenarioFrames(m *mockshellRun) error {
	if _, err := fmt.Fprint(m.w, "\x1b[?1049h"); err != nil {
		return err
	}
	// Leave the alternate screen even on a signal so the terminal is
	// not hosed after the session ends.
	defer func() {
		_, _ = fmt.Fprint(m.w, "\x1b[?1049l")
		_ = m.w.Flush()
	}()
	for n := 0; n < m.cfg.lines; n++ {
		if err := drawMockshellFrame(m.w, m.cfg, n); err != nil {
			return err
		}
		if !m.step(m.tick()) {
			return nil
		}
	}
	return nil
}

// drawMockshellFrame paints one frame: home, a bouncing marker row by
// row, and a status line.
func drawMockshellFrame(w *bufio.Writer, cfg mockshellConfig, n int) error {
	cols, rows := frameGeometry(cfg)
	if _, err := fmt.Fprint(w, "\x1b[H"); err != nil {
		return err
	}
	line := make([]byte, cols)
	for row := 0; row < rows-1; row++ {
		for i := range line {
			line[i] = '.'
		}
		pos := (n + row*3 + int(cfg.seed%7)) % cols
		line[pos] = 'o'
		if _, err := fmt.Fprintf(w, "%s\x1b[K\r\n", line); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "frame %d  q quits\x1b[K", n)
	return err
}

func frameGeometry(cfg mockshellConfig) (cols, rows int) {
	cols, rows = cfg.cols, cfg.rows
	if cols < 20 {
		cols = 20
	}
	if cols > 500 {
		cols = 500
	}
	if rows < 4 {
		rows = 4
	}
	if rows > 200 {
		rows = 200
	}
	return cols, rows
}

// scenarioRepaint rewrites a progress line in place with erase-and-up,
// the marker pair spinners and progress bars produce.
func scenarioRepaint(m *mockshellRun) error {
	if _, err := fmt.Fprint(m.w, "working 0%\r\n"); err != nil {
		return err
	}
	for i := 1; i <= m.cfg.lines; i++ {
		pct := i * 100 / m.cfg.lines
		if _, err := fmt.Fprintf(m.w, "\x1b[1A\x1b[2Kworking %d%%\r\n", pct); err != nil {
			return err
		}
		if !m.step(m.tick()) {
			return nil
		}
	}
	_, err := fmt.Fprint(m.w, "done\r\n")
	return err
}

// scenarioClear redraws the whole primary screen with clear-plus-home,
// the classic repaint of curses-era tools.
func scenarioClear(m *mockshellRun) error {
	for i := 0; i < m.cfg.lines; i++ {
		if _, err := fmt.Fprint(m.w, "\x1b[2J\x1b[H"); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(m.w, "status board  refresh %d\r\n\r\n", i); err != nil {
			return err
		}
		for row := 0; row < 6; row++ {
			tpl := scrollTemplates[(m.cfg.seed+uint64(i+row))%uint64(len(scrollTemplates))]
			if _, err := fmt.Fprintf(m.w, "  "+tpl+"\r\n", i+row); err != nil {
				return err
			}
		}
		if !m.step(4 * m.tick()) {
			return nil
		}
	}
	return nil
}

var mockshellSession = []struct {
	command string
	output  string
}{
	{"ls", "README.md  go.mod  main.go"},
	{"git status --short", "M  main.go"},
	{"make test", "ok ./... 0.42s"},
	{"uptime", "up 3 days, load 0.12 0.08 0.03"},
}

// scenarioInteractive fakes a prompt with keystroke echo, the trickle
// that must ride the interactive fast lane without batching delay.
func scenarioInteractive(m *mockshellRun) error {
	echoDelay := m.tick() / 4
	rounds := m.cfg.lines/8 + 1
	for round := 0; round < rounds; round++ {
		entry := mockshellSession[(m.cfg.seed+uint64(round))%uint64(len(mockshellSession))]
		if _, err := fmt.Fprint(m.w, "mock$ "); err != nil {
			return err
		}
		if !m.step(m.tick()) {
			return nil
		}
		for _, ch := range entry.command {
			if _, err := fmt.Fprintf(m.w, "%c", ch); err != nil {
				return err
			}
			if !m.step(echoDelay) {
				return nil
			}
		}
		if _, err := fmt.Fprintf(m.w, "\r\n%s\r\n", entry.output); err != nil {
			return err
		}
		if !m.step(2 * m.tick()) {
			return nil
		}
	}
	return nil
}

// scenarioBurst floods unpaced chunks to push the byte caps and the
// read budget.
func scenarioBurst(m *mockshellRun) error {
	chunk := make([]byte, 0, 16*1024)
	for len(chunk) < 16*1024 {
		tpl := scrollTemplates[m.cfg.seed%uint64(len(scrollTemplates))]
		chunk = append(chunk, fmt.Sprintf(tpl+"\r\n", len(chunk))...)
	}
	for i := 0; i < m.cfg.lines; i++ {
		if _, err := m.w.Write(chunk); err != nil {
			return err
		}
		if !m.step(0) {
			return nil
		}
	}
	return nil
}

// scenarioMixed strings the shapes together the way a real work session
// does: logs, a clear, then a full-screen stint.
func scenarioMixed(m *mockshellRun) error {
	segment := m.cfg.lines / 3
	if segment < 1 {
		segment = 1
	}
	restore := m.cfg.lines
	defer func() { m.cfg.lines = restore }()

	m.cfg.lines = segment
	if err := scenarioScroll(m); err != nil || m.stopped {
		return err
	}
	m.cfg.lines = segment/4 + 1
	if err := scenarioClear(m); err != nil || m.stopped {
		return err
	}
	m.cfg.lines = segment
	return scenarioFrames(m)
}
