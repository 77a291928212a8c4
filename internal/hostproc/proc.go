package hostproc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"

	"github.com/canopyide/termflow/schema"
)

// wakePreamble clears the viewer surface before a tail replay so stale
// content from before the background window cannot bleed through.
const wakePreamble = "\x1b[2J\x1b[H"

var defaultGeometry = schema.Geometry{Cols: 80, Rows: 24}

// proc is one running session. The pump goroutine is the only reader of
// the output pipe; mode, tail, and the push window are guarded by mu.
type proc struct {
	host  *Host
	id    schema.SessionID
	shard int

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	out     *os.File
	scratch []byte

	mu      sync.Mutex
	gate    *sync.Cond
	mode    schema.StreamMode
	geom    schema.Geometry
	tail    *tail
	sent    int
	backlog int
	closed  bool

	done chan struct{}
	exit int
}

func (h *Host) spawn(req schema.CreateSessionRequest, shard int) (*proc, error) {
	geom := req.Geometry
	if geom.Cols <= 0 || geom.Rows <= 0 {
		geom = defaultGeometry
	}
	cmd := exec.Command(req.Command, req.Args...)
	if req.Dir != "" {
		cmd.Dir = req.Dir
	}
	cmd.Env = sessionEnv(req.Env, geom)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("session pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("session stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("session start: %w", err)
	}
	// The child holds the write end now; closing the parent's copy makes
	// the pump see EOF when the process tree is done.
	_ = pw.Close()

	mode := schema.StreamActive
	if req.Tier == schema.TierBackground {
		mode = schema.StreamBackground
	}
	p := &proc{
		host:  h,
		id:    req.SessionID,
		shard: shard,
		cmd:   cmd,
		stdin: stdin,
		out:   pr,
		mode:  mode,
		geom:  geom,
		tail:  newTail(h.cfg.ReplayBytes),
		done:  make(chan struct{}),
	}
	p.gate = sync.NewCond(&p.mu)
	return p, nil
}

// sessionEnv merges the host environment with the request's, then pins
// the terminal identity and geometry variables.
func sessionEnv(extra map[string]string, g schema.Geometry) []string {
	env := os.Environ()
	if len(extra) > 0 {
		keys := make([]string, 0, len(extra))
		for k := range extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, k+"="+extra[k])
		}
	}
	env = append(env,
		"TERM=xterm-256color",
		fmt.Sprintf("COLUMNS=%d", g.Cols),
		fmt.Sprintf("LINES=%d", g.Rows),
	)
	return env
}

// pump reads the output pipe until EOF, routing every chunk through
// deliver, then reaps the process and reports the exit.
func (p *proc) pump() {
	buf := make([]byte, p.host.cfg.ChunkBytes)
	for {
		n, err := p.out.Read(buf)
		if n > 0 {
			p.deliver(buf[:n])
		}
		if err != nil {
			break
		}
	}
	_ = p.out.Close()
	code := p.reap()
	p.deliver([]byte(fmt.Sprintf("\r\n[process exited: %d]\r\n", code)))
	p.mu.Lock()
	p.exit = code
	p.mu.Unlock()
	close(p.done)
	p.host.onProcExit(p, code)
}

// deliver appends the chunk to the replay tail and, in active mode,
// emits it live. Push mode blocks here once the unacknowledged window
// fills, which backpressures the child through the pipe.
func (p *proc) deliver(chunk []byte) {
	p.mu.Lock()
	p.tail.append(chunk)
	if p.mode != schema.StreamActive {
		p.backlog += len(chunk)
		p.mu.Unlock()
		return
	}
	if p.host.pushPaced() {
		for p.sent >= p.host.cfg.PushWindow && !p.closed {
			p.gate.Wait()
		}
		p.sent += len(chunk)
	}
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	p.host.emit(p, chunk)
}

// pushPaced reports whether emissions go through the acked push path.
func (h *Host) pushPaced() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ring == nil && h.push != nil
}

func (p *proc) ack(n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	p.sent -= n
	if p.sent < 0 {
		p.sent = 0
	}
	p.mu.Unlock()
	p.gate.Broadcast()
}

func (p *proc) setMode(mode schema.StreamMode) {
	p.mu.Lock()
	p.mode = mode
	p.mu.Unlock()
	p.gate.Broadcast()
}

// wake snapshots the replay tail and clears the background backlog the
// replay now covers.
func (p *proc) wake() ([]byte, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	covered := p.backlog
	p.backlog = 0
	data := p.tail.bytes()
	if len(data) == 0 {
		return nil, covered
	}
	state := make([]byte, 0, len(wakePreamble)+len(data))
	state = append(state, wakePreamble...)
	state = append(state, data...)
	return state, covered
}

func (p *proc) writeInput(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return schema.ErrSessionClosed
	}
	if _, err := p.stdin.Write(data); err != nil {
		if errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EPIPE) {
			return schema.ErrSessionClosed
		}
		return fmt.Errorf("session input: %w", err)
	}
	return nil
}

// resize records the geometry and notifies the process group. Pipes
// carry no window size, so the signal is the only runtime channel; the
// geometry still shapes wakes and the initial environment.
func (p *proc) resize(g schema.Geometry) {
	p.mu.Lock()
	p.geom = g
	p.mu.Unlock()
	p.signal(syscall.SIGWINCH)
}

func (p *proc) kill() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.gate.Broadcast()
	_ = p.stdin.Close()
	p.signal(syscall.SIGTERM)
}

// abandon tears down a proc that lost the registration race. The pump
// never ran, so the reap happens on a detached goroutine.
func (p *proc) abandon() {
	p.kill()
	_ = p.out.Close()
	go func() { _ = p.cmd.Wait() }()
}

func (p *proc) signal(sig syscall.Signal) {
	if p.cmd == nil || p.cmd.Process == nil {
		return
	}
	pid := p.cmd.Process.Pid
	if pid <= 0 {
		return
	}
	if err := syscall.Kill(-pid, sig); err != nil {
		_ = p.cmd.Process.Signal(sig)
	}
}

func (p *proc) reap() int {
	err := p.cmd.Wait()
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func (p *proc) pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *proc) exitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

func (p *proc) geomCols() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.geom.Cols
}

func (p *proc) geomRows() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.geom.Rows
}
