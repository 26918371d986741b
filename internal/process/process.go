package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/containerd/log"
)

// DefaultKillTimeout is how long Close waits for a killed child to be reaped
// before it logs a warning. Close keeps waiting after the warning.
const DefaultKillTimeout = 5 * time.Second

// StartOpts configures a Process.
type StartOpts struct {
	KillTimeout time.Duration
}

// StartOpt modifies StartOpts.
type StartOpt func(*StartOpts)

// WithKillTimeout sets the kill timeout. Non-positive values are ignored.
func WithKillTimeout(d time.Duration) StartOpt {
	return func(o *StartOpts) {
		if d > 0 {
			o.KillTimeout = d
		}
	}
}

type exitStatus struct {
	code     int
	signaled bool
}

// Process is a spawned child with a piped stdin and a captured stderr.
type Process struct {
	program string
	args    []string
	pid     int
	started time.Time
	log     *log.Entry
	opts    StartOpts

	// mu guards the OS record and the write-once exit slot. It is never held
	// across a blocking wait.
	mu       sync.Mutex
	sys      *sysProc
	state    State
	exited   bool
	code     int
	exitedAt time.Time
	exitCh   chan struct{}

	// stdinMu serializes writes; stdin itself is swapped under mu so Close
	// does not queue behind a write blocked on a full pipe.
	stdinMu sync.Mutex
	stdin   *os.File

	stderr  *stderrBuffer
	drained chan struct{}
}

// NewFromCommandLine splits cmdline with SplitCommandLine and starts the
// first field with the rest as arguments.
func NewFromCommandLine(ctx context.Context, cmdline string, opts ...StartOpt) (*Process, error) {
	fields := SplitCommandLine(cmdline)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty command line: %w", ErrInvalidState)
	}
	return New(ctx, fields[0], fields[1:], opts...)
}

// New starts program with args. Stdin is a pipe, stdout is discarded and
// stderr is captured into the process's buffer.
func New(ctx context.Context, program string, args []string, opts ...StartOpt) (*Process, error) {
	if program == "" {
		return nil, fmt.Errorf("empty program: %w", ErrInvalidState)
	}

	o := StartOpts{KillTimeout: DefaultKillTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, &IOError{Op: "spawn", Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeFiles(stdinR, stdinW)
		return nil, &IOError{Op: "spawn", Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	// Passing *os.File directly means os/exec starts no copy goroutines and
	// Wait would have nothing of ours to close.
	//nolint:gosec // program and args are supplied by the caller by contract.
	cmd := exec.Command(program, args...)
	cmd.Stdin = stdinR
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeFiles(stdinR, stdinW, stderrR, stderrW)
		return nil, &IOError{Op: "spawn", Err: err}
	}
	// The child holds its own copies of these ends.
	closeFiles(stdinR, stderrW)

	sys, err := newSysProc(cmd)
	if err != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		closeFiles(stdinW, stderrR)
		return nil, &IOError{Op: "spawn", Err: err}
	}

	p := &Process{
		program: program,
		args:    append([]string(nil), args...),
		pid:     cmd.Process.Pid,
		started: time.Now(),
		opts:    o,
		sys:     sys,
		state:   StateRunning,
		code:    -1,
		exitCh:  make(chan struct{}),
		stdin:   stdinW,
		stderr:  &stderrBuffer{},
		drained: make(chan struct{}),
	}
	p.log = log.G(ctx).WithField("pid", p.pid).WithField("program", program)

	go drainStderr(p.log, stderrR, p.stderr, p.drained)

	p.log.WithField("args", args).Debug("process started")
	return p, nil
}

// Program returns the program the process was started with.
func (p *Process) Program() string {
	return p.program
}

// Args returns a copy of the arguments the process was started with.
func (p *Process) Args() []string {
	return append([]string(nil), p.args...)
}

// Pid returns the OS process id.
func (p *Process) Pid() int {
	return p.pid
}

// StartedAt returns the time the child was spawned.
func (p *Process) StartedAt() time.Time {
	return p.started
}

// State returns the lifecycle state as last observed. It does not poll.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ExitCode returns the recorded exit code and whether one has been recorded.
func (p *Process) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, p.exited
}

// ExitedAt returns when the exit was observed, or the zero time.
func (p *Process) ExitedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitedAt
}

// WriteStdin performs a single write to the child's stdin and returns the
// number of bytes accepted. Retrying short writes is up to the caller.
func (p *Process) WriteStdin(b []byte) (int, error) {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()

	p.mu.Lock()
	f := p.stdin
	p.mu.Unlock()
	if f == nil {
		return 0, fmt.Errorf("stdin closed: %w", ErrInvalidState)
	}

	n, err := f.Write(b)
	if err != nil {
		return n, &IOError{Op: "write", Err: err}
	}
	return n, nil
}

// CloseStdin closes the child's stdin so it observes EOF, without touching
// the child itself. It is a no-op if stdin is already closed.
func (p *Process) CloseStdin() error {
	p.mu.Lock()
	f := p.stdin
	p.stdin = nil
	p.mu.Unlock()

	if f == nil {
		return nil
	}
	if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return &IOError{Op: "close stdin", Err: err}
	}
	return nil
}

// ReadStderr moves up to len(b) buffered stderr bytes into b, oldest first,
// and returns how many were moved. It returns 0 at once if nothing is
// buffered.
func (p *Process) ReadStderr(b []byte) int {
	return p.stderr.read(b)
}

// ReadStderrAll removes and returns everything buffered so far.
func (p *Process) ReadStderrAll() []byte {
	return p.stderr.readAll()
}

// Buffered returns the number of stderr bytes waiting to be read.
func (p *Process) Buffered() int {
	return p.stderr.len()
}

// Drained is closed once the stderr pipe has reached EOF and every byte the
// child wrote is in the buffer.
func (p *Process) Drained() <-chan struct{} {
	return p.drained
}

// IsRunning polls the child without blocking. Once an exit has been recorded
// it answers from the record. A failed poll reports false and is logged, but
// records nothing.
func (p *Process) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exited || p.sys == nil {
		return false
	}

	st, done, err := p.sys.poll()
	if err != nil {
		p.log.WithError(err).Warn("failed to poll process status")
		return false
	}
	if !done {
		return true
	}
	p.setExited(st)
	return false
}

// Wait blocks until the child exits and returns its exit code, or -1 if it
// was killed by a signal. Once recorded the code is returned immediately.
func (p *Process) Wait() (int, error) {
	p.mu.Lock()
	if p.exited {
		code := p.code
		p.mu.Unlock()
		return code, nil
	}
	sys := p.sys
	p.mu.Unlock()

	if sys == nil {
		return -1, fmt.Errorf("process released: %w", ErrInvalidState)
	}

	st, err := sys.wait()
	return p.recordWait(st, err)
}

// Close closes stdin, then kills the child if it is still running and waits
// for it. It releases the OS process record and may be called any number of
// times.
func (p *Process) Close() error {
	if err := p.CloseStdin(); err != nil {
		p.log.WithError(err).Debug("failed to close stdin")
	}

	if !p.IsRunning() {
		p.release()
		return nil
	}

	p.mu.Lock()
	sys := p.sys
	p.mu.Unlock()
	if sys == nil {
		return nil
	}

	p.log.Info("killing process")
	if err := sys.kill(); err != nil {
		return &IOError{Op: "kill", Err: err}
	}

	timer := time.AfterFunc(p.opts.KillTimeout, func() {
		p.log.WithField("timeout", p.opts.KillTimeout).Warn("killed process has not exited yet")
	})
	st, err := sys.wait()
	timer.Stop()

	if _, err := p.recordWait(st, err); err != nil {
		return err
	}
	p.release()
	return nil
}

// recordWait stores the outcome of a blocking wait. If another caller reaped
// the child first, it waits for that caller to record the code.
func (p *Process) recordWait(st exitStatus, err error) (int, error) {
	if err != nil {
		if !errors.Is(err, errReaped) {
			return -1, &IOError{Op: "wait", Err: err}
		}
		select {
		case <-p.exitCh:
			code, _ := p.ExitCode()
			return code, nil
		case <-time.After(p.opts.KillTimeout):
			return -1, &IOError{Op: "wait", Err: err}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.setExited(st)
	return p.code, nil
}

// setExited records st unless an exit is already recorded. Callers hold mu.
func (p *Process) setExited(st exitStatus) {
	if p.exited {
		return
	}

	next := StateExited
	if st.signaled {
		next = StateKilled
	}
	if !canTransition(p.state, next) {
		p.log.WithField("from", p.state).WithField("to", next).Error("invalid state transition on exit, forcing terminal state")
	}

	p.exited = true
	p.code = st.code
	p.exitedAt = time.Now()
	p.state = next
	close(p.exitCh)

	p.log.WithField("exit_code", st.code).WithField("state", next).Debug("process exited")
}

func (p *Process) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sys != nil {
		p.sys.release()
		p.sys = nil
	}
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
