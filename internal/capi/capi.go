// Package capi implements the operations behind the procwrap C ABI.
//
// It is plain Go so it can be tested without cgo: C strings arrive as byte
// slices (nil for NULL) and handles as opaque tokens issued by an Allocator
// (the zero token is NULL). Every failure collapses to the sentinel of the
// operation; the error kind is logged at debug level and then dropped.
//
// A token that is not in the table, either never issued or already closed,
// is treated exactly like NULL. Using a token after process_close is still a
// contract violation: the allocator may hand the same value out again.
package capi

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/spin-stack/procwrap/internal/config"
	"github.com/spin-stack/procwrap/internal/process"
)

// Allocator issues and frees the opaque tokens handed to C callers.
// Alloc returns the zero value on failure.
type Allocator[K comparable] interface {
	Alloc() K
	Free(K)
}

// CounterAllocator issues increasing integer tokens starting at 1.
type CounterAllocator struct {
	next atomic.Uintptr
}

func (a *CounterAllocator) Alloc() uintptr {
	return a.next.Add(1)
}

func (a *CounterAllocator) Free(uintptr) {}

// Args is a view over a C argument vector.
type Args interface {
	// Null reports whether the vector pointer itself is NULL.
	Null() bool
	// Len is the declared length of the vector.
	Len() int
	// At returns element i, or nil for a NULL entry.
	At(i int) []byte
}

// Table maps tokens to live processes.
type Table[K comparable] struct {
	mu    sync.RWMutex
	procs map[K]*process.Process
	alloc Allocator[K]
	opts  []process.StartOpt
}

// NewTable returns an empty table issuing tokens from alloc. opts are
// applied to every process the table starts.
func NewTable[K comparable](alloc Allocator[K], opts ...process.StartOpt) *Table[K] {
	return &Table[K]{
		procs: make(map[K]*process.Process),
		alloc: alloc,
		opts:  opts,
	}
}

// Configure loads the global configuration, applies its logging settings and
// returns the process options it implies. A configuration that fails to load
// is logged and the defaults are used instead.
func Configure(ctx context.Context) []process.StartOpt {
	cfg, err := config.Get()
	if err != nil {
		log.G(ctx).WithError(err).Warn("failed to load configuration, using defaults")
		cfg = config.DefaultConfig()
	}
	if err := cfg.ApplyLogging(); err != nil {
		log.G(ctx).WithError(err).Warn("failed to apply logging configuration")
	}
	return []process.StartOpt{process.WithKillTimeout(cfg.Process.GetKillTimeout())}
}

// Len returns the number of live handles.
func (t *Table[K]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.procs)
}

// Start tokenizes cmd on whitespace and starts it. It returns the zero token
// for a NULL or non-UTF-8 cmd, or if the process cannot be created.
func (t *Table[K]) Start(ctx context.Context, cmd []byte) (tok K) {
	defer recoverTo(ctx, "process_start", &tok)

	if cmd == nil {
		reject(ctx, "process_start", process.ErrNullPointer)
		return tok
	}
	if !utf8.Valid(cmd) {
		reject(ctx, "process_start", errInvalidText)
		return tok
	}

	p, err := process.NewFromCommandLine(ctx, string(cmd), t.opts...)
	if err != nil {
		reject(ctx, "process_start", err)
		return tok
	}
	return t.adopt(ctx, p)
}

// StartWithArgs starts program with the elements of args up to the first NULL
// entry. It returns the zero token for a NULL program, a NULL vector with a
// non-zero length, non-UTF-8 text in program or any element before the first
// NULL, or if the process cannot be created.
func (t *Table[K]) StartWithArgs(ctx context.Context, program []byte, args Args) (tok K) {
	defer recoverTo(ctx, "process_start_with_args", &tok)

	if program == nil {
		reject(ctx, "process_start_with_args", process.ErrNullPointer)
		return tok
	}
	n := 0
	if args != nil {
		n = args.Len()
		if args.Null() {
			if n > 0 {
				reject(ctx, "process_start_with_args", process.ErrNullPointer)
				return tok
			}
			n = 0
		}
	}
	if !utf8.Valid(program) {
		reject(ctx, "process_start_with_args", errInvalidText)
		return tok
	}

	argv := make([]string, 0, n)
	for i := 0; i < n; i++ {
		a := args.At(i)
		if a == nil {
			break
		}
		if !utf8.Valid(a) {
			reject(ctx, "process_start_with_args", errInvalidText)
			return tok
		}
		argv = append(argv, string(a))
	}

	p, err := process.New(ctx, string(program), argv, t.opts...)
	if err != nil {
		reject(ctx, "process_start_with_args", err)
		return tok
	}
	return t.adopt(ctx, p)
}

// WriteStdin writes data to the process's stdin and returns the number of
// bytes written, or -1 for a NULL handle, NULL or empty data, or a failed
// write.
func (t *Table[K]) WriteStdin(ctx context.Context, tok K, data []byte) (n int) {
	defer recoverTo(ctx, "process_write_stdin", &n, -1)

	p := t.lookup(tok)
	if p == nil || len(data) == 0 {
		reject(ctx, "process_write_stdin", process.ErrNullPointer)
		return -1
	}
	n, err := p.WriteStdin(data)
	if err != nil {
		reject(ctx, "process_write_stdin", err)
		return -1
	}
	return n
}

// CloseStdin closes the process's stdin. It returns 0 on success and -1 for a
// NULL handle or a failed close.
func (t *Table[K]) CloseStdin(ctx context.Context, tok K) (ret int) {
	defer recoverTo(ctx, "process_close_stdin", &ret, -1)

	p := t.lookup(tok)
	if p == nil {
		reject(ctx, "process_close_stdin", process.ErrNullPointer)
		return -1
	}
	if err := p.CloseStdin(); err != nil {
		reject(ctx, "process_close_stdin", err)
		return -1
	}
	return 0
}

// ReadStderr moves buffered stderr bytes into buf and returns how many, 0 if
// none are buffered, or -1 for a NULL handle or a NULL or empty buf.
func (t *Table[K]) ReadStderr(ctx context.Context, tok K, buf []byte) (n int) {
	defer recoverTo(ctx, "process_read_stderr", &n, -1)

	p := t.lookup(tok)
	if p == nil || len(buf) == 0 {
		reject(ctx, "process_read_stderr", process.ErrNullPointer)
		return -1
	}
	return p.ReadStderr(buf)
}

// IsRunning returns 1 if the process is running and 0 otherwise, including
// for a NULL handle.
func (t *Table[K]) IsRunning(ctx context.Context, tok K) (ret int) {
	defer recoverTo(ctx, "process_is_running", &ret)

	p := t.lookup(tok)
	if p == nil {
		return 0
	}
	if p.IsRunning() {
		return 1
	}
	return 0
}

// Wait blocks until the process exits and returns its exit code, or -1 for a
// NULL handle or a failed wait.
func (t *Table[K]) Wait(ctx context.Context, tok K) (code int) {
	defer recoverTo(ctx, "process_wait", &code, -1)

	p := t.lookup(tok)
	if p == nil {
		reject(ctx, "process_wait", process.ErrNullPointer)
		return -1
	}
	code, err := p.Wait()
	if err != nil {
		reject(ctx, "process_wait", err)
		return -1
	}
	return code
}

// Close closes the process, removes it from the table and frees its token.
// NULL and unknown tokens are ignored.
func (t *Table[K]) Close(ctx context.Context, tok K) {
	defer recoverTo[int](ctx, "process_close", nil)

	var zero K
	if tok == zero {
		return
	}

	t.mu.Lock()
	p, ok := t.procs[tok]
	delete(t.procs, tok)
	t.mu.Unlock()
	if !ok {
		log.G(ctx).WithField("op", "process_close").Debug("ignoring unknown handle")
		return
	}

	if err := p.Close(); err != nil {
		log.G(ctx).WithError(err).WithField("pid", p.Pid()).Warn("failed to close process")
	}
	t.alloc.Free(tok)
}

func (t *Table[K]) adopt(ctx context.Context, p *process.Process) K {
	tok := t.alloc.Alloc()
	var zero K
	if tok == zero {
		log.G(ctx).WithField("pid", p.Pid()).Error("failed to allocate handle, closing process")
		_ = p.Close()
		return zero
	}

	t.mu.Lock()
	t.procs[tok] = p
	t.mu.Unlock()
	return tok
}

func (t *Table[K]) lookup(tok K) *process.Process {
	var zero K
	if tok == zero {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.procs[tok]
}

var errInvalidText = fmt.Errorf("string is not valid UTF-8: %w", errdefs.ErrInvalidArgument)

func reject(ctx context.Context, op string, err error) {
	log.G(ctx).WithError(err).WithField("op", op).Debug("returning failure sentinel")
}

// recoverTo turns a panic into the sentinel: the first of sentinel, or the
// zero value. A nil ret discards it.
func recoverTo[T any](ctx context.Context, op string, ret *T, sentinel ...T) {
	r := recover()
	if r == nil {
		return
	}
	log.G(ctx).WithField("op", op).Errorf("recovered from panic: %v", r)
	if ret == nil {
		return
	}
	var v T
	if len(sentinel) > 0 {
		v = sentinel[0]
	}
	*ret = v
}
