//go:build !windows

package process

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startProcess(t *testing.T, program string, args ...string) *Process {
	t.Helper()
	p, err := New(context.Background(), program, args)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = p.Close()
	})
	return p
}

func waitDrained(t *testing.T, p *Process) {
	t.Helper()
	select {
	case <-p.Drained():
	case <-time.After(5 * time.Second):
		t.Fatal("stderr was not drained within 5s")
	}
}

func TestNew_EmptyProgram(t *testing.T) {
	p, err := New(context.Background(), "", []string{"arg1", "arg2"})
	require.Error(t, err)
	assert.Nil(t, p)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.True(t, errdefs.IsFailedPrecondition(err))
	assert.False(t, IsIO(err))
}

func TestNewFromCommandLine_Empty(t *testing.T) {
	for _, cmdline := range []string{"", "   ", "\t\n"} {
		t.Run(strings.ReplaceAll(cmdline, "\t", `\t`), func(t *testing.T) {
			p, err := NewFromCommandLine(context.Background(), cmdline)
			require.Error(t, err)
			assert.Nil(t, p)
			assert.ErrorIs(t, err, ErrInvalidState)
		})
	}
}

func TestNew_NonexistentProgram(t *testing.T) {
	tests := []struct {
		name  string
		start func() (*Process, error)
	}{
		{"command line", func() (*Process, error) {
			return NewFromCommandLine(context.Background(), "nonexistentcommand")
		}},
		{"program and args", func() (*Process, error) {
			return New(context.Background(), "nonexistentcommand", []string{"arg1", "arg2"})
		}},
		{"absolute path", func() (*Process, error) {
			return New(context.Background(), "/nonexistent/path/to/binary", nil)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.start()
			require.Error(t, err)
			assert.Nil(t, p)

			var ioErr *IOError
			require.ErrorAs(t, err, &ioErr)
			assert.Equal(t, "spawn", ioErr.Op)
			assert.NotErrorIs(t, err, ErrInvalidState)
		})
	}
}

func TestNew_NotFoundUnwraps(t *testing.T) {
	_, err := New(context.Background(), "nonexistentcommand", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, exec.ErrNotFound)
}

func TestEchoExitsZero(t *testing.T) {
	p := startProcess(t, "echo", "hello")

	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, StateExited, p.State())
	assert.False(t, p.ExitedAt().IsZero())
}

func TestNewFromCommandLine_Echo(t *testing.T) {
	p, err := NewFromCommandLine(context.Background(), "echo hello")
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, "echo", p.Program())
	assert.Equal(t, []string{"hello"}, p.Args())
	assert.Positive(t, p.Pid())

	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestArgsWithSpaces(t *testing.T) {
	p := startProcess(t, "sh", "-c", `test "$1" = "hello world"`, "sh", "hello world")

	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestCommandLineHasNoQuoting(t *testing.T) {
	// Splits into sh, -c, 'exit, 2' so sh sees an unterminated quote.
	p, err := NewFromCommandLine(context.Background(), "sh -c 'exit 2'")
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, []string{"-c", "'exit", "2'"}, p.Args())
	code, err := p.Wait()
	require.NoError(t, err)
	assert.NotEqual(t, 0, code)
}

func TestWait_Idempotent(t *testing.T) {
	p := startProcess(t, "sh", "-c", "exit 42")

	first, err := p.Wait()
	require.NoError(t, err)
	second, err := p.Wait()
	require.NoError(t, err)

	assert.Equal(t, 42, first)
	assert.Equal(t, first, second)

	code, ok := p.ExitCode()
	assert.True(t, ok)
	assert.Equal(t, 42, code)
}

func TestStderrCaptureAndExitCode(t *testing.T) {
	p := startProcess(t, "sh", "-c", "printf boom >&2; exit 3")

	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.False(t, p.IsRunning())

	var got strings.Builder
	buf := make([]byte, 64)
	require.Eventually(t, func() bool {
		n := p.ReadStderr(buf)
		got.Write(buf[:n])
		return strings.Contains(got.String(), "boom")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReadStderr_FIFO(t *testing.T) {
	p := startProcess(t, "sh", "-c", `printf 'error message\n' >&2`)

	_, err := p.Wait()
	require.NoError(t, err)
	waitDrained(t, p)

	require.Equal(t, 14, p.Buffered())

	buf := make([]byte, 5)
	n := p.ReadStderr(buf)
	assert.Equal(t, 5, n)
	assert.Equal(t, "error", string(buf[:n]))
	assert.Equal(t, 9, p.Buffered())

	n = p.ReadStderr(buf)
	assert.Equal(t, 5, n)
	assert.Equal(t, " mess", string(buf[:n]))

	assert.Equal(t, "age\n", string(p.ReadStderrAll()))
	assert.Equal(t, 0, p.ReadStderr(buf))
}

func TestReadStderr_EmptyDoesNotBlock(t *testing.T) {
	p := startProcess(t, "sleep", "10")

	buf := make([]byte, 16)
	done := make(chan int, 1)
	go func() {
		done <- p.ReadStderr(buf)
	}()

	select {
	case n := <-done:
		assert.Equal(t, 0, n)
	case <-time.After(time.Second):
		t.Fatal("ReadStderr blocked on an empty buffer")
	}
}

func TestReadStderr_LargeOutput(t *testing.T) {
	// Larger than both the pipe buffer and a single drain chunk.
	p := startProcess(t, "sh", "-c", "i=0; while [ $i -lt 2000 ]; do echo 0123456789abcdefghij >&2; i=$((i+1)); done")

	code, err := p.Wait()
	require.NoError(t, err)
	require.Equal(t, 0, code)
	waitDrained(t, p)

	out := p.ReadStderrAll()
	assert.Len(t, out, 2000*21)
	assert.Equal(t, 2000, strings.Count(string(out), "0123456789abcdefghij\n"))
}

func TestIsRunning(t *testing.T) {
	p := startProcess(t, "sleep", "0.2")

	assert.True(t, p.IsRunning())
	assert.Equal(t, StateRunning, p.State())

	require.Eventually(t, func() bool {
		return !p.IsRunning()
	}, 5*time.Second, 20*time.Millisecond)

	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, StateExited, p.State())
}

func TestClose_KillsRunningProcess(t *testing.T) {
	p := startProcess(t, "sleep", "10")
	require.True(t, p.IsRunning())

	require.NoError(t, p.Close())

	assert.False(t, p.IsRunning())
	assert.Equal(t, StateKilled, p.State())

	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, -1, code)

	waitDrained(t, p)
}

func TestClose_Idempotent(t *testing.T) {
	p := startProcess(t, "sleep", "10")

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.False(t, p.IsRunning())
}

func TestClose_AfterExit(t *testing.T) {
	p := startProcess(t, "true")

	code, err := p.Wait()
	require.NoError(t, err)
	require.Equal(t, 0, code)

	require.NoError(t, p.Close())
	assert.Equal(t, StateExited, p.State())

	code, err = p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestWaitAfterCloseNeverHangs(t *testing.T) {
	p := startProcess(t, "sleep", "10")
	require.NoError(t, p.Close())

	done := make(chan error, 1)
	go func() {
		_, err := p.Wait()
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			assert.ErrorIs(t, err, ErrInvalidState)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait hung after Close")
	}
}

func TestWaitAfterReleaseWithoutExit(t *testing.T) {
	p := startProcess(t, "true")
	// Simulates a handle whose OS record went away without an observed exit.
	p.release()

	_, err := p.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestWriteStdin_CatThenClose(t *testing.T) {
	p := startProcess(t, "cat")

	data := []byte("test data")
	n, err := p.WriteStdin(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	require.NoError(t, p.Close())

	_, err = p.WriteStdin(data)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestWriteStdin_CatEchoesToStderr(t *testing.T) {
	p := startProcess(t, "sh", "-c", "cat >&2")

	_, err := p.WriteStdin([]byte("Hello, world!\n"))
	require.NoError(t, err)
	require.NoError(t, p.CloseStdin())

	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	waitDrained(t, p)

	assert.Equal(t, "Hello, world!\n", string(p.ReadStderrAll()))
}

func TestWriteStdin_AfterExit(t *testing.T) {
	p := startProcess(t, "true")

	_, err := p.Wait()
	require.NoError(t, err)

	// The reader is gone: the write may fail with EPIPE but must not crash.
	_, err = p.WriteStdin([]byte("late"))
	if err != nil {
		assert.True(t, IsIO(err))
	}
	assert.NoError(t, p.Close())
}

func TestConcurrentWritesAndClose(t *testing.T) {
	p := startProcess(t, "cat")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if _, err := p.WriteStdin([]byte("line\n")); err != nil {
					if !errors.Is(err, ErrInvalidState) && !IsIO(err) {
						t.Errorf("unexpected write error: %v", err)
					}
					return
				}
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.Close())
	wg.Wait()
}

func TestConcurrentWaitAndClose(t *testing.T) {
	p := startProcess(t, "sleep", "10")

	results := make(chan int, 1)
	go func() {
		code, err := p.Wait()
		assert.NoError(t, err)
		results <- code
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Close())

	select {
	case code := <-results:
		assert.Equal(t, -1, code)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after Close")
	}
}

func TestWithKillTimeout(t *testing.T) {
	p, err := New(context.Background(), "true", nil, WithKillTimeout(time.Second), WithKillTimeout(-1))
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, time.Second, p.opts.KillTimeout)
}
