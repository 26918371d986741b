// Package process spawns a single child process and manages its stdio and
// lifecycle.
//
// A Process owns the write end of the child's stdin, a buffer that
// accumulates everything the child writes to stderr, and the child itself.
// Stdout is discarded.
//
//	p, err := process.New(ctx, "sh", []string{"-c", "echo boom >&2; exit 3"})
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//
//	code, err := p.Wait() // 3
//	<-p.Drained()
//	out := p.ReadStderrAll() // "boom\n"
//
// # Stderr
//
// A goroutine started with the process copies stderr into the buffer until
// the pipe reports EOF, which happens once the child (and anything it
// passed its stderr to) has exited. ReadStderr never blocks: it returns
// whatever has been buffered so far, oldest bytes first, and removes what it
// returns.
//
// # Exit status
//
// The exit code is recorded once, by whichever of IsRunning, Wait or Close
// first observes termination, and never changes afterwards. A child killed
// by a signal records -1.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Writes to stdin are serialized.
package process
