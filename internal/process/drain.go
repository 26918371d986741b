package process

import (
	"errors"
	"io"
	"os"
	"sync"

	"github.com/containerd/log"

	"github.com/spin-stack/procwrap/internal/iobuf"
)

// stderrBuffer is a byte FIFO shared by the drain goroutine, which appends,
// and readers, which consume from the front.
type stderrBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *stderrBuffer) append(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
}

// read moves up to len(p) bytes from the front of the buffer into p.
func (b *stderrBuffer) read(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := copy(p, b.buf)
	if n == 0 {
		return 0
	}
	rest := copy(b.buf, b.buf[n:])
	b.buf = b.buf[:rest]
	return n
}

func (b *stderrBuffer) readAll() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	b.buf = b.buf[:0]
	return out
}

func (b *stderrBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// drainStderr copies r into buf until EOF or a read error, then closes r and
// done. The buffer lock is only taken for the append, never across Read.
func drainStderr(logger *log.Entry, r io.ReadCloser, buf *stderrBuffer, done chan<- struct{}) {
	defer close(done)
	defer r.Close()

	chunk := iobuf.Get()
	defer iobuf.Put(chunk)

	for {
		n, err := r.Read(*chunk)
		if n > 0 {
			buf.append((*chunk)[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				logger.WithError(err).Debug("stderr drain stopped on read error")
			}
			return
		}
		if n == 0 {
			return
		}
	}
}
