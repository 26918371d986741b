// Package iobuf pools the fixed-size chunks used to drain child stderr pipes.
package iobuf

import "sync"

// ChunkSize is 4096 to align with PIPE_BUF on Linux: a child's write of up to
// PIPE_BUF bytes is atomic, so one read normally returns it whole.
// See: http://man7.org/linux/man-pages/man7/pipe.7.html
const ChunkSize = 4096

var pool = sync.Pool{
	New: func() any {
		buf := make([]byte, ChunkSize)
		return &buf
	},
}

// Get returns a pooled chunk of exactly ChunkSize bytes.
func Get() *[]byte {
	return pool.Get().(*[]byte)
}

// Put returns a chunk to the pool. Chunks that were resliced to a different
// length are dropped so Get keeps its size guarantee.
func Put(buf *[]byte) {
	if buf == nil || len(*buf) != ChunkSize {
		return
	}
	pool.Put(buf)
}
