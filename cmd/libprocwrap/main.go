// Command libprocwrap builds the procwrap C shared library:
//
//	go build -buildmode=c-shared -o libprocwrap.so ./cmd/libprocwrap
//
// The exported functions are declared in procwrap.h. Every handle is a
// malloc'd token owned by the library; process_close frees it.
package main

/*
#include <stdint.h>
#include <stdlib.h>
#include <string.h>

typedef struct Process Process;
*/
import "C"

import (
	"context"
	"math"
	"sync"
	"unsafe"

	"github.com/containerd/log"

	"github.com/spin-stack/procwrap/internal/capi"
	"github.com/spin-stack/procwrap/internal/version"
)

var ctx = log.WithLogger(context.Background(), log.L.WithField("component", "libprocwrap"))

var table = sync.OnceValue(func() *capi.Table[unsafe.Pointer] {
	return capi.NewTable[unsafe.Pointer](mallocAllocator{}, capi.Configure(ctx)...)
})

var versionString = sync.OnceValue(func() *C.char {
	return C.CString(version.Short())
})

// mallocAllocator hands out one-byte C allocations so every token is a
// distinct pointer no Go object aliases.
type mallocAllocator struct{}

func (mallocAllocator) Alloc() unsafe.Pointer {
	return C.malloc(1)
}

func (mallocAllocator) Free(p unsafe.Pointer) {
	C.free(p)
}

// cBytes copies a NUL-terminated C string. NULL yields nil.
func cBytes(s *C.char) []byte {
	if s == nil {
		return nil
	}
	n := C.strlen(s)
	if n > math.MaxInt32 {
		return nil
	}
	return C.GoBytes(unsafe.Pointer(s), C.int(n))
}

// cBuffer views len bytes at p without copying. NULL yields nil.
func cBuffer(p *C.uint8_t, n C.size_t) []byte {
	if p == nil || uint64(n) > math.MaxInt {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), int(n))
}

// cArgs is an Args view over a C string vector.
type cArgs struct {
	v **C.char
	n int
}

func (a cArgs) Null() bool { return a.v == nil }
func (a cArgs) Len() int   { return a.n }

func (a cArgs) At(i int) []byte {
	return cBytes(unsafe.Slice(a.v, a.n)[i])
}

func handle(tok unsafe.Pointer) *C.Process {
	return (*C.Process)(tok)
}

//export process_start
func process_start(cmd *C.char) *C.Process {
	return handle(table().Start(ctx, cBytes(cmd)))
}

//export process_start_with_args
func process_start_with_args(program *C.char, args **C.char, argsLen C.size_t) *C.Process {
	if uint64(argsLen) > math.MaxInt32 {
		return nil
	}
	return handle(table().StartWithArgs(ctx, cBytes(program), cArgs{v: args, n: int(argsLen)}))
}

//export process_write_stdin
func process_write_stdin(proc *C.Process, data *C.uint8_t, n C.size_t) C.intptr_t {
	return C.intptr_t(table().WriteStdin(ctx, unsafe.Pointer(proc), cBuffer(data, n)))
}

//export process_close_stdin
func process_close_stdin(proc *C.Process) C.int {
	return C.int(table().CloseStdin(ctx, unsafe.Pointer(proc)))
}

//export process_read_stderr
func process_read_stderr(proc *C.Process, buf *C.uint8_t, n C.size_t) C.intptr_t {
	return C.intptr_t(table().ReadStderr(ctx, unsafe.Pointer(proc), cBuffer(buf, n)))
}

//export process_is_running
func process_is_running(proc *C.Process) C.int {
	return C.int(table().IsRunning(ctx, unsafe.Pointer(proc)))
}

//export process_wait
func process_wait(proc *C.Process) C.int {
	return C.int(table().Wait(ctx, unsafe.Pointer(proc)))
}

//export process_close
func process_close(proc *C.Process) {
	table().Close(ctx, unsafe.Pointer(proc))
}

//export procwrap_version
func procwrap_version() *C.char {
	return versionString()
}

func main() {}
