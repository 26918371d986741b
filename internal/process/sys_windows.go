//go:build windows

package process

import (
	"fmt"
	"os"
	"os/exec"
	"sync/atomic"

	"golang.org/x/sys/windows"
)

// sysProc holds its own handle to the child. Querying a Windows process does
// not reap it, so poll and wait can share the handle freely.
type sysProc struct {
	pid        int
	proc       *os.Process
	handle     windows.Handle
	terminated atomic.Bool
}

func newSysProc(cmd *exec.Cmd) (*sysProc, error) {
	const access = windows.SYNCHRONIZE | windows.PROCESS_QUERY_LIMITED_INFORMATION | windows.PROCESS_TERMINATE
	h, err := windows.OpenProcess(access, false, uint32(cmd.Process.Pid))
	if err != nil {
		return nil, fmt.Errorf("open process %d: %w", cmd.Process.Pid, err)
	}
	return &sysProc{pid: cmd.Process.Pid, proc: cmd.Process, handle: h}, nil
}

func (s *sysProc) poll() (exitStatus, bool, error) {
	ev, err := windows.WaitForSingleObject(s.handle, 0)
	if err != nil {
		return exitStatus{}, false, err
	}
	switch ev {
	case uint32(windows.WAIT_TIMEOUT):
		return exitStatus{}, false, nil
	case windows.WAIT_OBJECT_0:
		st, err := s.status()
		return st, err == nil, err
	default:
		return exitStatus{}, false, fmt.Errorf("unexpected wait result %#x", ev)
	}
}

func (s *sysProc) wait() (exitStatus, error) {
	ev, err := windows.WaitForSingleObject(s.handle, windows.INFINITE)
	if err != nil {
		return exitStatus{}, err
	}
	if ev != windows.WAIT_OBJECT_0 {
		return exitStatus{}, fmt.Errorf("unexpected wait result %#x", ev)
	}
	return s.status()
}

func (s *sysProc) status() (exitStatus, error) {
	var code uint32
	if err := windows.GetExitCodeProcess(s.handle, &code); err != nil {
		return exitStatus{}, err
	}
	if s.terminated.Load() {
		return exitStatus{code: -1, signaled: true}, nil
	}
	return exitStatus{code: int(int32(code))}, nil
}

func (s *sysProc) kill() error {
	s.terminated.Store(true)
	if err := windows.TerminateProcess(s.handle, 1); err != nil {
		s.terminated.Store(false)
		return fmt.Errorf("terminate pid %d: %w", s.pid, err)
	}
	return nil
}

func (s *sysProc) release() {
	_ = windows.CloseHandle(s.handle)
	_ = s.proc.Release()
}
