//go:build !windows

package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// sysProc reaps the child itself with wait4 rather than exec.Cmd.Wait, so a
// non-blocking poll and a blocking wait share one mechanism.
type sysProc struct {
	pid  int
	proc *os.Process
}

func newSysProc(cmd *exec.Cmd) (*sysProc, error) {
	return &sysProc{pid: cmd.Process.Pid, proc: cmd.Process}, nil
}

func (s *sysProc) poll() (exitStatus, bool, error) {
	var ws unix.WaitStatus
	for {
		pid, err := unix.Wait4(s.pid, &ws, unix.WNOHANG, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return exitStatus{}, false, waitError(err)
		}
		if pid == 0 {
			return exitStatus{}, false, nil
		}
		return statusFromWait(ws), true, nil
	}
}

func (s *sysProc) wait() (exitStatus, error) {
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(s.pid, &ws, 0, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return exitStatus{}, waitError(err)
		}
		return statusFromWait(ws), nil
	}
}

func (s *sysProc) kill() error {
	if err := unix.Kill(s.pid, unix.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return fmt.Errorf("kill pid %d: %w", s.pid, err)
	}
	return nil
}

func (s *sysProc) release() {
	_ = s.proc.Release()
}

func waitError(err error) error {
	if errors.Is(err, unix.ECHILD) {
		return errReaped
	}
	return err
}

func statusFromWait(ws unix.WaitStatus) exitStatus {
	if ws.Signaled() {
		return exitStatus{code: -1, signaled: true}
	}
	return exitStatus{code: ws.ExitStatus()}
}
