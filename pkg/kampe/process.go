package kampe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// ExitStatus describes how the hypervisor process ended.
type ExitStatus struct {
	Code   int            `json:"code"`
	Signal syscall.Signal `json:"signal,omitempty"`
}

func (s ExitStatus) Success() bool {
	return s.Code == 0 && s.Signal == 0
}

func (s ExitStatus) String() string {
	if s.Signal != 0 {
		return fmt.Sprintf("killed by signal %s", s.Signal)
	}
	if s.Code < 0 {
		return "exit status unknown"
	}
	return fmt.Sprintf("exit status %d", s.Code)
}

// Process is an owned handle to the supervised hypervisor. It only
// signals, waits and checks liveness.
type Process struct {
	pid   int
	group bool
	cmd   *exec.Cmd

	done    chan struct{}
	mu      sync.Mutex
	status  ExitStatus
	waitErr error
	closers []io.Closer
}

func startProcess(cmd *exec.Cmd, group bool, closers []io.Closer) (*Process, error) {
	if err := cmd.Start(); err != nil {
		closeAll(closers)
		return nil, err
	}

	p := &Process{
		pid:     cmd.Process.Pid,
		group:   group,
		cmd:     cmd,
		done:    make(chan struct{}),
		closers: closers,
	}
	go p.reap()
	return p, nil
}

func (p *Process) reap() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.status = exitStatusOf(p.cmd.ProcessState)
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.waitErr = err
	}
	p.mu.Unlock()

	closeAll(p.closers)
	close(p.done)
}

// adoptProcess supervises a process we did not fork, such as a
// daemonized jail. Its exit code is unknowable.
func adoptProcess(pid int, poll time.Duration) (*Process, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("adopt pid %d: %w", pid, err)
	}

	p := &Process{
		pid:    pid,
		done:   make(chan struct{}),
		status: ExitStatus{Code: -1},
	}
	go func() {
		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		for range ticker.C {
			running, err := proc.IsRunning()
			if err != nil || !running {
				close(p.done)
				return
			}
		}
	}()
	return p, nil
}

func exitStatusOf(ps *os.ProcessState) ExitStatus {
	if ps == nil {
		return ExitStatus{Code: -1}
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signal: ws.Signal()}
	}
	return ExitStatus{Code: ps.ExitCode()}
}

func (p *Process) Pid() int {
	return p.pid
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Signal delivers sig to the process, or to its whole group when it was
// started as a group leader.
func (p *Process) Signal(sig syscall.Signal) error {
	select {
	case <-p.done:
		return ErrProcessDone
	default:
	}

	target := p.pid
	if p.group {
		target = -p.pid
	}
	if err := unix.Kill(target, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal %s to pid %d: %w", sig, target, err)
	}
	return nil
}

// Alive reports whether the process is still running.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
	}
	if p.cmd != nil {
		return true
	}
	running, err := process.PidExists(int32(p.pid))
	return err == nil && running
}

// Children lists the pids of the process's direct children.
func (p *Process) Children() []int {
	proc, err := process.NewProcess(int32(p.pid))
	if err != nil {
		return nil
	}
	children, err := proc.Children()
	if err != nil {
		return nil
	}
	pids := make([]int, 0, len(children))
	for _, c := range children {
		pids = append(pids, int(c.Pid))
	}
	return pids
}

// ExitStatus returns the exit status once the process has exited.
func (p *Process) ExitStatus() (ExitStatus, bool) {
	select {
	case <-p.done:
	default:
		return ExitStatus{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, true
}

// Wait blocks until the process exits or ctx is done.
func (p *Process) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.status, p.waitErr
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		c.Close()
	}
}
