package kampe

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning means another live controller holds the instance lock.
	ErrAlreadyRunning = errors.New("instance already running")

	// ErrLaunchTimeout means the control socket never became connectable
	// within the launch budget.
	ErrLaunchTimeout = errors.New("timed out waiting for control socket")

	// ErrSpawnFailed means the hypervisor (or jailer) could not be started.
	ErrSpawnFailed = errors.New("failed to spawn hypervisor")

	// ErrProcessDone is returned when signalling a process that already exited.
	ErrProcessDone = errors.New("process already exited")
)

// ExitedError reports a hypervisor that died before its socket was ready.
type ExitedError struct {
	Status ExitStatus
}

func (e *ExitedError) Error() string {
	return fmt.Sprintf("hypervisor exited before socket was ready: %s", e.Status)
}
