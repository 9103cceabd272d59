// Package thanatos ends what kampe started: it terminates the hypervisor,
// removes what the instance left on disk and releases its lock.
package thanatos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/tartarus-sandbox/tartarus-vmm/pkg/domain"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/hermes"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/kampe"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/paths"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/styx"
	"golang.org/x/sys/unix"
)

const killWait = 5 * time.Second

// Process is the supervised hypervisor as the reaper sees it.
type Process interface {
	Pid() int
	Signal(sig syscall.Signal) error
	Done() <-chan struct{}
	Children() []int
}

// Target is everything one instance owns.
type Target struct {
	Process Process
	Lock    *kampe.Lock
	Paths   paths.Set
	Config  domain.HypervisorConfig

	// Taps are host tap names released when Config.NetworkClear is set.
	Taps  []string
	NetNS string

	// Mounts are bind mounts staged into the jail.
	Mounts []string
}

// Reaper tears instances down.
type Reaper struct {
	Logger      *slog.Logger
	Metrics     hermes.Metrics
	GracePeriod time.Duration
	Links       styx.Links

	// Unmount detaches one staged mount. Defaults to a lazy unmount.
	Unmount func(path string) error
}

func NewReaper(logger *slog.Logger, metrics hermes.Metrics, grace time.Duration) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	if grace <= 0 {
		grace = domain.DefaultGracePeriod
	}
	return &Reaper{
		Logger:      logger,
		Metrics:     hermes.OrNoop(metrics),
		GracePeriod: grace,
		Unmount:     unmount,
	}
}

// Terminate sends SIGTERM to the process and its children, waits out the
// grace period and then sends SIGKILL. A cancelled ctx skips straight to
// SIGKILL so nothing outlives the caller.
func (r *Reaper) Terminate(ctx context.Context, proc Process) error {
	if proc == nil || exited(proc) {
		return nil
	}
	pid := proc.Pid()
	children := proc.Children()

	r.Logger.Debug("Terminating hypervisor", "pid", pid, "children", len(children), "grace", r.grace())
	r.signal(proc, children, syscall.SIGTERM)

	timer := time.NewTimer(r.grace())
	defer timer.Stop()
	select {
	case <-proc.Done():
		r.Metrics.IncCounter("terminate_total", 1, hermes.Label{Key: "signal", Value: "SIGTERM"})
		return nil
	case <-timer.C:
		r.Logger.Warn("Grace period exceeded, killing hypervisor", "pid", pid, "grace", r.grace())
	case <-ctx.Done():
		r.Logger.Warn("Termination cancelled, killing hypervisor", "pid", pid)
	}

	r.signal(proc, children, syscall.SIGKILL)
	r.Metrics.IncCounter("terminate_total", 1, hermes.Label{Key: "signal", Value: "SIGKILL"})

	select {
	case <-proc.Done():
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("pid %d survived SIGKILL", pid)
	}
}

func (r *Reaper) signal(proc Process, children []int, sig syscall.Signal) {
	if err := proc.Signal(sig); err != nil && !errors.Is(err, kampe.ErrProcessDone) {
		r.Logger.Warn("Signal failed", "pid", proc.Pid(), "signal", sig.String(), "error", err)
	}
	for _, c := range children {
		if err := unix.Kill(c, sig); err != nil && !errors.Is(err, unix.ESRCH) {
			r.Logger.Warn("Signal failed", "pid", c, "signal", sig.String(), "error", err)
		}
	}
}

// Teardown terminates the process and, when clean is set, removes the
// socket plus every artifact the config flags select. Each removal is
// independent and a missing file is not a failure. The lock is released
// last and unconditionally. Failures come back as *PartialCleanupError.
func (r *Reaper) Teardown(ctx context.Context, t Target, clean bool) error {
	start := time.Now()
	var failures []CleanupFailure
	fail := func(artifact string, err error) {
		if err != nil {
			failures = append(failures, CleanupFailure{Artifact: artifact, Err: err})
		}
	}

	if t.Process != nil {
		fail("process "+strconv.Itoa(t.Process.Pid()), r.Terminate(ctx, t.Process))
	}

	for i := len(t.Mounts) - 1; i >= 0; i-- {
		fail(t.Mounts[i], r.unmount(t.Mounts[i]))
	}

	if clean {
		fail(t.Paths.Socket, removeFile(t.Paths.Socket))
		if t.Config.LogClear {
			fail(t.Paths.Log, removeFile(t.Paths.Log))
		}
		if t.Config.MetricsClear {
			fail(t.Paths.Metrics, removeFile(t.Paths.Metrics))
		}
		if t.Config.NetworkClear && r.Links != nil {
			for _, tap := range t.Taps {
				fail("tap "+tap, r.Links.Release(ctx, t.NetNS, tap))
			}
		}
		if t.Config.JailClear && t.Paths.Jailed && t.Paths.JailDir != "" {
			fail(t.Paths.JailDir, os.RemoveAll(t.Paths.JailDir))
		}
		fail(t.Paths.Lock, removeFile(t.Paths.Lock))
	}

	if t.Lock != nil {
		if err := t.Lock.Release(); err != nil {
			r.Logger.Warn("Lock release failed", "lock", t.Lock.Path(), "error", err)
		}
	}

	result := "ok"
	if len(failures) > 0 {
		result = "partial"
	}
	r.Metrics.IncCounter("teardown_total", 1,
		hermes.Label{Key: "clean", Value: strconv.FormatBool(clean)},
		hermes.Label{Key: "result", Value: result})
	r.Metrics.ObserveHistogram("teardown_seconds", time.Since(start).Seconds())

	if len(failures) > 0 {
		r.Logger.Warn("Teardown left artifacts behind", "id", t.Paths.ID, "failures", len(failures))
		return &PartialCleanupError{Failures: failures}
	}
	r.Logger.Info("Teardown complete", "id", t.Paths.ID, "clean", clean, "duration", time.Since(start))
	return nil
}

func (r *Reaper) unmount(path string) error {
	if r.Unmount == nil {
		return unmount(path)
	}
	return r.Unmount(path)
}

func (r *Reaper) grace() time.Duration {
	if r.GracePeriod <= 0 {
		return domain.DefaultGracePeriod
	}
	return r.GracePeriod
}

func exited(proc Process) bool {
	select {
	case <-proc.Done():
		return true
	default:
		return false
	}
}

func removeFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
