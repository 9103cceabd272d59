package kampe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/domain"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/hermes"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/paths"
)

// DialFunc opens a connection to a Unix socket path.
type DialFunc func(ctx context.Context, path string) (net.Conn, error)

// DialUnix is the default DialFunc.
func DialUnix(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", path)
}

const killWait = 5 * time.Second

// Launcher is Kampe, the jailer: it spawns Firecracker (optionally inside
// the jailer) and holds it until the control socket answers.
type Launcher struct {
	Logger  *slog.Logger
	Metrics hermes.Metrics

	// Dial tries the control socket; each call is one connect attempt.
	Dial DialFunc
}

// Launched is a hypervisor whose control socket is ready.
type Launched struct {
	Process  *Process
	Lock     *Lock
	Paths    paths.Set
	Attempts int
}

func NewLauncher(logger *slog.Logger, metrics hermes.Metrics) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{Logger: logger, Metrics: hermes.OrNoop(metrics), Dial: DialUnix}
}

// Launch acquires the instance lock, spawns the process and waits for its
// socket. On any failure the process is killed and the lock released.
func (l *Launcher) Launch(ctx context.Context, cfg domain.HypervisorConfig, set paths.Set) (*Launched, error) {
	start := time.Now()
	mode := "direct"
	if cfg.UseJailer {
		mode = "jailer"
	}

	res, err := l.launch(ctx, cfg, set)
	result := "ok"
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		result = "already_running"
	case errors.Is(err, ErrLaunchTimeout):
		result = "timeout"
	case err != nil:
		result = "error"
	}
	l.metrics().IncCounter("launch_total", 1, hermes.Label{Key: "mode", Value: mode}, hermes.Label{Key: "result", Value: result})
	if err == nil {
		l.metrics().ObserveHistogram("launch_seconds", time.Since(start).Seconds(), hermes.Label{Key: "mode", Value: mode})
	}
	return res, err
}

func (l *Launcher) launch(ctx context.Context, cfg domain.HypervisorConfig, set paths.Set) (*Launched, error) {
	lock, err := AcquireLock(set.Lock)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			if err := lock.Release(); err != nil {
				l.logger().Warn("Failed to release lock", "id", cfg.ID, "error", err)
			}
		}
	}()

	if err := l.prepareSocket(set); err != nil {
		return nil, err
	}
	if !set.Jailed {
		if err := prepareFile(set.Log, cfg.TruncateLog, -1, -1); err != nil {
			return nil, err
		}
		if err := prepareFile(set.Metrics, cfg.TruncateMetrics, -1, -1); err != nil {
			return nil, err
		}
	}

	cmd := BuildCommand(cfg, set)
	var closers []io.Closer
	if set.Stdout != "" {
		f, err := openOutput(set.Stdout)
		if err != nil {
			return nil, err
		}
		cmd.Stdout = f
		closers = append(closers, f)
	}
	if set.Stderr != "" {
		f, err := openOutput(set.Stderr)
		if err != nil {
			closeAll(closers)
			return nil, err
		}
		cmd.Stderr = f
		closers = append(closers, f)
	}

	// A daemonized jailer detaches on its own; everything else leads a
	// fresh process group so teardown can signal the whole tree.
	daemonized := cfg.UseJailer && cfg.Jailer.Daemonize
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: !daemonized}

	l.logger().Info("Launching hypervisor", "id", cfg.ID, "bin", cmd.Path, "socket", set.Socket)
	proc, err := startProcess(cmd, !daemonized, closers)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawnFailed, cmd.Path, err)
	}

	if daemonized {
		proc, err = l.adoptDaemon(ctx, cfg, set, proc)
		if err != nil {
			return nil, err
		}
	}
	if err := lock.WriteOwner(proc.Pid()); err != nil {
		l.kill(proc)
		return nil, err
	}

	attempts, err := l.awaitSocket(ctx, cfg, set, proc)
	if err != nil {
		l.kill(proc)
		return nil, err
	}

	if set.Jailed {
		uid, gid := cfg.Jailer.UID, cfg.Jailer.GID
		if err := prepareFile(set.Log, cfg.TruncateLog, uid, gid); err != nil {
			l.kill(proc)
			return nil, err
		}
		if err := prepareFile(set.Metrics, cfg.TruncateMetrics, uid, gid); err != nil {
			l.kill(proc)
			return nil, err
		}
	}

	l.logger().Info("Hypervisor ready", "id", cfg.ID, "pid", proc.Pid(), "attempts", attempts)
	ok = true
	return &Launched{Process: proc, Lock: lock, Paths: set, Attempts: attempts}, nil
}

// awaitSocket polls until the socket accepts a connection. Every connect
// attempt counts against cfg.SocketRetry; the whole wait is bounded by
// cfg.LaunchTimeout.
func (l *Launcher) awaitSocket(ctx context.Context, cfg domain.HypervisorConfig, set paths.Set, proc *Process) (int, error) {
	deadline := time.NewTimer(cfg.LaunchTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return attempts, fmt.Errorf("launch cancelled: %w", ctx.Err())
		case <-proc.Done():
			status, _ := proc.ExitStatus()
			return attempts, &ExitedError{Status: status}
		case <-deadline.C:
			return attempts, fmt.Errorf("%w: %s not ready after %s", ErrLaunchTimeout, set.Socket, cfg.LaunchTimeout)
		case <-ticker.C:
		}

		if _, err := os.Stat(set.Socket); err != nil {
			continue
		}

		attempts++
		dialCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
		conn, err := l.dial()(dialCtx, set.Socket)
		cancel()
		if err == nil {
			conn.Close()
			return attempts, nil
		}

		l.logger().Debug("Control socket not ready", "id", cfg.ID, "attempt", attempts, "error", err)
		if attempts >= cfg.SocketRetry {
			return attempts, fmt.Errorf("%w: %d connect attempts to %s failed: %v", ErrLaunchTimeout, attempts, set.Socket, err)
		}
	}
}

// adoptDaemon waits for a daemonizing jailer to exit and takes over the
// Firecracker pid it leaves behind.
func (l *Launcher) adoptDaemon(ctx context.Context, cfg domain.HypervisorConfig, set paths.Set, jailer *Process) (*Process, error) {
	waitCtx, cancel := context.WithTimeout(ctx, cfg.LaunchTimeout)
	defer cancel()

	status, err := jailer.Wait(waitCtx)
	if err != nil {
		l.kill(jailer)
		return nil, fmt.Errorf("%w: jailer did not detach: %v", ErrLaunchTimeout, err)
	}
	if !status.Success() {
		return nil, &ExitedError{Status: status}
	}

	pid, err := ReadOwner(pidFile(cfg, set))
	if err != nil {
		l.reapDetached(ctx, cfg, 0)
		return nil, fmt.Errorf("%w: read jailer pid file: %v", ErrSpawnFailed, err)
	}
	proc, err := adoptProcess(pid, cfg.PollInterval)
	if err != nil {
		l.reapDetached(ctx, cfg, pid)
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	return proc, nil
}

// reapDetached kills the Firecracker a daemonized jailer left behind when
// it cannot be adopted. With pid unknown the process table is searched for
// this instance's hypervisor.
func (l *Launcher) reapDetached(ctx context.Context, cfg domain.HypervisorConfig, pid int) {
	ctx = context.WithoutCancel(ctx)
	exe := filepath.Base(cfg.FirecrackerBin)

	var candidates []*process.Process
	if pid > 0 {
		if p, err := process.NewProcessWithContext(ctx, int32(pid)); err == nil {
			candidates = append(candidates, p)
		}
	} else {
		procs, err := process.ProcessesWithContext(ctx)
		if err != nil {
			l.logger().Warn("Failed to list processes", "id", cfg.ID, "error", err)
			return
		}
		for _, p := range procs {
			if args, err := p.CmdlineSliceWithContext(ctx); err == nil && hasFlag(args, "--id", cfg.ID) {
				candidates = append(candidates, p)
			}
		}
	}

	for _, p := range candidates {
		name, err := p.NameWithContext(ctx)
		if err != nil || name != exe {
			continue
		}
		l.logger().Warn("Killing detached hypervisor", "id", cfg.ID, "pid", p.Pid)
		if err := p.KillWithContext(ctx); err != nil {
			l.logger().Error("Failed to kill detached hypervisor", "id", cfg.ID, "pid", p.Pid, "error", err)
		}
	}
}

func hasFlag(args []string, flag, value string) bool {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag && args[i+1] == value {
			return true
		}
	}
	return false
}

// prepareSocket clears a stale socket file left by a crashed instance. A
// socket that still accepts connections is left alone.
func (l *Launcher) prepareSocket(set paths.Set) error {
	if !set.Jailed {
		if err := os.MkdirAll(filepath.Dir(set.Socket), 0o755); err != nil {
			return fmt.Errorf("create socket dir: %w", err)
		}
	}
	if _, err := os.Lstat(set.Socket); err != nil {
		return nil
	}
	if conn, err := net.DialTimeout("unix", set.Socket, 100*time.Millisecond); err == nil {
		conn.Close()
		return nil
	}
	l.logger().Info("Removing stale control socket", "socket", set.Socket)
	if err := os.Remove(set.Socket); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

func (l *Launcher) kill(proc *Process) {
	if err := proc.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, ErrProcessDone) {
		l.logger().Warn("Failed to kill hypervisor", "pid", proc.Pid(), "error", err)
	}
	select {
	case <-proc.Done():
	case <-time.After(killWait):
		l.logger().Error("Hypervisor did not exit after SIGKILL", "pid", proc.Pid())
	}
}

func (l *Launcher) dial() DialFunc {
	if l.Dial == nil {
		return DialUnix
	}
	return l.Dial
}

func (l *Launcher) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l *Launcher) metrics() hermes.Metrics {
	return hermes.OrNoop(l.Metrics)
}

// prepareFile creates path if needed, truncating it when asked, and hands
// it to uid:gid when both are non-negative.
func prepareFile(path string, truncate bool, uid, gid int) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if truncate {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return fmt.Errorf("prepare %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if uid >= 0 && gid >= 0 {
		if err := os.Chown(path, uid, gid); err != nil {
			return fmt.Errorf("chown %s: %w", path, err)
		}
	}
	return nil
}

func openOutput(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create dir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}
