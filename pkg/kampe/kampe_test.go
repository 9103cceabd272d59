package kampe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/domain"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/fctest"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/hermes"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/paths"
)

func testConfig(t *testing.T, script string) (domain.HypervisorConfig, paths.Set) {
	t.Helper()
	dir := fctest.TempDir(t)
	cfg := domain.HypervisorConfig{
		ID:             "vm-1",
		RunDir:         dir,
		FirecrackerBin: fctest.WriteBinary(t, dir, "firecracker", script),
		LaunchTimeout:  2 * time.Second,
		SocketRetry:    3,
		PollInterval:   5 * time.Millisecond,
	}.WithDefaults()

	set, err := paths.Derive(cfg)
	require.NoError(t, err)
	return cfg, set
}

func cleanup(t *testing.T, l *Launched) {
	t.Helper()
	l.Process.Signal(syscall.SIGKILL)
	<-l.Process.Done()
	require.NoError(t, l.Lock.Release())
}

func TestAcquireLockExclusive(t *testing.T) {
	path := filepath.Join(fctest.TempDir(t), "vm.lock")

	first, err := AcquireLock(path)
	require.NoError(t, err)
	assert.True(t, first.Held())

	_, err = AcquireLock(path)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	pid, err := ReadOwner(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, first.Release())
	require.NoError(t, first.Release())
	assert.False(t, first.Held())

	again, err := AcquireLock(path)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestBuildCommandDirect(t *testing.T) {
	cfg := domain.HypervisorConfig{
		ID:             "vm-1",
		RunDir:         "/run/vmm",
		FirecrackerBin: "/usr/bin/firecracker",
		NoSeccomp:      true,
		ConfigFile:     "/etc/vm.json",
	}.WithDefaults()
	set, err := paths.Derive(cfg)
	require.NoError(t, err)

	cmd := BuildCommand(cfg, set)
	assert.Equal(t, "/usr/bin/firecracker", cmd.Path)
	assert.Subset(t, cmd.Args, []string{"--api-sock", "/run/vmm/firecracker-vm-1.socket", "--id", "vm-1", "--no-seccomp", "--config-file", "/etc/vm.json"})
	assert.Equal(t, "/run/vmm/firecracker-vm-1.socket", argAfter(cmd.Args, "--api-sock"))
	assert.Equal(t, "vm-1", argAfter(cmd.Args, "--id"))
}

func TestJailerArgs(t *testing.T) {
	node := 0
	sysNodeDir = t.TempDir()

	cfg := domain.HypervisorConfig{
		ID:             "vm-1",
		RunDir:         "/run/vmm",
		FirecrackerBin: "/usr/bin/firecracker",
		UseJailer:      true,
		SeccompFilter:  "/etc/filter.bpf",
		Jailer: domain.JailerConfig{
			JailerBin:      "/usr/bin/jailer",
			UID:            123,
			GID:            100,
			ChrootBaseDir:  "/srv/jailer",
			NumaNode:       &node,
			NetNS:          "/var/run/netns/vm-1",
			Daemonize:      true,
			CgroupVersion:  "2",
			ResourceLimits: map[string]uint64{"no-file": 1024},
		},
	}.WithDefaults()
	set, err := paths.Derive(cfg)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"--id", "vm-1",
		"--exec-file", "/usr/bin/firecracker",
		"--uid", "123",
		"--gid", "100",
		"--chroot-base-dir", "/srv/jailer",
		"--cgroup-version", "2",
		"--cgroup", "cpuset.mems=0",
		"--resource-limit", "no-file=1024",
		"--netns", "/var/run/netns/vm-1",
		"--daemonize",
		"--",
		"--api-sock", "/run/firecracker.socket",
		"--seccomp-filter", "/etc/filter.bpf",
	}, JailerArgs(cfg, set))

	cmd := BuildCommand(cfg, set)
	assert.Equal(t, "/usr/bin/jailer", cmd.Path)
	assert.Equal(t, "/srv/jailer/firecracker/vm-1/root/firecracker.pid", pidFile(cfg, set))
}

func TestNumaCgroupsReadsCPUList(t *testing.T) {
	sysNodeDir = t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(sysNodeDir, "node1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sysNodeDir, "node1", "cpulist"), []byte("8-15\n"), 0o644))

	assert.Equal(t, []string{"cpuset.mems=1", "cpuset.cpus=8-15"}, numaCgroups(1))
}

func TestLaunchReady(t *testing.T) {
	cfg, set := testConfig(t, fctest.Sleeper)
	fctest.NewServer(t, set.Socket)
	metrics := hermes.NewMemoryMetrics()

	l := NewLauncher(nil, metrics)
	launched, err := l.Launch(context.Background(), cfg, set)
	require.NoError(t, err)
	defer cleanup(t, launched)

	assert.Equal(t, 1, launched.Attempts)
	assert.True(t, launched.Process.Alive())
	assert.True(t, launched.Lock.Held())

	pid, err := ReadOwner(set.Lock)
	require.NoError(t, err)
	assert.Equal(t, launched.Process.Pid(), pid)
	assert.Equal(t, float64(1), metrics.Counter("launch_total{mode=direct,result=ok}"))
}

func flakyDial(failures int) (DialFunc, *int32) {
	var calls int32
	return func(ctx context.Context, path string) (net.Conn, error) {
		if atomic.AddInt32(&calls, 1) <= int32(failures) {
			return nil, syscall.ECONNREFUSED
		}
		return DialUnix(ctx, path)
	}, &calls
}

func TestLaunchRetryBudget(t *testing.T) {
	t.Run("budget covers failures", func(t *testing.T) {
		cfg, set := testConfig(t, fctest.Sleeper)
		cfg.SocketRetry = 5
		fctest.NewServer(t, set.Socket)

		dial, calls := flakyDial(3)
		l := &Launcher{Dial: dial}
		launched, err := l.Launch(context.Background(), cfg, set)
		require.NoError(t, err)
		defer cleanup(t, launched)

		assert.Equal(t, 4, launched.Attempts)
		assert.Equal(t, int32(4), atomic.LoadInt32(calls))
	})

	t.Run("budget exhausted", func(t *testing.T) {
		cfg, set := testConfig(t, fctest.Sleeper)
		cfg.SocketRetry = 2
		fctest.NewServer(t, set.Socket)

		dial, calls := flakyDial(3)
		l := &Launcher{Dial: dial}
		_, err := l.Launch(context.Background(), cfg, set)
		require.ErrorIs(t, err, ErrLaunchTimeout)
		assert.Equal(t, int32(2), atomic.LoadInt32(calls))

		lock, err := AcquireLock(set.Lock)
		require.NoError(t, err, "lock must be released after a failed launch")
		lock.Release()
	})
}

func TestLaunchProcessExited(t *testing.T) {
	cfg, set := testConfig(t, fctest.Exiting(3))

	_, err := NewLauncher(nil, nil).Launch(context.Background(), cfg, set)
	var exited *ExitedError
	require.ErrorAs(t, err, &exited)
	assert.Equal(t, 3, exited.Status.Code)
}

// exited reports whether pid is gone or only left as a zombie.
func exited(pid int) bool {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return true
	}
	status, err := p.Status()
	return err != nil || slices.Contains(status, process.Zombie)
}

func TestDaemonWithoutPidFileIsKilled(t *testing.T) {
	dir := fctest.TempDir(t)
	fc := fctest.WriteBinary(t, dir, "firecracker", fctest.Sleeper)
	spawned := filepath.Join(dir, "spawned.pid")
	// The jailer detaches a hypervisor but never writes its pid file.
	jailer := fctest.WriteBinary(t, dir, "jailer", fmt.Sprintf(
		"#!/bin/sh\n%s --id vm-detached >/dev/null 2>&1 &\necho $! > %s\nsleep 0.2\nexit 0\n", fc, spawned))

	cfg := domain.HypervisorConfig{
		ID:             "vm-detached",
		RunDir:         dir,
		FirecrackerBin: fc,
		UseJailer:      true,
		LaunchTimeout:  2 * time.Second,
		PollInterval:   5 * time.Millisecond,
		Jailer: domain.JailerConfig{
			JailerBin:     jailer,
			UID:           os.Getuid(),
			GID:           os.Getgid(),
			ChrootBaseDir: filepath.Join(dir, "jail"),
			Daemonize:     true,
		},
	}.WithDefaults()
	set, err := paths.Derive(cfg)
	require.NoError(t, err)

	_, err = NewLauncher(nil, nil).Launch(context.Background(), cfg, set)
	require.ErrorIs(t, err, ErrSpawnFailed)

	pid, err := ReadOwner(spawned)
	require.NoError(t, err)
	t.Cleanup(func() { syscall.Kill(pid, syscall.SIGKILL) })
	assert.Eventually(t, func() bool { return exited(pid) }, 2*time.Second, 20*time.Millisecond)

	lock, err := AcquireLock(set.Lock)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}

func TestHasFlag(t *testing.T) {
	args := []string{"/bin/sh", "/usr/bin/firecracker", "--id", "vm-1", "--api-sock", "/run/fc.sock"}
	assert.True(t, hasFlag(args, "--id", "vm-1"))
	assert.False(t, hasFlag(args, "--id", "vm-2"))
	assert.False(t, hasFlag([]string{"--id"}, "--id", "vm-1"))
}

func TestLaunchTimeoutKillsProcess(t *testing.T) {
	cfg, set := testConfig(t, fctest.Sleeper)
	cfg.LaunchTimeout = 150 * time.Millisecond

	owner := make(chan int, 1)
	l := &Launcher{Dial: func(ctx context.Context, path string) (net.Conn, error) {
		return nil, errors.New("unreachable")
	}}
	go func() {
		for {
			if pid, err := ReadOwner(set.Lock); err == nil && pid != os.Getpid() {
				owner <- pid
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	_, err := l.Launch(context.Background(), cfg, set)
	require.ErrorIs(t, err, ErrLaunchTimeout)

	pid := <-owner
	assert.Eventually(t, func() bool {
		return syscall.Kill(pid, 0) != nil
	}, 2*time.Second, 10*time.Millisecond, "spawned process must not outlive a failed launch")
}

func TestLaunchCancelled(t *testing.T) {
	cfg, set := testConfig(t, fctest.Sleeper)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := NewLauncher(nil, nil).Launch(ctx, cfg, set)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	lock, err := AcquireLock(set.Lock)
	require.NoError(t, err)
	lock.Release()
}

func TestLaunchConcurrentSameID(t *testing.T) {
	cfg, set := testConfig(t, fctest.Sleeper)
	fctest.NewServer(t, set.Socket)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		launched []*Launched
		errs     []error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := NewLauncher(nil, nil).Launch(context.Background(), cfg, set)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			launched = append(launched, res)
		}()
	}
	wg.Wait()

	require.Len(t, launched, 1)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrAlreadyRunning)
	cleanup(t, launched[0])
}

func TestLaunchPreparesLogFiles(t *testing.T) {
	cfg, set := testConfig(t, fctest.Sleeper)
	cfg.LogPath = filepath.Join(cfg.RunDir, "logs", "fc.log")
	cfg.MetricsPath = filepath.Join(cfg.RunDir, "logs", "fc.metrics")
	cfg.TruncateLog = true
	set, err := paths.Derive(cfg)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Dir(set.Log), 0o755))
	require.NoError(t, os.WriteFile(set.Log, []byte("old log"), 0o600))
	require.NoError(t, os.WriteFile(set.Metrics, []byte("old metrics"), 0o600))
	fctest.NewServer(t, set.Socket)

	launched, err := NewLauncher(nil, nil).Launch(context.Background(), cfg, set)
	require.NoError(t, err)
	defer cleanup(t, launched)

	logData, err := os.ReadFile(set.Log)
	require.NoError(t, err)
	assert.Empty(t, logData)

	metricsData, err := os.ReadFile(set.Metrics)
	require.NoError(t, err)
	assert.Equal(t, "old metrics", string(metricsData))
}

func TestLaunchRemovesStaleSocket(t *testing.T) {
	cfg, set := testConfig(t, fctest.Sleeper)
	cfg.LaunchTimeout = 100 * time.Millisecond
	require.NoError(t, os.WriteFile(set.Socket, nil, 0o600))

	_, err := NewLauncher(nil, nil).Launch(context.Background(), cfg, set)
	require.ErrorIs(t, err, ErrLaunchTimeout)

	_, statErr := os.Stat(set.Socket)
	assert.True(t, os.IsNotExist(statErr))
}

func TestProcessWaitAndSignal(t *testing.T) {
	cfg, set := testConfig(t, fctest.Sleeper)
	fctest.NewServer(t, set.Socket)

	launched, err := NewLauncher(nil, nil).Launch(context.Background(), cfg, set)
	require.NoError(t, err)
	defer launched.Lock.Release()

	proc := launched.Process
	_, done := proc.ExitStatus()
	assert.False(t, done)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	_, err = proc.Wait(ctx)
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Give the script time to install its TERM trap.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, proc.Signal(syscall.SIGTERM))
	status, err := proc.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Success(), status.String())
	assert.False(t, proc.Alive())
	assert.ErrorIs(t, proc.Signal(syscall.SIGTERM), ErrProcessDone)
}

func argAfter(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}
