package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/charon"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/config"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/domain"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/fctest"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/hades"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/hermes"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/nyx"
)

// resetCLI puts every flag and the shared viper back to their defaults so
// commands do not leak state into each other.
func resetCLI(t *testing.T) {
	t.Helper()
	var reset func(c *cobra.Command)
	reset = func(c *cobra.Command) {
		for _, fs := range []*pflag.FlagSet{c.Flags(), c.PersistentFlags()} {
			fs.VisitAll(func(f *pflag.Flag) {
				f.Value.Set(f.DefValue)
				f.Changed = false
			})
		}
		for _, sub := range c.Commands() {
			reset(sub)
		}
	}
	reset(rootCmd)

	v = config.NewViper()
	bindFlags(v)
	metrics = hermes.NewNoopMetrics()
	t.Setenv("HOME", t.TempDir())
}

func executeCommand(t *testing.T, args ...string) (string, error) {
	return executeCommandContext(t, context.Background(), args...)
}

func executeCommandContext(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	resetCLI(t)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	// Logs go to stderr; keep them out of the parsed output.
	rootCmd.SetErr(new(bytes.Buffer))
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	return buf.String(), err
}

func TestConfigView(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hypervisor:\n  run_dir: /custom/run\n  stop_timeout: 7s\n"), 0o600))
	t.Setenv("TARTARUS_VMM_REGISTRY_REDIS_PASSWORD", "hunter2")

	output, err := executeCommand(t, "--config", path, "config", "view")
	require.NoError(t, err)
	assert.Contains(t, output, "run_dir: /custom/run")
	assert.Contains(t, output, "stop_timeout: 7s")
	assert.NotContains(t, output, "hunter2")

	output, err = executeCommand(t, "--config", path, "config", "get", "hypervisor.run_dir")
	require.NoError(t, err)
	assert.Contains(t, output, "/custom/run")
}

func TestInvalidLogLevel(t *testing.T) {
	_, err := executeCommand(t, "--log-level", "loud", "config", "view")
	assert.ErrorContains(t, err, "invalid log level")
}

func TestAPICommands(t *testing.T) {
	dir := fctest.TempDir(t)
	srv := fctest.NewServer(t, filepath.Join(dir, "firecracker-vm-1.socket"))

	output, err := executeCommand(t, "api", "--socket", srv.SocketPath, "describe", "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, output, fctest.StateNotStarted)

	output, err = executeCommand(t, "--run-dir", dir, "api", "--id", "vm-1", "version")
	require.NoError(t, err)
	assert.Contains(t, output, "1.7.0")

	_, err = executeCommand(t, "api", "--socket", srv.SocketPath, "pause")
	var apiErr *charon.APIError
	require.ErrorAs(t, err, &apiErr)

	output, err = executeCommand(t, "api", "--socket", srv.SocketPath, "ctrl-alt-del")
	require.NoError(t, err)
	assert.Contains(t, output, "Shutdown requested")

	output, err = executeCommand(t, "api", "--socket", srv.SocketPath, "metadata", `{"role":"db"}`, "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, output, `"role": "db"`)

	_, err = executeCommand(t, "api", "version")
	assert.ErrorContains(t, err, "--socket or --id")
}

func TestPsFromLocks(t *testing.T) {
	dir := t.TempDir()
	lock := filepath.Join(dir, "firecracker-vm-9.lock")
	require.NoError(t, os.WriteFile(lock, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600))

	output, err := executeCommand(t, "--run-dir", dir, "ps", "-o", "json")
	require.NoError(t, err)

	var entries []psEntry
	require.NoError(t, json.Unmarshal([]byte(output), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "vm-9", entries[0].ID)
	assert.Equal(t, os.Getpid(), entries[0].Pid)
	assert.True(t, entries[0].Alive)
}

func TestPsFromRegistry(t *testing.T) {
	mr := miniredis.RunT(t)
	reg, err := hades.NewRedisRegistry(mr.Addr(), 0, "")
	require.NoError(t, err)
	defer reg.Close()
	require.NoError(t, reg.Put(context.Background(), hades.Record{
		ID:        "vm-r",
		State:     domain.StateRunning,
		Pid:       os.Getpid(),
		UpdatedAt: time.Now().UTC(),
	}))

	t.Setenv("TARTARUS_VMM_REGISTRY_REDIS_ADDR", mr.Addr())
	output, err := executeCommand(t, "ps", "-o", "table")
	require.NoError(t, err)
	assert.Contains(t, output, "vm-r")
	assert.Contains(t, output, "Running")
}

func TestReconcileEmpty(t *testing.T) {
	output, err := executeCommand(t, "--run-dir", t.TempDir(), "reconcile", "-o", "table")
	require.NoError(t, err)
	assert.Contains(t, output, "No orphaned instances")
}

func TestSnapshotArchiveRoundTrip(t *testing.T) {
	dir := fctest.TempDir(t)
	srv := fctest.NewServer(t, filepath.Join(dir, "fc.socket"))
	c := charon.New(srv.SocketPath)
	defer c.Close()
	require.NoError(t, c.Action(context.Background(), charon.ActionInstanceStart))
	require.NoError(t, c.PatchVM(context.Background(), charon.VMStatePaused))

	t.Setenv("TARTARUS_VMM_ARCHIVE_LOCAL_PATH", filepath.Join(dir, "archive"))
	statePath, memPath := filepath.Join(dir, "vm.state"), filepath.Join(dir, "vm.mem")

	output, err := executeCommand(t, "snapshot", "create", "--socket", srv.SocketPath, "--id", "vm-s",
		"--state", statePath, "--mem", memPath, "--push")
	require.NoError(t, err)
	assert.Contains(t, output, "Archived as snapshots/vm-s/")

	output, err = executeCommand(t, "snapshot", "list", "vm-s", "-o", "json")
	require.NoError(t, err)
	var manifests []nyx.Manifest
	require.NoError(t, json.Unmarshal([]byte(output), &manifests))
	require.Len(t, manifests, 1)
	key := manifests[0].Key

	pulled := filepath.Join(dir, "pulled")
	output, err = executeCommand(t, "snapshot", "pull", key, "--dir", pulled, "-o", "table")
	require.NoError(t, err)
	assert.Contains(t, output, pulled)
	assert.FileExists(t, filepath.Join(pulled, "vm.state"))

	_, err = executeCommand(t, "snapshot", "delete", key)
	require.NoError(t, err)
	output, err = executeCommand(t, "snapshot", "list", "vm-s", "-o", "json")
	require.NoError(t, err)
	manifests = nil
	require.NoError(t, json.Unmarshal([]byte(output), &manifests))
	assert.Empty(t, manifests)

	_, err = executeCommand(t, "snapshot", "create", "--socket", srv.SocketPath, "--state", statePath, "--mem", memPath, "--type", "Half")
	assert.ErrorContains(t, err, "snapshot type")
}

func TestRunSupervisesUntilCancelled(t *testing.T) {
	dir := fctest.TempDir(t)
	srv := fctest.NewServer(t, filepath.Join(dir, "firecracker-vm-run.socket"))
	vmPath := filepath.Join(dir, "vm.json")
	require.NoError(t, os.WriteFile(vmPath, []byte(`{
		"boot-source": {"kernel_image_path": "/images/vmlinux"},
		"machine-config": {"vcpu_count": 1, "mem_size_mib": 64}
	}`), 0o600))

	t.Setenv("TARTARUS_VMM_HYPERVISOR_FIRECRACKER_BIN", fctest.WriteBinary(t, dir, "firecracker", fctest.Sleeper))
	t.Setenv("TARTARUS_VMM_HYPERVISOR_STOP_TIMEOUT", "100ms")
	t.Setenv("TARTARUS_VMM_HYPERVISOR_GRACE_PERIOD", "500ms")
	t.Setenv("TARTARUS_VMM_HYPERVISOR_POLL_INTERVAL", "5ms")

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	output, err := executeCommandContext(t, ctx, "--run-dir", dir, "run", "--id", "vm-run", "--vm", vmPath, "--check-taps=false")
	require.NoError(t, err)

	assert.Contains(t, output, "Instance vm-run running")
	assert.Contains(t, output, "Instance vm-run deleted")
	assert.Equal(t, fctest.StateRunning, srv.State())
	assert.Contains(t, srv.Calls(), "PUT /machine-config")
	assert.NoFileExists(t, filepath.Join(dir, "firecracker-vm-run.lock"))
}

func TestRunRestoreRemovesPulledFiles(t *testing.T) {
	dir := fctest.TempDir(t)
	src := fctest.NewServer(t, filepath.Join(dir, "src.socket"))
	c := charon.New(src.SocketPath)
	defer c.Close()
	require.NoError(t, c.Action(context.Background(), charon.ActionInstanceStart))
	require.NoError(t, c.PatchVM(context.Background(), charon.VMStatePaused))

	t.Setenv("TARTARUS_VMM_ARCHIVE_LOCAL_PATH", filepath.Join(dir, "archive"))
	_, err := executeCommand(t, "snapshot", "create", "--socket", src.SocketPath, "--id", "vm-r",
		"--state", filepath.Join(dir, "vm.state"), "--mem", filepath.Join(dir, "vm.mem"), "--push")
	require.NoError(t, err)
	output, err := executeCommand(t, "snapshot", "list", "vm-r", "-o", "json")
	require.NoError(t, err)
	var manifests []nyx.Manifest
	require.NoError(t, json.Unmarshal([]byte(output), &manifests))
	require.Len(t, manifests, 1)

	srv := fctest.NewServer(t, filepath.Join(dir, "firecracker-vm-restore.socket"))
	t.Setenv("TARTARUS_VMM_HYPERVISOR_FIRECRACKER_BIN", fctest.WriteBinary(t, dir, "firecracker", fctest.Sleeper))
	t.Setenv("TARTARUS_VMM_HYPERVISOR_STOP_TIMEOUT", "100ms")
	t.Setenv("TARTARUS_VMM_HYPERVISOR_GRACE_PERIOD", "500ms")
	t.Setenv("TARTARUS_VMM_HYPERVISOR_POLL_INTERVAL", "5ms")

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	output, err = executeCommandContext(t, ctx, "--run-dir", dir, "run", "--id", "vm-restore",
		"--restore", manifests[0].Key, "--check-taps=false")
	require.NoError(t, err)

	assert.Contains(t, output, "Instance vm-restore running")
	assert.Contains(t, srv.Calls(), "PUT /snapshot/load")
	assert.NoDirExists(t, filepath.Join(dir, "vm-restore-restore"))
}

func TestRunRequiresGuestSource(t *testing.T) {
	_, err := executeCommand(t, "run", "--id", "vm-x")
	assert.Error(t, err)
}
