package paths

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/domain"
)

func TestDeriveDirect(t *testing.T) {
	cfg := domain.HypervisorConfig{ID: "vm-1", RunDir: "/run/vmm", LogPath: "/var/log/vm-1.log"}.WithDefaults()

	s, err := Derive(cfg)
	require.NoError(t, err)

	assert.False(t, s.Jailed)
	assert.Equal(t, "/run/vmm/firecracker-vm-1.socket", s.Socket)
	assert.Equal(t, s.Socket, s.SocketArg)
	assert.Equal(t, "/run/vmm/firecracker-vm-1.lock", s.Lock)
	assert.Equal(t, "/var/log/vm-1.log", s.Log)
	assert.Equal(t, s.Log, s.LogArg)
	assert.Empty(t, s.Metrics)
	assert.Empty(t, s.JailRoot)
}

func TestDeriveDeterministic(t *testing.T) {
	cfg := domain.HypervisorConfig{ID: "vm-1", RunDir: "/run/vmm"}.WithDefaults()
	a, err := Derive(cfg)
	require.NoError(t, err)
	b, err := Derive(cfg)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDeriveExplicitPaths(t *testing.T) {
	cfg := domain.HypervisorConfig{
		ID:         "vm-2",
		SocketPath: "/tmp/api.sock",
		LockPath:   "/tmp/api.lock",
	}.WithDefaults()

	s, err := Derive(cfg)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/api.sock", s.Socket)
	assert.Equal(t, "/tmp/api.lock", s.Lock)
}

func TestDeriveJailed(t *testing.T) {
	cfg := domain.HypervisorConfig{
		ID:             "vm-3",
		RunDir:         "/run/vmm",
		UseJailer:      true,
		FirecrackerBin: "/usr/local/bin/firecracker",
		LogPath:        "logs/fc.log",
		MetricsPath:    "/metrics/fc.metrics",
		Jailer:         domain.JailerConfig{ChrootBaseDir: "/srv/jailer"},
	}.WithDefaults()

	s, err := Derive(cfg)
	require.NoError(t, err)

	assert.True(t, s.Jailed)
	assert.Equal(t, "/srv/jailer/firecracker/vm-3", s.JailDir)
	assert.Equal(t, "/srv/jailer/firecracker/vm-3/root", s.JailRoot)
	assert.Equal(t, "/run/firecracker.socket", s.SocketArg)
	assert.Equal(t, "/srv/jailer/firecracker/vm-3/root/run/firecracker.socket", s.Socket)
	assert.Equal(t, "/logs/fc.log", s.LogArg)
	assert.Equal(t, "/srv/jailer/firecracker/vm-3/root/logs/fc.log", s.Log)
	assert.Equal(t, "/srv/jailer/firecracker/vm-3/root/metrics/fc.metrics", s.Metrics)
	assert.Equal(t, "/run/vmm/firecracker-vm-3.lock", s.Lock)

	assert.Equal(t, "/kernel", s.JailPath("/srv/jailer/firecracker/vm-3/root/kernel"))
	assert.Equal(t, "/elsewhere/kernel", s.JailPath("/elsewhere/kernel"))
}

func TestDeriveRejects(t *testing.T) {
	_, err := Derive(domain.HypervisorConfig{ID: "bad/id", RunDir: "/run"})
	assert.ErrorIs(t, err, domain.ErrInvalidID)

	_, err = Derive(domain.HypervisorConfig{ID: "vm-1"})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	long := domain.HypervisorConfig{ID: "vm-1", RunDir: "/" + strings.Repeat("d", 120)}
	_, err = Derive(long)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}
