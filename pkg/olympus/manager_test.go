package olympus

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/domain"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/fctest"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/hades"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/hermes"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/tartarus"
	"golang.org/x/time/rate"
)

type fixture struct {
	dir     string
	bin     string
	servers map[string]*fctest.Server
}

func newFixture(t *testing.T) *fixture {
	dir := fctest.TempDir(t)
	return &fixture{
		dir:     dir,
		bin:     fctest.WriteBinary(t, dir, "firecracker", fctest.Sleeper),
		servers: make(map[string]*fctest.Server),
	}
}

func (f *fixture) config(t *testing.T, id string) domain.HypervisorConfig {
	f.servers[id] = fctest.NewServer(t, filepath.Join(f.dir, "firecracker-"+id+".socket"))
	return domain.HypervisorConfig{
		ID:             id,
		RunDir:         f.dir,
		FirecrackerBin: f.bin,
		LaunchTimeout:  2 * time.Second,
		RetryBackoff:   5 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		StopTimeout:    50 * time.Millisecond,
		GracePeriod:    500 * time.Millisecond,
	}
}

func vmConfig() *domain.MicroVMConfig {
	return &domain.MicroVMConfig{
		MachineConfig: &models.MachineConfiguration{
			VcpuCount:  firecracker.Int64(1),
			MemSizeMib: firecracker.Int64(64),
		},
		BootSource: &models.BootSource{KernelImagePath: firecracker.String("/images/vmlinux")},
	}
}

func newTestManager(t *testing.T, opts ...tartarus.Option) *Manager {
	m := NewManager(nil, hermes.NewMemoryMetrics(), rate.Inf, 1, opts...)
	t.Cleanup(func() { m.DeleteAll(context.Background(), true) })
	return m
}

func TestManagerLifecycle(t *testing.T) {
	f := newFixture(t)
	reg := hades.NewMemoryRegistry()
	m := newTestManager(t, tartarus.WithRegistry(reg))
	ctx := context.Background()

	for _, id := range []string{"vm-b", "vm-a", "vm-c"} {
		hv, err := m.Create(ctx, f.config(t, id), vmConfig())
		require.NoError(t, err)
		assert.Equal(t, domain.StateConfigured, hv.State())
	}

	var ids []string
	for _, hv := range m.List() {
		ids = append(ids, hv.ID())
	}
	assert.Equal(t, []string{"vm-a", "vm-b", "vm-c"}, ids)

	require.NoError(t, m.StartAll(ctx))
	for id, srv := range f.servers {
		assert.Equal(t, fctest.StateRunning, srv.State(), id)
	}

	require.NoError(t, m.StopAll(ctx))
	for _, hv := range m.List() {
		assert.Equal(t, domain.StateStopped, hv.State())
	}

	records, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 3)

	require.NoError(t, m.DeleteAll(ctx, false))
	assert.Empty(t, m.List())
	records, err = reg.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestManagerGet(t *testing.T) {
	f := newFixture(t)
	m := newTestManager(t)

	hv, err := m.Create(context.Background(), f.config(t, "vm-1"), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCreated, hv.State())

	got, err := m.Get("vm-1")
	require.NoError(t, err)
	assert.Same(t, hv, got)

	_, err = m.Get("vm-2")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestManagerRejectsDuplicateID(t *testing.T) {
	f := newFixture(t)
	m := newTestManager(t)
	cfg := f.config(t, "vm-1")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
		oks  int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Create(context.Background(), cfg, nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			oks++
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, oks)
	require.Len(t, errs, 3)
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrDuplicateID)
	}
	assert.Equal(t, 1, m.Len())
}

func TestManagerConfigureFailureCleansUp(t *testing.T) {
	f := newFixture(t)
	m := newTestManager(t)
	cfg := f.config(t, "vm-bad")
	f.servers["vm-bad"].Fail(http.MethodPut, "/machine-config", http.StatusBadRequest, "invalid vcpu count")

	_, err := m.Create(context.Background(), cfg, vmConfig())
	require.Error(t, err)
	assert.Zero(t, m.Len())

	_, err = m.Get("vm-bad")
	assert.ErrorIs(t, err, ErrInstanceNotFound)

	// Cleanup removed the socket, so a fresh control plane takes its place.
	hv, err := m.Create(context.Background(), f.config(t, "vm-bad"), vmConfig())
	require.NoError(t, err, "id must be reusable after a failed create")
	assert.Equal(t, domain.StateConfigured, hv.State())
}

func TestManagerRateLimit(t *testing.T) {
	f := newFixture(t)
	m := NewManager(nil, nil, rate.Every(100*time.Millisecond), 1)
	t.Cleanup(func() { m.DeleteAll(context.Background(), true) })

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := m.Create(context.Background(), f.config(t, fmt.Sprintf("vm-%d", i)), nil)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Create(ctx, f.config(t, "vm-late"), nil)
	assert.Error(t, err)
	assert.Equal(t, 3, m.Len())
}

func TestDeleteAllClean(t *testing.T) {
	f := newFixture(t)
	m := newTestManager(t)
	ctx := context.Background()

	for _, id := range []string{"vm-1", "vm-2"} {
		_, err := m.Create(ctx, f.config(t, id), vmConfig())
		require.NoError(t, err)
	}
	require.NoError(t, m.StartAll(ctx))

	require.NoError(t, m.DeleteAll(ctx, true))
	assert.Zero(t, m.Len())
	assert.NoError(t, m.StopAll(ctx))
}
