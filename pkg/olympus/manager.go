// Package olympus runs many microVMs on one host. It paces launches and fans
// bulk lifecycle operations out over a bounded number of goroutines.
package olympus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tartarus-sandbox/tartarus-vmm/pkg/domain"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/hermes"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/tartarus"
	"golang.org/x/time/rate"
)

var (
	ErrInstanceNotFound = errors.New("instance not found")
	ErrDuplicateID      = errors.New("instance id already managed")
)

// DefaultConcurrency bounds bulk operations.
const DefaultConcurrency = 8

// Manager tracks the hypervisors it created by id.
type Manager struct {
	Logger  *slog.Logger
	Metrics hermes.Metrics

	// Options are passed to every tartarus.Create.
	Options     []tartarus.Option
	Concurrency int

	limiter *rate.Limiter

	mu        sync.RWMutex
	instances map[string]*tartarus.Hypervisor
}

// NewManager allows launchRate creations per second with the given burst.
// rate.Inf disables pacing.
func NewManager(logger *slog.Logger, metrics hermes.Metrics, launchRate rate.Limit, burst int, opts ...tartarus.Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if burst < 1 {
		burst = 1
	}
	return &Manager{
		Logger:      logger,
		Metrics:     hermes.OrNoop(metrics),
		Options:     opts,
		Concurrency: DefaultConcurrency,
		limiter:     rate.NewLimiter(launchRate, burst),
		instances:   make(map[string]*tartarus.Hypervisor),
	}
}

// Create launches a hypervisor and, when vm is non-nil, configures it. A
// configuration failure tears the instance down again so nothing is left
// half-built.
func (m *Manager) Create(ctx context.Context, cfg domain.HypervisorConfig, vm *domain.MicroVMConfig) (*tartarus.Hypervisor, error) {
	cfg = cfg.WithDefaults()
	if err := m.reserve(cfg.ID); err != nil {
		return nil, err
	}

	hv, err := m.create(ctx, cfg, vm)
	m.mu.Lock()
	if err != nil {
		delete(m.instances, cfg.ID)
	} else {
		m.instances[cfg.ID] = hv
	}
	m.mu.Unlock()

	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Metrics.IncCounter("manager_create_total", 1, hermes.Label{Key: "result", Value: result})
	m.Metrics.SetGauge("manager_instances", float64(m.Len()))
	return hv, err
}

func (m *Manager) create(ctx context.Context, cfg domain.HypervisorConfig, vm *domain.MicroVMConfig) (*tartarus.Hypervisor, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("create %s: %w", cfg.ID, err)
	}

	opts := append([]tartarus.Option{tartarus.WithLogger(m.Logger), tartarus.WithMetrics(m.Metrics)}, m.Options...)
	hv, err := tartarus.Create(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	if vm == nil {
		return hv, nil
	}

	if err := hv.Configure(ctx, *vm); err != nil {
		if cleanErr := hv.DeleteAndClean(context.WithoutCancel(ctx)); cleanErr != nil {
			m.Logger.Warn("Cleanup after failed configure incomplete", "id", cfg.ID, "error", cleanErr)
		}
		return nil, err
	}
	return hv, nil
}

// reserve claims id so concurrent creations of the same id fail fast.
func (m *Manager) reserve(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	m.instances[id] = nil
	return nil
}

func (m *Manager) Get(id string) (*tartarus.Hypervisor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hv := m.instances[id]
	if hv == nil {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return hv, nil
}

// List returns the managed hypervisors ordered by id. Creations still in
// flight are not included.
func (m *Manager) List() []*tartarus.Hypervisor {
	m.mu.RLock()
	out := make([]*tartarus.Hypervisor, 0, len(m.instances))
	for _, hv := range m.instances {
		if hv != nil {
			out = append(out, hv)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, hv := range m.instances {
		if hv != nil {
			n++
		}
	}
	return n
}

// Remove forgets id without touching the instance.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.instances[id] != nil {
		delete(m.instances, id)
	}
}
