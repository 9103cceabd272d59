// Package tartarus holds one Firecracker microVM: it owns the hypervisor
// process, drives it through its lifecycle and guarantees nothing escapes
// when it is deleted.
package tartarus

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/google/uuid"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/charon"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/domain"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/hades"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/hecatoncheir"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/hermes"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/kampe"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/paths"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/styx"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/thanatos"
)

// keep marks an operation that does not change state.
const keep = domain.StateUnknown

// Hypervisor controls one microVM. Its methods are safe for concurrent use
// but lifecycle operations run one at a time. Wait, Status, Watch and State
// never block behind a running operation.
type Hypervisor struct {
	cfg      domain.HypervisorConfig
	paths    paths.Set
	logger   *slog.Logger
	metrics  hermes.Metrics
	registry hades.Registry
	archive  Archiver
	links    styx.Links

	api    *charon.Client
	proc   *kampe.Process
	lock   *kampe.Lock
	stager *hecatoncheir.Stager
	reaper *thanatos.Reaper

	mu sync.Mutex

	stateMu    sync.RWMutex
	state      domain.State
	vm         domain.MicroVMConfig
	snapshots  []domain.SnapshotRecord
	cleanupErr error
}

// Create launches the hypervisor for cfg and returns it in state Created.
// Nothing is left running or locked when Create fails.
func Create(ctx context.Context, cfg domain.HypervisorConfig, opts ...Option) (*Hypervisor, error) {
	o := options{logger: slog.Default(), metrics: hermes.NewNoopMetrics()}
	for _, opt := range opts {
		opt(&o)
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	set, err := paths.Derive(cfg)
	if err != nil {
		return nil, err
	}
	logger := o.logger.With("id", cfg.ID)

	launcher := kampe.NewLauncher(logger, o.metrics)
	if o.dial != nil {
		launcher.Dial = o.dial
	}
	launched, err := launcher.Launch(ctx, cfg, set)
	if err != nil {
		o.metrics.IncCounter("operations_total", 1, hermes.Label{Key: "op", Value: "create"}, hermes.Label{Key: "result", Value: "error"})
		return nil, fmt.Errorf("create %s: %w", cfg.ID, err)
	}

	clientOpts := []charon.Option{
		charon.WithRetry(cfg.SocketRetry, cfg.RetryBackoff),
		charon.WithRequestTimeout(cfg.RequestTimeout),
		charon.WithLogger(logger),
		charon.WithMetrics(o.metrics),
	}
	if o.dial != nil {
		clientOpts = append(clientOpts, charon.WithDialer(o.dial))
	}

	reaper := thanatos.NewReaper(logger, o.metrics, cfg.GracePeriod)
	reaper.Links = o.links

	h := &Hypervisor{
		cfg:      cfg,
		paths:    set,
		logger:   logger,
		metrics:  o.metrics,
		registry: o.registry,
		archive:  o.archive,
		links:    o.links,
		api:      charon.New(set.Socket, clientOpts...),
		proc:     launched.Process,
		lock:     launched.Lock,
		reaper:   reaper,
		state:    domain.StateCreated,
	}
	if set.Jailed {
		h.stager = hecatoncheir.NewStager(set.JailRoot, cfg.Jailer.UID, cfg.Jailer.GID, logger)
	}

	h.published(ctx)
	h.metrics.IncCounter("operations_total", 1, hermes.Label{Key: "op", Value: "create"}, hermes.Label{Key: "result", Value: "ok"})
	logger.Info("Hypervisor created", "pid", h.proc.Pid(), "socket", set.Socket, "jailed", set.Jailed, "attempts", launched.Attempts)
	return h, nil
}

func (h *Hypervisor) ID() string {
	return h.cfg.ID
}

func (h *Hypervisor) Config() domain.HypervisorConfig {
	return h.cfg
}

func (h *Hypervisor) Paths() paths.Set {
	return h.paths
}

func (h *Hypervisor) Pid() int {
	return h.proc.Pid()
}

func (h *Hypervisor) State() domain.State {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	return h.state
}

// Snapshots returns the snapshots taken by this instance, oldest first.
func (h *Hypervisor) Snapshots() []domain.SnapshotRecord {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	return slices.Clone(h.snapshots)
}

// Configure applies vm. On failure the instance stays Created and Configure
// may be called again.
func (h *Hypervisor) Configure(ctx context.Context, vm domain.MicroVMConfig) error {
	return h.transition(ctx, "configure", domain.StateConfigured, []domain.State{domain.StateCreated}, func(domain.State) error {
		h.stateMu.Lock()
		h.vm = vm
		h.stateMu.Unlock()

		applier := &hecatoncheir.Applier{
			API:         h.api,
			Logger:      h.logger,
			Links:       h.links,
			Stager:      h.stager,
			LogPath:     h.paths.LogArg,
			MetricsPath: h.paths.MetricsArg,
		}
		return applier.Apply(ctx, vm)
	})
}

// Start boots the guest.
func (h *Hypervisor) Start(ctx context.Context) error {
	return h.transition(ctx, "start", domain.StateRunning, []domain.State{domain.StateConfigured}, func(domain.State) error {
		return h.api.Action(ctx, charon.ActionInstanceStart)
	})
}

func (h *Hypervisor) Pause(ctx context.Context) error {
	return h.transition(ctx, "pause", domain.StatePaused, []domain.State{domain.StateRunning}, func(domain.State) error {
		return h.api.PatchVM(ctx, charon.VMStatePaused)
	})
}

func (h *Hypervisor) Resume(ctx context.Context) error {
	return h.transition(ctx, "resume", domain.StateRunning, []domain.State{domain.StatePaused}, func(domain.State) error {
		return h.api.PatchVM(ctx, charon.VMStateResumed)
	})
}

// Stop asks a running guest to shut down and waits StopTimeout for the
// hypervisor to exit, then terminates it. A paused guest cannot react, so
// it is terminated directly.
func (h *Hypervisor) Stop(ctx context.Context) error {
	return h.transition(ctx, "stop", domain.StateStopped, []domain.State{domain.StateRunning, domain.StatePaused}, func(from domain.State) error {
		if from == domain.StateRunning && h.proc.Alive() {
			if err := h.api.Action(ctx, charon.ActionSendCtrlAltDel); err != nil {
				h.logger.Warn("Guest shutdown request failed", "error", err)
			} else if h.awaitExit(ctx, h.cfg.StopTimeout) {
				return nil
			}
		}
		return h.reaper.Terminate(ctx, h.proc)
	})
}

func (h *Hypervisor) awaitExit(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-h.proc.Done():
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Delete tears down a stopped instance without removing its files. Deleting
// a deleted instance returns the first teardown's result again.
func (h *Hypervisor) Delete(ctx context.Context) error {
	return h.teardown(ctx, "delete", false)
}

// DeleteAndClean tears the instance down from any state and removes its
// socket, lock and the files the config's clear flags select. Cleanup
// failures are returned as *thanatos.PartialCleanupError; the instance is
// Deleted regardless.
func (h *Hypervisor) DeleteAndClean(ctx context.Context) error {
	return h.teardown(ctx, "delete-and-clean", true)
}

func (h *Hypervisor) teardown(ctx context.Context, op string, clean bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	from := h.State()
	if from == domain.StateDeleted {
		h.stateMu.RLock()
		defer h.stateMu.RUnlock()
		return h.cleanupErr
	}
	if !clean && from != domain.StateStopped {
		h.count(op, "invalid")
		return &TransitionError{Op: op, From: from, To: domain.StateDeleted}
	}

	start := time.Now()
	h.stateMu.RLock()
	target := thanatos.Target{
		Process: h.proc,
		Lock:    h.lock,
		Paths:   h.paths,
		Config:  h.cfg,
		Taps:    tapNames(h.vm),
		NetNS:   h.vm.NetNS,
	}
	h.stateMu.RUnlock()
	if h.stager != nil {
		target.Mounts = h.stager.Mounts()
	}

	err := h.reaper.Teardown(ctx, target, clean)
	h.api.Close()

	h.stateMu.Lock()
	h.cleanupErr = err
	h.stateMu.Unlock()
	h.setState(ctx, from, domain.StateDeleted)
	h.observe(op, start, err)
	return err
}

// Snapshot writes the paused guest's state and memory to the given files.
// When an archive is attached the files are copied there too; an archive
// failure is returned but the snapshot is still recorded.
func (h *Hypervisor) Snapshot(ctx context.Context, statePath, memPath string, typ domain.SnapshotType) (domain.SnapshotRecord, error) {
	var rec domain.SnapshotRecord
	err := h.transition(ctx, "snapshot", keep, []domain.State{domain.StatePaused}, func(domain.State) error {
		if !typ.Valid() {
			return fmt.Errorf("%w: snapshot type %q", domain.ErrInvalidConfig, typ)
		}
		stateArg, memArg := h.paths.JailPath(statePath), h.paths.JailPath(memPath)
		if err := h.api.CreateSnapshot(ctx, stateArg, memArg, typ); err != nil {
			return &hecatoncheir.StepError{Step: "snapshot", Err: err}
		}

		rec = domain.SnapshotRecord{
			ID:        uuid.New().String(),
			Type:      typ,
			StatePath: h.paths.HostPath(stateArg),
			MemPath:   h.paths.HostPath(memArg),
			CreatedAt: time.Now().UTC(),
		}
		var archiveErr error
		if h.archive != nil {
			if rec.ArchiveKey, archiveErr = h.archive.Push(ctx, h.cfg.ID, rec); archiveErr != nil {
				archiveErr = fmt.Errorf("archive snapshot: %w", archiveErr)
			}
		}

		h.stateMu.Lock()
		h.snapshots = append(h.snapshots, rec)
		h.stateMu.Unlock()
		h.logger.Info("Snapshot taken", "type", typ, "state", rec.StatePath, "mem", rec.MemPath, "archive", rec.ArchiveKey)
		return archiveErr
	})
	return rec, err
}

// LoadSnapshot restores a snapshot into a freshly created instance. The
// instance ends Running when params.ResumeVM is set and Paused otherwise.
func (h *Hypervisor) LoadSnapshot(ctx context.Context, params domain.LoadSnapshotParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	to := domain.StatePaused
	if params.ResumeVM {
		to = domain.StateRunning
	}

	return h.transition(ctx, "load-snapshot", to, []domain.State{domain.StateCreated}, func(domain.State) error {
		p, err := h.stageSnapshot(params)
		if err != nil {
			return &hecatoncheir.StepError{Step: "snapshot-load", Err: err}
		}
		if err := h.api.LoadSnapshot(ctx, p); err != nil {
			return &hecatoncheir.StepError{Step: "snapshot-load", Err: err}
		}
		return nil
	})
}

func (h *Hypervisor) stageSnapshot(p domain.LoadSnapshotParams) (domain.LoadSnapshotParams, error) {
	if h.stager == nil {
		return p, nil
	}
	var err error
	if p.SnapshotPath, err = h.stager.Stage(p.SnapshotPath, true); err != nil {
		return p, err
	}
	mem := *p.MemBackend
	if mem.BackendType == "" || mem.BackendType == domain.MemoryBackendFile {
		if mem.BackendPath, err = h.stager.Stage(mem.BackendPath, false); err != nil {
			return p, err
		}
	} else {
		mem.BackendPath = h.stager.JailPath(mem.BackendPath)
	}
	p.MemBackend = &mem
	return p, nil
}

// FlushMetrics makes Firecracker write its metrics file now.
func (h *Hypervisor) FlushMetrics(ctx context.Context) error {
	return h.transition(ctx, "flush-metrics", keep, []domain.State{domain.StateRunning, domain.StatePaused}, func(domain.State) error {
		return h.api.Action(ctx, charon.ActionFlushMetrics)
	})
}

// UpdateDrive points an attached drive at a new backing file.
func (h *Hypervisor) UpdateDrive(ctx context.Context, driveID, pathOnHost string) error {
	return h.transition(ctx, "update-drive", keep, []domain.State{domain.StateRunning, domain.StatePaused}, func(domain.State) error {
		p := pathOnHost
		if h.stager != nil {
			var err error
			if p, err = h.stager.Stage(pathOnHost, false); err != nil {
				return err
			}
		}
		return h.api.PatchDrive(ctx, domain.DrivePatch{DriveID: driveID, PathOnHost: p})
	})
}

// configured lists the states in which device settings can be read or tuned.
var configured = []domain.State{domain.StateConfigured, domain.StateRunning, domain.StatePaused}

// UpdateBalloon sets the balloon target size.
func (h *Hypervisor) UpdateBalloon(ctx context.Context, amountMib int64) error {
	return h.transition(ctx, "update-balloon", keep, configured, func(domain.State) error {
		return h.api.PatchBalloon(ctx, amountMib)
	})
}

func (h *Hypervisor) BalloonConfig(ctx context.Context) (*models.Balloon, error) {
	var b *models.Balloon
	err := h.transition(ctx, "balloon-config", keep, configured, func(domain.State) error {
		var err error
		b, err = h.api.GetBalloon(ctx)
		return err
	})
	return b, err
}

// BalloonStats reads the guest memory statistics the balloon reports. The
// balloon must have a non-zero polling interval.
func (h *Hypervisor) BalloonStats(ctx context.Context) (*models.BalloonStats, error) {
	var st *models.BalloonStats
	err := h.transition(ctx, "balloon-stats", keep, configured, func(domain.State) error {
		var err error
		st, err = h.api.GetBalloonStats(ctx)
		return err
	})
	return st, err
}

func (h *Hypervisor) UpdateBalloonStats(ctx context.Context, intervalSeconds int64) error {
	return h.transition(ctx, "update-balloon-stats", keep, configured, func(domain.State) error {
		return h.api.PatchBalloonStats(ctx, intervalSeconds)
	})
}

// UpdateNetworkRateLimit replaces the rate limiters of an attached
// interface. A nil limiter leaves that direction unchanged.
func (h *Hypervisor) UpdateNetworkRateLimit(ctx context.Context, ifaceID string, rx, tx *models.RateLimiter) error {
	return h.transition(ctx, "update-network-rate-limit", keep, configured, func(domain.State) error {
		return h.api.PatchNetworkInterface(ctx, models.PartialNetworkInterface{
			IfaceID:       &ifaceID,
			RxRateLimiter: rx,
			TxRateLimiter: tx,
		})
	})
}

// MachineConfig returns the machine configuration Firecracker holds now.
func (h *Hypervisor) MachineConfig(ctx context.Context) (*models.MachineConfiguration, error) {
	var m *models.MachineConfiguration
	err := h.transition(ctx, "machine-config", keep, configured, func(domain.State) error {
		var err error
		m, err = h.api.GetMachineConfig(ctx)
		return err
	})
	return m, err
}

// UpdateMachineConfig and SetCPUConfig only apply before boot.
func (h *Hypervisor) UpdateMachineConfig(ctx context.Context, p domain.MachineConfigPatch) error {
	return h.transition(ctx, "update-machine-config", keep, []domain.State{domain.StateConfigured}, func(domain.State) error {
		return h.api.PatchMachineConfig(ctx, p)
	})
}

func (h *Hypervisor) SetCPUConfig(ctx context.Context, cfg domain.CPUConfig) error {
	return h.transition(ctx, "cpu-config", keep, []domain.State{domain.StateConfigured}, func(domain.State) error {
		return h.api.PutCPUConfig(ctx, cfg)
	})
}

var withProcess = []domain.State{domain.StateCreated, domain.StateConfigured, domain.StateRunning, domain.StatePaused}

// Metadata decodes the MMDS contents into out.
func (h *Hypervisor) Metadata(ctx context.Context, out any) error {
	return h.transition(ctx, "metadata", keep, withProcess, func(domain.State) error {
		return h.api.GetMmds(ctx, out)
	})
}

// UpdateMetadata merges patch into the MMDS contents.
func (h *Hypervisor) UpdateMetadata(ctx context.Context, patch any) error {
	return h.transition(ctx, "update-metadata", keep, withProcess, func(domain.State) error {
		return h.api.PatchMmds(ctx, patch)
	})
}

// Version returns the Firecracker version the instance runs.
func (h *Hypervisor) Version(ctx context.Context) (string, error) {
	var v string
	err := h.transition(ctx, "version", keep, withProcess, func(domain.State) error {
		var err error
		v, err = h.api.Version(ctx)
		return err
	})
	return v, err
}

// transition runs fn when the current state is one of allowed and moves to
// to on success. to == keep leaves the state as it was.
func (h *Hypervisor) transition(ctx context.Context, op string, to domain.State, allowed []domain.State, fn func(from domain.State) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	from := h.State()
	if from == domain.StateDeleted {
		return fmt.Errorf("%s %s: %w", op, h.cfg.ID, ErrAlreadyDeleted)
	}
	if !slices.Contains(allowed, from) {
		h.count(op, "invalid")
		target := to
		if target == keep {
			target = from
		}
		return &TransitionError{Op: op, From: from, To: target}
	}

	start := time.Now()
	err := fn(from)
	h.observe(op, start, err)
	if err != nil {
		return err
	}
	if to != keep && to != from {
		h.setState(ctx, from, to)
	}
	return nil
}

func (h *Hypervisor) setState(ctx context.Context, from, to domain.State) {
	h.stateMu.Lock()
	h.state = to
	h.stateMu.Unlock()

	h.logger.Info("State changed", "from", from, "to", to)
	h.published(ctx)
}

// published mirrors the current state to metrics and the registry. Registry
// failures are logged; the in-memory state is authoritative.
func (h *Hypervisor) published(ctx context.Context) {
	state := h.State()
	h.metrics.SetGauge("instance_state", float64(state), hermes.Label{Key: "id", Value: h.cfg.ID})
	if h.registry == nil {
		return
	}

	var err error
	if state == domain.StateDeleted {
		err = h.registry.Delete(ctx, h.cfg.ID)
	} else {
		err = h.registry.Put(ctx, hades.Record{
			ID:         h.cfg.ID,
			State:      state,
			Pid:        h.proc.Pid(),
			SocketPath: h.paths.Socket,
			LockPath:   h.paths.Lock,
			UpdatedAt:  time.Now().UTC(),
		})
	}
	if err != nil {
		h.logger.Warn("Registry update failed", "state", state, "error", err)
	}
}

func (h *Hypervisor) observe(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		h.logger.Error("Operation failed", "op", op, "error", err)
	}
	h.count(op, result)
	h.metrics.ObserveHistogram("operation_seconds", time.Since(start).Seconds(), hermes.Label{Key: "op", Value: op})
}

func (h *Hypervisor) count(op, result string) {
	h.metrics.IncCounter("operations_total", 1, hermes.Label{Key: "op", Value: op}, hermes.Label{Key: "result", Value: result})
}

func tapNames(vm domain.MicroVMConfig) []string {
	var out []string
	for _, n := range vm.NetworkInterfaces {
		if n.HostDevName != nil {
			out = append(out, *n.HostDevName)
		}
	}
	return out
}
