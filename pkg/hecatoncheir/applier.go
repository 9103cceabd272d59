// Package hecatoncheir holds the hundred hands that bring a freshly launched
// hypervisor to a bootable state: it issues the configuration calls in the
// order Firecracker requires and stages host files into the jail.
package hecatoncheir

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/domain"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/styx"
)

// API is the subset of the control-socket client the applier drives.
type API interface {
	PutLogger(ctx context.Context, l *models.Logger) error
	PutMetrics(ctx context.Context, m *models.Metrics) error
	PutMachineConfig(ctx context.Context, m *models.MachineConfiguration) error
	PutBootSource(ctx context.Context, b *models.BootSource) error
	PutDrive(ctx context.Context, d models.Drive) error
	PutNetworkInterface(ctx context.Context, n models.NetworkInterface) error
	PutBalloon(ctx context.Context, b *models.Balloon) error
	PutVsock(ctx context.Context, v *models.Vsock) error
	PutEntropy(ctx context.Context, e *domain.EntropyDevice) error
	PutMmdsConfig(ctx context.Context, m *domain.MmdsConfig) error
	PutMmds(ctx context.Context, data any) error
}

// Step names, in the order they are applied.
const (
	StepLogger            = "logger"
	StepMetrics           = "metrics"
	StepMachineConfig     = "machine-config"
	StepBootSource        = "boot-source"
	StepDrives            = "drives"
	StepNetworkInterfaces = "network-interfaces"
	StepBalloon           = "balloon"
	StepVsock             = "vsock"
	StepEntropy           = "entropy"
	StepMmdsConfig        = "mmds-config"
	StepMetadata          = "metadata"
)

// Applier sends a MicroVMConfig to a launched hypervisor.
//
// LogPath and MetricsPath are the launch-time files as Firecracker sees
// them; they are used when the config carries no logger or metrics section.
// Links, when set, is consulted before each network interface is attached.
// Stager, when set, makes host files visible inside the jail first.
type Applier struct {
	API         API
	Logger      *slog.Logger
	Links       styx.Links
	Stager      *Stager
	LogPath     string
	MetricsPath string
}

type step struct {
	name string
	run  func(ctx context.Context) error
}

// Apply runs every configured step in order and stops at the first failure.
// A failed Apply may be retried with the same or a corrected config.
func (a *Applier) Apply(ctx context.Context, vm domain.MicroVMConfig) error {
	if err := vm.Validate(); err != nil {
		return err
	}
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}

	steps := a.plan(vm)
	for i, s := range steps {
		if err := ctx.Err(); err != nil {
			return &StepError{Step: s.name, Err: err}
		}
		if err := s.run(ctx); err != nil {
			logger.Error("Configuration step failed", "step", s.name, "applied", i, "error", err)
			return &StepError{Step: s.name, Err: err}
		}
	}

	logger.Info("Applied microVM configuration",
		"steps", len(steps),
		"drives", len(vm.Drives),
		"interfaces", len(vm.NetworkInterfaces))
	return nil
}

func (a *Applier) plan(vm domain.MicroVMConfig) []step {
	var steps []step

	if l := a.logger(vm); l != nil {
		steps = append(steps, step{StepLogger, func(ctx context.Context) error { return a.API.PutLogger(ctx, l) }})
	}
	if m := a.metrics(vm); m != nil {
		steps = append(steps, step{StepMetrics, func(ctx context.Context) error { return a.API.PutMetrics(ctx, m) }})
	}

	steps = append(steps,
		step{StepMachineConfig, func(ctx context.Context) error { return a.API.PutMachineConfig(ctx, vm.MachineConfig) }},
		step{StepBootSource, func(ctx context.Context) error { return a.bootSource(ctx, *vm.BootSource) }},
	)

	for _, d := range vm.Drives {
		d := d
		steps = append(steps, step{StepDrives + "/" + *d.DriveID, func(ctx context.Context) error { return a.drive(ctx, d) }})
	}
	for _, n := range vm.NetworkInterfaces {
		n := n
		steps = append(steps, step{StepNetworkInterfaces + "/" + *n.IfaceID, func(ctx context.Context) error { return a.networkInterface(ctx, vm.NetNS, n) }})
	}

	if vm.Balloon != nil {
		steps = append(steps, step{StepBalloon, func(ctx context.Context) error { return a.API.PutBalloon(ctx, vm.Balloon) }})
	}
	if vm.Vsock != nil {
		steps = append(steps, step{StepVsock, func(ctx context.Context) error { return a.vsock(ctx, *vm.Vsock) }})
	}
	if vm.Entropy != nil {
		steps = append(steps, step{StepEntropy, func(ctx context.Context) error { return a.API.PutEntropy(ctx, vm.Entropy) }})
	}
	if mc := mmdsConfig(vm); mc != nil {
		steps = append(steps, step{StepMmdsConfig, func(ctx context.Context) error { return a.API.PutMmdsConfig(ctx, mc) }})
	}
	if len(vm.InitMetadata) > 0 {
		steps = append(steps, step{StepMetadata, func(ctx context.Context) error { return a.API.PutMmds(ctx, vm.InitMetadata) }})
	}
	return steps
}

func (a *Applier) logger(vm domain.MicroVMConfig) *models.Logger {
	if vm.Logger != nil {
		return vm.Logger
	}
	if a.LogPath == "" {
		return nil
	}
	return &models.Logger{LogPath: firecracker.String(a.LogPath)}
}

func (a *Applier) metrics(vm domain.MicroVMConfig) *models.Metrics {
	if vm.Metrics != nil {
		return vm.Metrics
	}
	if a.MetricsPath == "" {
		return nil
	}
	return &models.Metrics{MetricsPath: firecracker.String(a.MetricsPath)}
}

func (a *Applier) bootSource(ctx context.Context, b models.BootSource) error {
	if a.Stager != nil {
		kernel, err := a.Stager.Stage(*b.KernelImagePath, true)
		if err != nil {
			return err
		}
		b.KernelImagePath = firecracker.String(kernel)
		if b.InitrdPath != "" {
			if b.InitrdPath, err = a.Stager.Stage(b.InitrdPath, true); err != nil {
				return err
			}
		}
	}
	return a.API.PutBootSource(ctx, &b)
}

func (a *Applier) drive(ctx context.Context, d models.Drive) error {
	if a.Stager != nil {
		readOnly := d.IsReadOnly != nil && *d.IsReadOnly
		p, err := a.Stager.Stage(*d.PathOnHost, readOnly)
		if err != nil {
			return err
		}
		d.PathOnHost = firecracker.String(p)
	}
	return a.API.PutDrive(ctx, d)
}

func (a *Applier) networkInterface(ctx context.Context, ns string, n models.NetworkInterface) error {
	if a.Links != nil {
		ok, err := a.Links.Exists(ctx, ns, *n.HostDevName)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrTapMissing, *n.HostDevName)
		}
	}
	return a.API.PutNetworkInterface(ctx, n)
}

func (a *Applier) vsock(ctx context.Context, v models.Vsock) error {
	if a.Stager != nil && v.UdsPath != nil {
		v.UdsPath = firecracker.String(a.Stager.JailPath(*v.UdsPath))
	}
	return a.API.PutVsock(ctx, &v)
}

// mmdsConfig returns the explicit MMDS config, or one exposing the store on
// every interface when only an address or initial metadata is given.
func mmdsConfig(vm domain.MicroVMConfig) *domain.MmdsConfig {
	if vm.MmdsConfig != nil {
		return vm.MmdsConfig
	}
	if vm.MmdsAddress == "" && len(vm.InitMetadata) == 0 {
		return nil
	}
	ids := vm.InterfaceIDs()
	if len(ids) == 0 {
		return nil
	}
	return &domain.MmdsConfig{NetworkInterfaces: ids, IPv4Address: vm.MmdsAddress}
}
