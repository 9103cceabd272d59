package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/config"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/domain"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/styx"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/tartarus"
)

const teardownTimeout = 30 * time.Second

var (
	runID       string
	runVMConfig string
	runRestore  string
	runKeep     bool
	runTapCheck bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot a microVM and supervise it until interrupted",
	Long: `Launches Firecracker, applies the guest config (or restores an archived
snapshot) and boots the guest. On SIGINT or SIGTERM the guest is stopped and
every resource it owns is cleaned up.`,
	Args: cobra.NoArgs,
	RunE: runInstance,
}

func init() {
	runCmd.Flags().StringVar(&runID, "id", "", "instance id (default: hypervisor.id or a random uuid)")
	runCmd.Flags().StringVar(&runVMConfig, "vm", "", "guest config in Firecracker --config-file JSON layout")
	runCmd.Flags().StringVar(&runRestore, "restore", "", "archive key of a snapshot to restore instead of booting")
	runCmd.Flags().BoolVar(&runKeep, "keep", false, "skip file cleanup on exit")
	runCmd.Flags().BoolVar(&runTapCheck, "check-taps", true, "verify tap devices exist before attaching them")
	runCmd.MarkFlagsMutuallyExclusive("vm", "restore")
	runCmd.MarkFlagsOneRequired("vm", "restore")
	rootCmd.AddCommand(runCmd)
}

func runInstance(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := settings.Hypervisor
	if runID != "" {
		cfg.ID = runID
	}

	var vm domain.MicroVMConfig
	if runVMConfig != "" {
		var err error
		if vm, err = config.LoadMicroVM(runVMConfig); err != nil {
			return err
		}
	}

	opts := []tartarus.Option{tartarus.WithLogger(logger), tartarus.WithMetrics(metrics)}
	if runTapCheck {
		opts = append(opts, tartarus.WithLinks(styx.NewNetlinkLinks()))
	}
	archive, err := openArchive(ctx)
	if err != nil {
		return err
	}
	if archive != nil {
		opts = append(opts, tartarus.WithArchive(archive))
	}
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	if reg != nil {
		defer reg.Close()
		opts = append(opts, tartarus.WithRegistry(reg))
	}

	hv, err := tartarus.Create(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	var restoreDir string
	if runRestore != "" {
		restoreDir = filepath.Join(hv.Config().RunDir, hv.ID()+"-restore")
	}
	defer shutdown(cmd, hv, restoreDir)

	if runRestore != "" {
		if archive == nil {
			return fmt.Errorf("--restore needs an archive")
		}
		rec, err := archive.Pull(ctx, runRestore, restoreDir)
		if err != nil {
			return err
		}
		err = hv.LoadSnapshot(ctx, domain.LoadSnapshotParams{
			SnapshotPath: rec.StatePath,
			MemBackend:   &domain.MemoryBackend{BackendPath: rec.MemPath, BackendType: domain.MemoryBackendFile},
			ResumeVM:     true,
		})
		if err != nil {
			return err
		}
	} else {
		if err := hv.Configure(ctx, vm); err != nil {
			return err
		}
		if err := hv.Start(ctx); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Instance %s running (pid %d)\n", hv.ID(), hv.Pid())

	err = hv.Watch(ctx, func(st tartarus.Status, err error) {
		if err != nil {
			logger.Warn("Status check failed", "id", st.ID, "error", err)
			return
		}
		logger.Debug("Status", "id", st.ID, "state", st.State, "alive", st.Alive)
	})
	var unexpected *tartarus.UnexpectedExitError
	switch {
	case errors.As(err, &unexpected):
		fmt.Fprintf(cmd.OutOrStdout(), "Instance %s exited: %s\n", hv.ID(), unexpected.Status)
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil
	default:
		return err
	}
}

// shutdown stops and deletes hv regardless of how run ended. restoreDir holds
// the pulled snapshot files, if any, and goes with the instance unless --keep
// is set.
func shutdown(cmd *cobra.Command, hv *tartarus.Hypervisor, restoreDir string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), teardownTimeout)
	defer cancel()

	if hv.State().Live() {
		if err := hv.Stop(ctx); err != nil {
			logger.Warn("Stop failed", "id", hv.ID(), "error", err)
		}
	}

	var err error
	if runKeep && hv.State() == domain.StateStopped {
		err = hv.Delete(ctx)
	} else {
		err = hv.DeleteAndClean(ctx)
	}
	if err != nil {
		logger.Warn("Teardown incomplete", "id", hv.ID(), "error", err)
	}
	if restoreDir != "" && !runKeep {
		if err := os.RemoveAll(restoreDir); err != nil {
			logger.Warn("Restore files left behind", "id", hv.ID(), "dir", restoreDir, "error", err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Instance %s deleted\n", hv.ID())
}
