package thanatos

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/kampe"
)

// Orphan is an instance whose controller died without tearing it down.
type Orphan struct {
	ID       string `json:"id"`
	Pid      int    `json:"pid"`
	LockPath string `json:"lock_path"`
	Killed   bool   `json:"killed"`
}

// Reconcile walks the lock files in runDir. A lock nobody holds belongs to a
// dead controller: its recorded hypervisor is killed if still running, and
// its socket and lock file are removed. Live instances are left alone.
func (r *Reaper) Reconcile(ctx context.Context, runDir string) ([]Orphan, error) {
	locks, err := filepath.Glob(filepath.Join(runDir, "firecracker-*.lock"))
	if err != nil {
		return nil, fmt.Errorf("list lock files: %w", err)
	}

	r.Logger.Info("Starting reconciliation", "run_dir", runDir, "locks", len(locks))
	var orphans []Orphan
	for _, path := range locks {
		if err := ctx.Err(); err != nil {
			return orphans, err
		}

		owner, _ := kampe.ReadOwner(path)
		lock, err := kampe.AcquireLock(path)
		if errors.Is(err, kampe.ErrAlreadyRunning) {
			continue
		}
		if err != nil {
			r.Logger.Warn("Cannot inspect lock", "lock", path, "error", err)
			continue
		}

		id := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "firecracker-"), ".lock")
		o := Orphan{ID: id, Pid: owner, LockPath: path}
		if owner > 0 {
			o.Killed = r.killStray(ctx, owner)
		}

		if err := removeFile(filepath.Join(runDir, "firecracker-"+id+".socket")); err != nil {
			r.Logger.Warn("Failed to remove stale socket", "id", id, "error", err)
		}
		if err := removeFile(path); err != nil {
			r.Logger.Warn("Failed to remove stale lock", "id", id, "error", err)
		}
		lock.Release()

		r.Logger.Info("Reclaimed orphaned instance", "id", id, "pid", owner, "killed", o.Killed)
		orphans = append(orphans, o)
	}

	r.Metrics.IncCounter("reconcile_orphans_total", float64(len(orphans)))
	r.Logger.Info("Reconciliation complete", "orphans", len(orphans))
	return orphans, nil
}

// killStray kills pid when it is still a hypervisor process. The pid in a
// stale lock may have been reused by something unrelated.
func (r *Reaper) killStray(ctx context.Context, pid int) bool {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return false
	}
	if !strings.Contains(name, "firecracker") && !strings.Contains(name, "jailer") {
		r.Logger.Debug("Lock owner is not a hypervisor, leaving it", "pid", pid, "name", name)
		return false
	}

	r.Logger.Info("Killing orphaned hypervisor", "pid", pid, "name", name)
	if err := p.KillWithContext(ctx); err != nil {
		r.Logger.Error("Failed to kill orphaned hypervisor", "pid", pid, "error", err)
		return false
	}
	return true
}
