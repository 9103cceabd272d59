package cmd

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/spf13/cobra"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/hades"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/kampe"
)

// psEntry is one row of ps output.
type psEntry struct {
	ID      string    `json:"id" yaml:"id"`
	State   string    `json:"state" yaml:"state"`
	Pid     int       `json:"pid" yaml:"pid"`
	Alive   bool      `json:"alive" yaml:"alive"`
	Updated time.Time `json:"updated,omitzero" yaml:"updated,omitempty"`
}

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List microVM instances on this host",
	Long: `Lists instances from the Redis registry when one is configured, otherwise
from the lock files in the run dir.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		reg, err := openRegistry()
		if err != nil {
			return err
		}

		var entries []psEntry
		if reg != nil {
			defer reg.Close()
			entries, err = fromRegistry(ctx, reg)
		} else {
			entries, err = fromLocks(ctx, settings.Hypervisor.RunDir)
		}
		if err != nil {
			return err
		}

		return render(cmd, entries, func(w io.Writer) error {
			tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATE\tPID\tALIVE\tUPDATED")
			for _, e := range entries {
				updated := "-"
				if !e.Updated.IsZero() {
					updated = time.Since(e.Updated).Round(time.Second).String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%t\t%s\n", e.ID, e.State, e.Pid, e.Alive, updated)
			}
			return tw.Flush()
		})
	},
}

func fromRegistry(ctx context.Context, reg hades.Registry) ([]psEntry, error) {
	records, err := reg.List(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]psEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, psEntry{
			ID:      r.ID,
			State:   r.State.String(),
			Pid:     r.Pid,
			Alive:   pidAlive(ctx, r.Pid),
			Updated: r.UpdatedAt,
		})
	}
	return entries, nil
}

func fromLocks(ctx context.Context, runDir string) ([]psEntry, error) {
	locks, err := filepath.Glob(filepath.Join(runDir, "firecracker-*.lock"))
	if err != nil {
		return nil, err
	}
	entries := make([]psEntry, 0, len(locks))
	for _, path := range locks {
		pid, _ := kampe.ReadOwner(path)
		entries = append(entries, psEntry{
			ID:    strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "firecracker-"), ".lock"),
			State: "Unknown",
			Pid:   pid,
			Alive: pidAlive(ctx, pid),
		})
	}
	return entries, nil
}

func pidAlive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExistsWithContext(ctx, int32(pid))
	return err == nil && ok
}

func init() {
	rootCmd.AddCommand(psCmd)
}
