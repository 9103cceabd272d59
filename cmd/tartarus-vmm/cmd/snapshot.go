package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/domain"
)

var (
	snapState string
	snapMem   string
	snapType  string
	snapPush  bool
	snapDir   string
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Take, list and fetch microVM snapshots",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Snapshot a paused instance",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		typ := domain.SnapshotType(snapType)
		if !typ.Valid() {
			return fmt.Errorf("snapshot type must be %s or %s", domain.SnapshotFull, domain.SnapshotDiff)
		}
		c, err := apiClient(apiSocket, apiID)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.CreateSnapshot(cmd.Context(), snapState, snapMem, typ); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Snapshot written to %s and %s\n", snapState, snapMem)
		if !snapPush {
			return nil
		}

		archive, err := requireArchive(cmd.Context())
		if err != nil {
			return err
		}
		id := apiID
		if id == "" {
			id = "adhoc"
		}
		key, err := archive.Push(cmd.Context(), id, domain.SnapshotRecord{
			ID:        uuid.New().String(),
			Type:      typ,
			StatePath: snapState,
			MemPath:   snapMem,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Archived as %s\n", key)
		return nil
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list <instance-id>",
	Short: "List archived snapshots of an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		archive, err := requireArchive(cmd.Context())
		if err != nil {
			return err
		}
		manifests, err := archive.List(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return render(cmd, manifests, func(w io.Writer) error {
			tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "KEY\tTYPE\tSTATE\tMEMORY\tCREATED")
			for _, m := range manifests {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", m.Key, m.Type, m.StateSize, m.MemSize, m.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		})
	},
}

var snapshotPullCmd = &cobra.Command{
	Use:   "pull <key>",
	Short: "Download an archived snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		archive, err := requireArchive(cmd.Context())
		if err != nil {
			return err
		}
		dir := snapDir
		if dir == "" {
			dir = filepath.Base(args[0])
		}
		rec, err := archive.Pull(cmd.Context(), args[0], dir)
		if err != nil {
			return err
		}
		return render(cmd, rec, func(w io.Writer) error {
			_, err := fmt.Fprintf(w, "State:  %s\nMemory: %s\n", rec.StatePath, rec.MemPath)
			return err
		})
	},
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Remove an archived snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		archive, err := requireArchive(cmd.Context())
		if err != nil {
			return err
		}
		if err := archive.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Snapshot deleted")
		return nil
	},
}

func init() {
	f := snapshotCreateCmd.Flags()
	f.StringVar(&apiSocket, "socket", "", "control socket path")
	f.StringVar(&apiID, "id", "", "instance id, resolved under the run dir")
	f.StringVar(&snapState, "state", "", "path for the VM state file, as Firecracker sees it")
	f.StringVar(&snapMem, "mem", "", "path for the memory file, as Firecracker sees it")
	f.StringVar(&snapType, "type", string(domain.SnapshotFull), "Full or Diff")
	f.BoolVar(&snapPush, "push", false, "copy the snapshot to the configured archive")
	snapshotCreateCmd.MarkFlagRequired("state")
	snapshotCreateCmd.MarkFlagRequired("mem")

	snapshotPullCmd.Flags().StringVar(&snapDir, "dir", "", "destination directory (default: last key element)")

	snapshotCmd.AddCommand(snapshotCreateCmd, snapshotListCmd, snapshotPullCmd, snapshotDeleteCmd)
	rootCmd.AddCommand(snapshotCmd)
}
