package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/thanatos"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reclaim instances left behind by a crashed controller",
	Long: `Finds lock files in the run dir that no controller holds, kills the
hypervisor they record if it is still running, and removes the stale socket
and lock.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		h := settings.Hypervisor.WithDefaults()
		reaper := thanatos.NewReaper(logger, metrics, h.GracePeriod)
		orphans, err := reaper.Reconcile(cmd.Context(), h.RunDir)
		if err != nil {
			return err
		}
		return render(cmd, orphans, func(w io.Writer) error {
			if len(orphans) == 0 {
				_, err := fmt.Fprintln(w, "No orphaned instances")
				return err
			}
			tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "ID\tPID\tKILLED\tLOCK")
			for _, o := range orphans {
				fmt.Fprintf(tw, "%s\t%d\t%t\t%s\n", o.ID, o.Pid, o.Killed, o.LockPath)
			}
			return tw.Flush()
		})
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}
