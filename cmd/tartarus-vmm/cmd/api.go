package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/charon"
)

var (
	apiSocket string
	apiID     string
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Send a single request to a running instance's control socket",
}

var apiDescribeCmd = &cobra.Command{
	Use:   "describe",
	Short: "Show instance information (GET /)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := apiClient(apiSocket, apiID)
		if err != nil {
			return err
		}
		defer c.Close()

		info, err := c.DescribeInstance(cmd.Context())
		if err != nil {
			return err
		}
		return render(cmd, info, func(w io.Writer) error {
			tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATE\tVERSION")
			fmt.Fprintf(tw, "%s\t%s\t%s\n", deref(info.ID), deref(info.State), deref(info.VmmVersion))
			return tw.Flush()
		})
	},
}

var apiVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the Firecracker version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := apiClient(apiSocket, apiID)
		if err != nil {
			return err
		}
		defer c.Close()

		version, err := c.Version(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), version)
		return nil
	},
}

var apiConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Export the applied VM configuration (GET /vm/config)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := apiClient(apiSocket, apiID)
		if err != nil {
			return err
		}
		defer c.Close()

		raw, err := c.ExportConfig(cmd.Context())
		if err != nil {
			return err
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		return render(cmd, v, nil)
	},
}

var apiMetadataCmd = &cobra.Command{
	Use:   "metadata [json-patch]",
	Short: "Show the MMDS contents, or merge a JSON object into them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(apiSocket, apiID)
		if err != nil {
			return err
		}
		defer c.Close()

		if len(args) == 1 {
			var patch map[string]any
			if err := json.Unmarshal([]byte(args[0]), &patch); err != nil {
				return fmt.Errorf("metadata patch must be a JSON object: %w", err)
			}
			if err := c.PatchMmds(cmd.Context(), patch); err != nil {
				return err
			}
		}

		var md any
		if err := c.GetMmds(cmd.Context(), &md); err != nil {
			return err
		}
		return render(cmd, md, nil)
	},
}

// actionCmd builds a subcommand for a request that returns no body.
func actionCmd(use, short, done string, call func(cmd *cobra.Command, c *charon.Client) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := apiClient(apiSocket, apiID)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := call(cmd, c); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), done)
			return nil
		},
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func init() {
	apiCmd.PersistentFlags().StringVar(&apiSocket, "socket", "", "control socket path")
	apiCmd.PersistentFlags().StringVar(&apiID, "id", "", "instance id, resolved under the run dir")

	apiCmd.AddCommand(apiDescribeCmd, apiVersionCmd, apiConfigCmd, apiMetadataCmd,
		actionCmd("pause", "Pause the guest", "Paused", func(cmd *cobra.Command, c *charon.Client) error {
			return c.PatchVM(cmd.Context(), charon.VMStatePaused)
		}),
		actionCmd("resume", "Resume the guest", "Resumed", func(cmd *cobra.Command, c *charon.Client) error {
			return c.PatchVM(cmd.Context(), charon.VMStateResumed)
		}),
		actionCmd("flush-metrics", "Flush the metrics file", "Metrics flushed", func(cmd *cobra.Command, c *charon.Client) error {
			return c.Action(cmd.Context(), charon.ActionFlushMetrics)
		}),
		actionCmd("ctrl-alt-del", "Ask the guest to shut down", "Shutdown requested", func(cmd *cobra.Command, c *charon.Client) error {
			return c.Action(cmd.Context(), charon.ActionSendCtrlAltDel)
		}),
	)
	rootCmd.AddCommand(apiCmd)
}
