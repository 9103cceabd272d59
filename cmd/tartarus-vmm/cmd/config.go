package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Print the merged configuration as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out, err := yaml.Marshal(settings)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one configuration value, e.g. hypervisor.run_dir",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		val := v.Get(args[0])
		if val == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "Not set")
			return
		}
		fmt.Fprintln(cmd.OutOrStdout(), val)
	},
}

func init() {
	configCmd.AddCommand(configViewCmd, configGetCmd)
	rootCmd.AddCommand(configCmd)
}
