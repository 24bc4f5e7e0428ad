package cmd

import (
	"github.com/spf13/cobra"
)

// configCmd prints the effective runtime options.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective runtime options as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := resolveOptions(cmd)
		if err != nil {
			return err
		}
		data, err := opts.YAML()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}
