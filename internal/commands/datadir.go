package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// DataDirCmd prints the resolved data directory
var DataDirCmd = &cobra.Command{
	Use:   "datadir",
	Short: "Print the data directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, dir, err := LoadConfig()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), dir)
		return nil
	},
}
