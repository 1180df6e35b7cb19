package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

const Version = "0.3.0"

// VersionCmd represents the version command
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display the version of p2p-chat",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "p2p-chat version %s\n", Version)
	},
}
