package commands

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/spf13/cobra"

	"github.com/flipps12/chat-p2p/internal/pidfile"
)

var statusVerbose bool

// StatusCmd reports whether a node owns the data directory
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the node running on the data directory",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	StatusCmd.Flags().BoolVarP(&statusVerbose, "verbose", "v", false, "Show command line arguments")
}

func runStatus(cmd *cobra.Command, args []string) error {
	_, dir, err := LoadConfig()
	if err != nil {
		return err
	}
	owner, err := pidfile.Check(dir)
	if err != nil {
		return fmt.Errorf("failed to read lock: %w", err)
	}

	out := cmd.OutOrStdout()
	if owner == nil {
		fmt.Fprintf(out, "No node running on %s\n", dir)
		return nil
	}

	fmt.Fprintf(out, "Node running on %s\nPID\t%d\nSINCE\t%s\n", dir, owner.PID, owner.Started.Local().Format("2006-01-02 15:04:05"))
	if statusVerbose {
		cmdline := "<no command line available>"
		if proc, err := process.NewProcess(owner.PID); err == nil {
			if c, err := proc.Cmdline(); err == nil && c != "" {
				cmdline = c
			}
		}
		fmt.Fprintf(out, "COMMAND\t%s\n", cmdline)
	}
	return nil
}
