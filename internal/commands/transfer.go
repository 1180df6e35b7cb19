package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var clearYes bool

// ExportCmd copies the data files to a directory
var ExportCmd = &cobra.Command{
	Use:   "export <dir>",
	Short: "Copy peers, identity and channels to a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTransfer(cmd, args[0], "Exported to", func(d *data, dir string) error {
			return d.store.Export(dir)
		})
	},
}

// ImportCmd copies data files from a directory, replacing the current ones
var ImportCmd = &cobra.Command{
	Use:   "import <dir>",
	Short: "Replace peers, identity and channels with the files in a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTransfer(cmd, args[0], "Imported from", func(d *data, dir string) error {
			return d.store.Import(dir)
		})
	},
}

// ClearCmd deletes every data file
var ClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete peers, identity and channels",
	Long: `Delete every data file. The node gets a new identity on its next start.
Requires --yes.`,
	Args: cobra.NoArgs,
	RunE: runClear,
}

func init() {
	ClearCmd.Flags().BoolVar(&clearYes, "yes", false, "Confirm deletion")
}

func runTransfer(cmd *cobra.Command, dir, verb string, op func(d *data, dir string) error) error {
	d, err := openData()
	if err != nil {
		return err
	}
	return d.withOwnership(func() error {
		if err := op(d, dir); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, dir)
		return nil
	})
}

func runClear(cmd *cobra.Command, args []string) error {
	if !clearYes {
		return fmt.Errorf("refusing to delete data without --yes")
	}
	d, err := openData()
	if err != nil {
		return err
	}
	return d.withOwnership(func() error {
		if err := d.store.ClearAll(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s\n", d.store.Dir())
		return nil
	})
}
