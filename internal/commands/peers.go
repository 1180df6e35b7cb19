package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/spf13/cobra"
)

// PeersCmd lists the peer registry
var PeersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List known peers",
	Long:  `List the peers remembered in the data directory with their addresses and failed connection attempts.`,
	Args:  cobra.NoArgs,
	RunE:  runPeers,
}

var peersRemoveCmd = &cobra.Command{
	Use:   "remove <peer-id>",
	Short: "Forget a peer",
	Args:  cobra.ExactArgs(1),
	RunE:  runPeersRemove,
}

func init() {
	PeersCmd.AddCommand(peersRemoveCmd)
}

func runPeers(cmd *cobra.Command, args []string) error {
	d, err := openData()
	if err != nil {
		return err
	}
	peers, err := d.peers.List()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(peers) == 0 {
		fmt.Fprintln(out, "No known peers")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PEER ID\tFAILED\tADDRESSES")
	for _, p := range peers {
		fmt.Fprintf(w, "%s\t%d\t%s\n", p.PeerID, p.FailedAttempts, strings.Join(p.Addresses, " "))
	}
	return w.Flush()
}

func runPeersRemove(cmd *cobra.Command, args []string) error {
	if _, err := peer.Decode(args[0]); err != nil {
		return fmt.Errorf("invalid peer id %q: %w", args[0], err)
	}
	d, err := openData()
	if err != nil {
		return err
	}
	return d.withOwnership(func() error {
		if err := d.peers.Remove(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
		return nil
	})
}
