package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/flipps12/chat-p2p/internal/store"
)

var channelUUID string

// ChannelsCmd lists the channel registry
var ChannelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List channels",
	Args:  cobra.NoArgs,
	RunE:  runChannels,
}

var channelsAddCmd = &cobra.Command{
	Use:   "add <topic>",
	Short: "Add or replace a channel",
	Long:  `Add a channel for a topic. With --uuid an existing channel is replaced; otherwise a new uuid is generated.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runChannelsAdd,
}

var channelsRemoveCmd = &cobra.Command{
	Use:   "remove <uuid>",
	Short: "Remove a channel",
	Args:  cobra.ExactArgs(1),
	RunE:  runChannelsRemove,
}

func init() {
	channelsAddCmd.Flags().StringVar(&channelUUID, "uuid", "", "Channel uuid (generated when empty)")
	ChannelsCmd.AddCommand(channelsAddCmd, channelsRemoveCmd)
}

func runChannels(cmd *cobra.Command, args []string) error {
	d, err := openData()
	if err != nil {
		return err
	}
	channels, err := d.channels.List()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(channels) == 0 {
		fmt.Fprintln(out, "No channels")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UUID\tTOPIC\tLAST MESSAGE")
	for _, ch := range channels {
		last := "-"
		if ch.LastMessageUUID != nil {
			last = *ch.LastMessageUUID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", ch.UUID, ch.Topic, last)
	}
	return w.Flush()
}

func runChannelsAdd(cmd *cobra.Command, args []string) error {
	d, err := openData()
	if err != nil {
		return err
	}
	rec := store.ChannelRecord{Topic: args[0], UUID: channelUUID}
	if rec.UUID == "" {
		rec.UUID = uuid.NewString()
	}
	return d.withOwnership(func() error {
		if err := d.channels.Upsert(rec); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Channel %s -> %s\n", rec.UUID, rec.Topic)
		return nil
	})
}

func runChannelsRemove(cmd *cobra.Command, args []string) error {
	d, err := openData()
	if err != nil {
		return err
	}
	return d.withOwnership(func() error {
		if err := d.channels.Remove(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
		return nil
	})
}
