package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wabridge/internal/channels"
	"github.com/nextlevelbuilder/wabridge/internal/store"
)

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <number>",
		Short: "Print the stored chat history for a number, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			number := channels.TrimMobile(channels.UserPart(args[0]))
			return withStores(func(ctx context.Context, s *store.Stores) error {
				msgs, err := s.Messages.GetChatHistory(ctx, number)
				if err != nil {
					return err
				}
				if len(msgs) == 0 {
					fmt.Printf("No messages for %s.\n", number)
					return nil
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTIME\tDIR\tBODY")
				for _, m := range msgs {
					dir := "in"
					if m.IsFromMe {
						dir = "out"
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", m.ID, m.Timestamp.Format("2006-01-02 15:04:05"), dir, channels.Truncate(m.Body, 80))
				}
				return tw.Flush()
			})
		},
	}
}
