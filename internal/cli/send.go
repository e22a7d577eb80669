package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wahub/wahub/internal/client"
)

func newSendCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "send <session> <to> <text...>",
		Short: "Send a text message through a connected session",
		Long: `Send a text message. <to> is a phone number in international format
without "+" or a full JID such as 123456789-123@g.us.`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args[2:], " ")
			resp, err := client.NewHTTPClient(root.serverURL).SendMessage(cmd.Context(), args[0], args[1], text)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}
}
