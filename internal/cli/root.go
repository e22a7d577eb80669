package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

const defaultServerURL = "http://127.0.0.1:3000"

// rootOptions holds the persistent flags every subcommand can read.
type rootOptions struct {
	configFile string
	serverURL  string
}

// Execute runs the wahub command line until it finishes or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}

func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "wahub",
		Short: "Multi-session WhatsApp gateway",
		Long: `wahub keeps several WhatsApp Web sessions connected at once, relays
inbound messages to a webhook and streams session activity to a live
dashboard. The same binary runs the server and talks to a running one.`,
		SilenceUsage: true,
	}

	serverURL := os.Getenv("WAHUB_SERVER_URL")
	if serverURL == "" {
		serverURL = defaultServerURL
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (default ./config.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&opts.serverURL, "server", serverURL, "base URL of a running wahub server")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newSessionsCmd(opts),
		newSendCmd(opts),
		newWatchCmd(opts),
		newConfigCmd(opts),
	)

	return rootCmd
}
