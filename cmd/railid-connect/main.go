// Command railid-connect runs a small relying-party web app that logs users
// in with RailID using the authorization code flow.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version will be set by the build system
var Version = "dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the railid-connect version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), Version)
			return err
		},
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "railid-connect",
		Short:         "RailID Connect",
		Long:          "RailID Connect, a relying party for the OIDC authorization code flow.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(
		versionCmd(),
		serveCmd(),
	)
	return cmd
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}
