// main package for the kaztts-service
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "kaztts-service",
		Short: "Kazakh text-to-speech and RVC voice conversion over HTTP",
		Long: `kaztts-service runs the Kazakh TTS script and the RVC voice conversion
script inside their own virtualenvs and serves the resulting WAV files.

Without --config the configuration is discovered by the central configurator.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, configPath, nil)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a TOML configuration file")

	return cmd
}

func main() {
	err := newRootCommand().ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
