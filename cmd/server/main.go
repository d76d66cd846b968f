package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/recipebox/recipebox/internal/orchestrator"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(orchestrator.ExitCode(err))
	}
}

// newRootCommand creates the recipebox command tree. Running it without a
// subcommand starts the server.
func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	serve := newServeCommand(opts)
	cmd := &cobra.Command{
		Use:           "recipebox",
		Short:         "recipebox runtime: API listener, background jobs and client push streams",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}

	defaultConfig := os.Getenv("RECIPEBOX_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "config.yaml"
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", defaultConfig, "path to the configuration file")

	cmd.AddCommand(serve)
	cmd.AddCommand(newConfigCommand(opts))
	cmd.AddCommand(newCtlCommand())

	return cmd
}
