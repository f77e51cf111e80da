package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentopia/toolbox-agent/internal/app"
)

type serveOptions struct {
	debug      bool
	configPath string
	listen     string
}

// newServeCmd creates the command that runs the agent.
func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the toolbox agent",
		Long: `Runs the toolbox agent until interrupted.

On start the agent recovers the instances it owns from the labels of their
containers, then serves the orchestration API and runs capability discovery,
credential refresh and the health heartbeat in the background.

Configuration:
  The YAML file given with --config is layered over the built-in defaults.
  Secrets can be supplied through the environment instead of the file:
    TOOLBOX_AGENT_API_TOKEN, TOOLBOX_AGENT_JWT_SECRET,
    TOOLBOX_AGENT_BROKER_TOKEN, TOOLBOX_AGENT_BROKER_CLIENT_SECRET, ...

Stopping the agent leaves the managed containers running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&opts.configPath, "config", "", "Path to the agent configuration file")
	cmd.Flags().StringVar(&opts.listen, "listen", "", "Override the API listen address (e.g. :8700)")
	return cmd
}

func runServe(cmd *cobra.Command, opts *serveOptions) error {
	cfg := app.NewConfig(opts.debug, opts.configPath, opts.listen, GetVersion())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApplication(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	return application.Run(ctx)
}
