package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/agentopia/toolbox-agent/internal/config"
	"github.com/agentopia/toolbox-agent/internal/credentials"
	"github.com/agentopia/toolbox-agent/pkg/logging"
)

// Application represents the running toolbox agent.
//
// The Application follows a two-phase initialization pattern:
//  1. Bootstrap phase: load configuration, initialize logging, wire services
//  2. Execution phase: recover state from the runtime, then serve until
//     the context is cancelled
type Application struct {
	config   *Config
	services *Services
}

// NewApplication loads the configuration, configures logging and wires
// every service. It does not touch containers yet.
func NewApplication(ctx context.Context, cfg *Config) (*Application, error) {
	level := logging.LevelInfo
	if cfg.Debug {
		level = logging.LevelDebug
	}
	logging.InitForCLI(level, os.Stdout)

	if cfg.Agent == nil {
		agent, err := config.LoadAgentConfig(cfg.ConfigPath)
		if err != nil {
			logging.Error("Bootstrap", err, "Failed to load agent configuration")
			return nil, fmt.Errorf("failed to load agent configuration: %w", err)
		}
		cfg.Agent = &agent
	}
	if cfg.Listen != "" {
		cfg.Agent.Server.Listen = cfg.Listen
	}
	if err := cfg.Agent.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent configuration: %w", err)
	}
	configureLogging(cfg)

	services, err := InitializeServices(ctx, cfg)
	if err != nil {
		logging.Error("Bootstrap", err, "Failed to initialize services")
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	return &Application{config: cfg, services: services}, nil
}

// configureLogging re-initializes logging with the configured level and
// format. The --debug flag always wins.
func configureLogging(cfg *Config) {
	level := logging.ParseLevel(cfg.Agent.Logging.Level)
	if cfg.Debug {
		level = logging.LevelDebug
	}
	format := logging.FormatText
	if cfg.Agent.Logging.Format == string(logging.FormatJSON) {
		format = logging.FormatJSON
	}
	logging.Init(level, format, os.Stdout)
}

// Services returns the wired services.
func (a *Application) Services() *Services {
	return a.services
}

// Run recovers the registry from the runtime and runs the background loops
// and the HTTP server until ctx is cancelled.
func (a *Application) Run(ctx context.Context) error {
	return run(ctx, a.services)
}

func run(ctx context.Context, s *Services) error {
	if err := recoverInstances(ctx, s); err != nil {
		return err
	}

	if s.Agent.Catalog.Watch {
		if err := s.Catalog.Watch(ctx); err != nil {
			logging.Warn("Bootstrap", "Catalog hot reload disabled: %v", err)
		}
	}

	s.Discovery.Start(ctx)
	defer s.Discovery.Stop()
	defer s.Injector.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.Monitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return s.Server.ListenAndServe(gctx)
	})

	logging.Info("Bootstrap", "Toolbox agent %s running", s.Agent.Agent.ID)
	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.Info("Bootstrap", "Toolbox agent stopped")
	return nil
}

// recoverInstances rebuilds the registry from container labels. Recovered
// instances with OAuth connections get a refresh soon after start, since
// the expiry of the credentials they were started with is unknown.
func recoverInstances(ctx context.Context, s *Services) error {
	n, err := s.Registry.Rebuild(ctx, s.Runtime, s.Agent.Agent.ID)
	if err != nil {
		return fmt.Errorf("failed to recover instances from the runtime: %w", err)
	}
	for _, inst := range s.Registry.List() {
		if len(inst.OAuthConnectionIDs) == 0 {
			continue
		}
		s.Injector.MarkValid(inst.InstanceName, true)
		s.Injector.Schedule(inst.InstanceName, credentials.DefaultRefreshSkew)
	}
	if n > 0 {
		logging.Info("Bootstrap", "Recovered %d instance(s) from the runtime", n)
	}
	return nil
}
