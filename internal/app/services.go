package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentopia/toolbox-agent/internal/api"
	"github.com/agentopia/toolbox-agent/internal/config"
	"github.com/agentopia/toolbox-agent/internal/containerizer"
	"github.com/agentopia/toolbox-agent/internal/controlplane"
	"github.com/agentopia/toolbox-agent/internal/credentials"
	"github.com/agentopia/toolbox-agent/internal/discovery"
	"github.com/agentopia/toolbox-agent/internal/health"
	"github.com/agentopia/toolbox-agent/internal/metrics"
	"github.com/agentopia/toolbox-agent/internal/orchestrator"
	"github.com/agentopia/toolbox-agent/internal/registry"
	"github.com/agentopia/toolbox-agent/internal/server"
	"github.com/agentopia/toolbox-agent/pkg/logging"
)

// Services holds every component of a running agent.
//
// Components are created in dependency order: metrics, runtime, registry,
// catalog and port allocator, credential broker and injector, discovery,
// orchestrator, health monitor, HTTP server.
type Services struct {
	Agent config.AgentConfig

	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer

	Runtime      containerizer.ContainerRuntime
	Registry     *registry.Registry
	Catalog      *config.Catalog
	Manager      *config.Manager
	Injector     *credentials.Injector
	Discovery    *discovery.Engine
	Orchestrator *orchestrator.Orchestrator
	Monitor      *health.Monitor
	Server       *server.Server
}

// InitializeServices creates the container runtime for cfg and wires the
// remaining services around it.
func InitializeServices(ctx context.Context, cfg *Config) (*Services, error) {
	agent := *cfg.Agent
	runtime, err := containerizer.NewContainerRuntime(ctx, agent.Runtime.Type, containerizer.Options{
		CallTimeout: agent.Runtime.CallTimeout,
		PullTimeout: agent.Runtime.PullTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s runtime: %w", agent.Runtime.Type, err)
	}
	return buildServices(ctx, cfg, runtime)
}

// buildServices wires every component around runtime.
func buildServices(ctx context.Context, cfg *Config, runtime containerizer.ContainerRuntime) (*Services, error) {
	agent := *cfg.Agent

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	reg := registry.New()

	catalog := config.NewCatalog(agent.Catalog.Path)
	if agent.Catalog.Path != "" {
		if err := catalog.Load(); err != nil {
			return nil, fmt.Errorf("failed to load image catalog: %w", err)
		}
	}
	ports := config.NewPortAllocator(agent.Ports.Start, agent.Ports.End, agent.Ports.HostIP, reg.UsedPorts)
	manager := config.NewManager(catalog, ports, reg, agent.Ports.HostIP)

	broker, err := newBroker(ctx, agent.Credentials, m)
	if err != nil {
		return nil, err
	}
	injector := credentials.NewInjector(broker, runtime, reg, credentials.Options{
		AgentID:            agent.Agent.ID,
		FetchTimeout:       agent.Credentials.FetchTimeout,
		MaxRefreshInterval: agent.Credentials.MaxRefreshInterval,
		RetryBackoff:       agent.Credentials.RetryBackoff,
		StopGrace:          agent.Runtime.StopGrace,
	})

	engine := discovery.NewEngine(reg, discovery.NewTransportProber(runtime), agent.Runtime.ProbeHost, discovery.Options{
		Interval:         agent.Discovery.Interval,
		Jitter:           agent.Discovery.Jitter,
		Timeout:          agent.Discovery.Timeout,
		FailureThreshold: agent.Discovery.FailureThreshold,
		Metrics:          m,
	})

	orch := orchestrator.New(orchestrator.Dependencies{
		Registry:    reg,
		Runtime:     runtime,
		Config:      manager,
		Credentials: injector,
		Discovery:   engine,
	}, orchestrator.Options{
		AgentID:       agent.Agent.ID,
		Version:       cfg.Version,
		MaxConcurrent: agent.Limits.MaxConcurrentOperations,
		PullImages:    agent.Runtime.PullImages,
		StopGrace:     agent.Runtime.StopGrace,
		ProbeHost:     agent.Runtime.ProbeHost,
		Metrics:       m,
	})

	sink, err := newSink(agent.Health, cfg.Version)
	if err != nil {
		return nil, err
	}
	monitor := health.NewMonitor(reg, runtime, engine, injector, sink, health.Options{
		AgentID:           agent.Agent.ID,
		Version:           cfg.Version,
		Interval:          agent.Health.HeartbeatInterval,
		StartupGrace:      agent.Health.StartupGrace,
		SinkTimeout:       agent.Health.SinkTimeout,
		FailureStreakWarn: agent.Health.FailureStreakWarn,
		Metrics:           m,
		OnPurge: func(inst *api.ManagedInstance) {
			engine.Forget(inst.InstanceName)
			injector.Cancel(inst.InstanceName)
		},
	})

	auth, err := server.NewAuthenticator(agent.Server.AuthToken, agent.Server.JWTSecret, agent.Server.JWTIssuer, agent.Server.JWTAudience)
	if err != nil {
		return nil, err
	}
	srv, err := server.New(orch, server.Options{
		Listen:          agent.Server.Listen,
		Auth:            auth,
		RateLimit:       agent.Server.RateLimit,
		RateBurst:       agent.Server.RateBurst,
		ReadTimeout:     agent.Server.ReadTimeout,
		WriteTimeout:    agent.Server.WriteTimeout,
		ShutdownTimeout: agent.Server.ShutdownTimeout,
		Metrics:         promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
	})
	if err != nil {
		return nil, err
	}

	return &Services{
		Agent:        agent,
		Metrics:      m,
		Gatherer:     promReg,
		Runtime:      runtime,
		Registry:     reg,
		Catalog:      catalog,
		Manager:      manager,
		Injector:     injector,
		Discovery:    engine,
		Orchestrator: orch,
		Monitor:      monitor,
		Server:       srv,
	}, nil
}

func newBroker(ctx context.Context, c config.CredentialsConfig, m *metrics.Metrics) (credentials.Broker, error) {
	if c.BrokerURL == "" {
		logging.Warn("Bootstrap", "No credential broker configured, deploys with OAuth connections will be rejected")
		return unconfiguredBroker{}, nil
	}
	return credentials.NewHTTPBroker(ctx, credentials.HTTPBrokerOptions{
		URL: c.BrokerURL,
		Auth: credentials.BrokerAuth{
			Token:        c.Token,
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			TokenURL:     c.TokenURL,
			Scopes:       c.Scopes,
		},
		Timeout:         c.FetchTimeout,
		BreakerFailures: c.BreakerFailures,
		BreakerTimeout:  c.BreakerTimeout,
		Metrics:         m,
		HTTPClient:      &http.Client{Timeout: c.FetchTimeout},
	})
}

func newSink(c config.HealthConfig, version string) (health.Sink, error) {
	if c.SinkURL == "" {
		logging.Info("Bootstrap", "No control plane sink configured, heartbeats are only logged")
		return controlplane.LogSink{}, nil
	}
	return controlplane.NewHTTPSink(controlplane.HTTPSinkOptions{
		URL:       c.SinkURL,
		Token:     c.SinkToken,
		Timeout:   c.SinkTimeout,
		UserAgent: orchestrator.ServiceName + "/" + version,
	})
}

// unconfiguredBroker rejects every fetch. FetchCredentials never calls it
// for instances without connections.
type unconfiguredBroker struct{}

func (unconfiguredBroker) Fetch(ctx context.Context, req credentials.FetchRequest) (*credentials.Bundle, error) {
	return nil, api.NewError(api.KindCredentialUnavailable, "no credential broker is configured on this toolbox")
}
