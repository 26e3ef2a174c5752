package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattjoyce/switchyard/internal/app"
	"github.com/mattjoyce/switchyard/internal/command"
	"github.com/mattjoyce/switchyard/internal/config"
	"github.com/mattjoyce/switchyard/internal/dispatch"
	"github.com/mattjoyce/switchyard/internal/events"
	"github.com/mattjoyce/switchyard/internal/log"
	"github.com/mattjoyce/switchyard/internal/proxy"
	"github.com/mattjoyce/switchyard/internal/registry"
	"github.com/mattjoyce/switchyard/internal/sandbox"
	"github.com/mattjoyce/switchyard/internal/workspace"
)

// routerRuntime is the wired router: one registry, injector, proxy and
// dispatcher built from a loaded config.
type routerRuntime struct {
	cfg        *config.Config
	store      *app.Store
	registry   *registry.Registry
	injector   *workspace.Injector
	proxy      *proxy.Proxy
	hub        *events.Hub
	dispatcher *dispatch.Dispatcher
}

func (c *cli) loadConfig() (*config.Config, error) {
	path := c.configPath
	if path == "" {
		path = config.DiscoverConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	return cfg, nil
}

func newInjector(cfg *config.Config) (*workspace.Injector, error) {
	return workspace.NewInjector(workspace.Options{
		ScratchBase:    cfg.Service.ScratchDir,
		Passthrough:    cfg.Execution.EnvPassthrough,
		AppEnv:         cfg.AppEnv,
		DiscoveryRoots: cfg.Discovery.Roots,
	})
}

// newLauncher returns nil when entry points run unconfined.
func newLauncher(mode string) (*sandbox.Launcher, error) {
	if mode == config.SandboxOff {
		return nil, nil
	}
	l, err := sandbox.NewLauncher()
	switch {
	case err == nil:
		return l, nil
	case errors.Is(err, sandbox.ErrUnavailable) && mode != config.SandboxRequired:
		return nil, nil
	default:
		return nil, fmt.Errorf("execution.sandbox=%s: %w", mode, err)
	}
}

// newRouterRuntime wires the router and runs the initial discovery.
func newRouterRuntime(ctx context.Context, cfg *config.Config) (*routerRuntime, error) {
	store, err := app.NewStore(cfg.Discovery.Roots, log.Func(log.WithComponent("discovery")))
	if err != nil {
		return nil, err
	}
	reg := registry.New(store, log.Func(log.WithComponent("registry")))
	if _, err := reg.Rediscover(ctx); err != nil {
		return nil, fmt.Errorf("discover applications: %w", err)
	}

	inj, err := newInjector(cfg)
	if err != nil {
		return nil, err
	}

	launcher, err := newLauncher(cfg.Execution.Sandbox)
	if err != nil {
		return nil, err
	}
	runner := proxy.NewExecRunner(cfg.Execution.GracePeriod, cfg.Execution.MaxOutputBytes)
	if launcher != nil {
		runner = runner.WithSandbox(launcher)
	}
	log.WithComponent("proxy").Info("supervision mode",
		"confined", launcher != nil, "sandbox", cfg.Execution.Sandbox, "landlock_abi", sandbox.ABI())

	px := proxy.New(
		runner,
		proxy.Config{
			ProtectedPaths: cfg.Execution.ProtectedPaths,
			DiscoveryRoots: store.Roots(),
			ReadOnlyPaths:  append(append([]string(nil), sandbox.DefaultReadOnly...), cfg.Execution.ReadOnlyPaths...),
			ScratchBase:    inj.ScratchBase(),
			HashContents:   cfg.Execution.HashContents,
			HashMaxBytes:   cfg.Execution.HashMaxBytes,
		},
	)

	hub := events.NewHub(0)
	d := dispatch.New(dispatch.Options{
		Tables:   reg,
		Parser:   command.NewParser(cfg.Command.Marker),
		Injector: inj,
		Executor: px,
		Events:   hub,
	})

	return &routerRuntime{
		cfg:        cfg,
		store:      store,
		registry:   reg,
		injector:   inj,
		proxy:      px,
		hub:        hub,
		dispatcher: d,
	}, nil
}

func (r *routerRuntime) Close() {
	r.hub.Close()
}
