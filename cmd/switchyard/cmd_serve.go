package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/switchyard/internal/api"
	"github.com/mattjoyce/switchyard/internal/config"
	"github.com/mattjoyce/switchyard/internal/events"
	"github.com/mattjoyce/switchyard/internal/lock"
	"github.com/mattjoyce/switchyard/internal/log"
	"github.com/mattjoyce/switchyard/internal/registry"
)

func newServeCmd(c *cli) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the dispatch API in the foreground",
		Long: `Serve the dispatch API until interrupted. Only one instance may run per
PID file. With discovery.watch enabled, applications added to or removed from
a discovery root become routable (or stop being routable) without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.API.Listen = listen
			}
			if cfg.API.Listen == "" {
				return fmt.Errorf("api.listen is empty; set it in the config or pass --listen")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides api.listen)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := log.WithComponent("serve")

	pidLock, err := lock.AcquirePIDLock(cfg.Service.PIDFile)
	if err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			return fmt.Errorf("switchyard is already running (pid %d, lock %s)", held.PID, held.Path)
		}
		return err
	}
	defer func() { _ = pidLock.Release() }()

	rt, err := newRouterRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	rt.registry.OnChange(func(next *registry.Table, added, removed []string) {
		rt.hub.Publish(events.RegistryRebuilt, map[string]any{
			"fingerprint": next.Fingerprint(),
			"apps":        next.Identifiers(),
			"added":       added,
			"removed":     removed,
		})
	})

	if cfg.Discovery.Watch {
		w, err := registry.NewWatcher(rt.registry, rt.store.Roots(), cfg.Discovery.Debounce, log.Func(log.WithComponent("watcher")))
		if err != nil {
			return err
		}
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("discovery watcher stopped; routing table is now static", "error", err)
			}
		}()
	}

	srv := api.New(api.Config{
		Listen:         cfg.API.Listen,
		APIKey:         cfg.API.Auth.APIKey,
		Tokens:         cfg.API.Auth.Tokens,
		MaxConcurrent:  cfg.API.MaxConcurrent,
		MaxTimeout:     cfg.API.MaxTimeout,
		DefaultTimeout: cfg.API.DefaultTimeout,
	}, rt.dispatcher, rt.registry, rt.hub, log.WithComponent("api"))

	logger.Info("switchyard serving",
		"pid", os.Getpid(),
		"listen", cfg.API.Listen,
		"apps", rt.registry.Current().Len(),
		"watch", cfg.Discovery.Watch,
	)
	if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
		logger.Warn("no api key or tokens configured; every /v1 request will be refused")
	}

	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("switchyard stopped")
	return nil
}
