package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lesleslie/mahavishnu/internal/analyzer"
	"github.com/lesleslie/mahavishnu/internal/broadcast"
	"github.com/lesleslie/mahavishnu/internal/config"
	"github.com/lesleslie/mahavishnu/internal/eventbus"
	"github.com/lesleslie/mahavishnu/internal/graph"
	"github.com/lesleslie/mahavishnu/internal/importer"
	"github.com/lesleslie/mahavishnu/internal/push"
	"github.com/lesleslie/mahavishnu/internal/storage"
	"github.com/lesleslie/mahavishnu/internal/storage/memory"
	"github.com/lesleslie/mahavishnu/internal/storage/mysql"
	"github.com/lesleslie/mahavishnu/internal/telemetry"
	"github.com/lesleslie/mahavishnu/internal/types"
	"github.com/lesleslie/mahavishnu/internal/webhook"
)

const shutdownGrace = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the push server and webhook receiver",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher, err := config.Watch(configPath, log)
	if err != nil {
		return err
	}
	defer watcher.Close()
	cfg := watcher.Current()
	applyLogConfig(cfg)

	if err := telemetry.Init(ctx, telemetry.Settings{
		Enabled:      cfg.Telemetry.Enabled,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Stdout:       cfg.Telemetry.Stdout,
	}, "mahavishnu", Version); err != nil {
		return err
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := telemetry.Shutdown(shCtx); err != nil {
			log.WithError(err).Warn("telemetry shutdown")
		}
	}()

	var (
		base   storage.Store
		health func(context.Context) error
	)
	if inMemory {
		base = memory.New()
		log.Warn("running on the in-memory store; state is lost on exit")
	} else {
		relational, err := mysql.Open(ctx, cfg.MySQL())
		if err != nil {
			return err
		}
		base = relational
		health = func(ctx context.Context) error {
			_, err := relational.HealthProbe(ctx)
			return err
		}
	}
	defer base.Close()

	bus := eventbus.New(log)
	store := eventbus.Publish(storage.Instrument(base, cfg.Telemetry.Enabled), bus)

	g := graph.New(store)
	if err := g.LoadFromStore(ctx); err != nil {
		return err
	}
	an := analyzer.New(g, store, 0)
	bus.Register(eventbus.NewFuncHandler("analyzer-invalidate", 10,
		func(context.Context, *eventbus.Notice) error {
			an.Invalidate()
			return nil
		},
		types.EventDependencyAdded, types.EventDependencyRemoved,
		types.EventStatusChanged, types.EventCompleted, types.EventDeleted,
	))

	caster := broadcast.New(broadcast.Config{
		BufferEnabled: cfg.Broadcast.BufferEnabled,
		BufferSize:    cfg.Broadcast.BufferSize,
	}, log)
	bus.Register(broadcast.NewBusBridge(caster))

	pushSrv := push.NewServer(push.Config{
		Host:            cfg.Push.Host,
		Port:            cfg.Push.Port,
		MaxConnections:  cfg.Push.MaxConnections,
		Rate:            cfg.Push.Rate,
		Burst:           cfg.Push.Burst,
		CleanupInterval: cfg.Push.CleanupInterval.Std(),
		AuthEnabled:     cfg.Push.AuthEnabled,
		JWTSecret:       cfg.Auth.JWTSecret,
		TLSCert:         cfg.Push.TLS.Cert,
		TLSKey:          cfg.Push.TLS.Key,
		TLSCA:           cfg.Push.TLS.CA,
	}, log, push.WithStatusSource(caster.Status()))
	if err := pushSrv.Start(); err != nil {
		return err
	}
	caster.Attach(pushSrv)

	imp := importer.New(store, log, importFilter(cfg))
	watcher.OnChange(func(next *config.Config) {
		imp.SetFilter(importFilter(next))
		log.Info("import filter reloaded")
	})

	receiver := webhook.NewReceiver(webhook.Config{
		Addr:         cfg.Webhook.Addr,
		GitHubSecret: cfg.Webhook.GitHubSecret,
		GitLabToken:  cfg.Webhook.GitLabToken,
	}, log, imp, webhook.WithHealth(health))

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(receiver.Start)
	grp.Go(func() error {
		<-gctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		caster.Detach()
		if err := receiver.Shutdown(shCtx); err != nil {
			log.WithError(err).Warn("webhook shutdown")
		}
		return pushSrv.Stop(shCtx)
	})

	log.Info("orchestrator up")
	err = grp.Wait()
	if ctx.Err() != nil {
		log.Info("orchestrator stopped")
		return nil
	}
	return err
}

func importFilter(cfg *config.Config) importer.Filter {
	return importer.Filter{
		Repositories: cfg.Import.Repositories,
		Labels:       cfg.Import.Labels,
		SkipClosed:   cfg.Import.SkipClosed,
	}
}
