package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/chatcap/internal/api"
	"github.com/MikeSquared-Agency/chatcap/internal/browser"
	"github.com/MikeSquared-Agency/chatcap/internal/dispatch"
	"github.com/MikeSquared-Agency/chatcap/internal/extractor"
	"github.com/MikeSquared-Agency/chatcap/internal/hermes"
	"github.com/MikeSquared-Agency/chatcap/internal/hybrid"
	"github.com/MikeSquared-Agency/chatcap/internal/session"
	"github.com/MikeSquared-Agency/chatcap/internal/store"
)

const maintenanceInterval = 10 * time.Minute

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the capture engine with its HTTP and NATS transports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(parent context.Context) error {
	cfg, logger := a.cfg, a.logger
	logger.Info("chatcap starting", "port", cfg.Port)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	ext, err := a.newExtractor()
	if err != nil {
		return err
	}

	mgr := session.NewManager(st, ext, session.Options{
		BufferMax:     cfg.BufferMax,
		IdleTimeout:   cfg.IdleTimeout,
		SweepInterval: cfg.SweepInterval,
		RestoreMaxAge: cfg.RestoreMaxAge,
		FlushTimeout:  cfg.FlushTimeout,
	}, logger)

	// Mutation source (optional; live chunks still arrive over HTTP and NATS)
	if cfg.DebuggerURL != "" {
		src, err := browser.Connect(ctx, cfg.DebuggerURL, logger)
		if err != nil {
			logger.Warn("browser unavailable, mutation capture disabled", "error", err)
		} else {
			defer src.Close()
			mgr.SetListener(attachingListener(src, mgr))
		}
	}

	resumed, expired, err := mgr.Restore(ctx)
	if err != nil {
		logger.Warn("failed to restore sessions", "error", err)
	} else {
		logger.Info("sessions restored", "resumed", resumed, "expired", expired)
	}

	coord := hybrid.New(ext, mgr, st, cfg.HybridGrace, logger)
	defer coord.Close()
	d := dispatch.New(ext, st, mgr, coord, logger)

	// NATS/Hermes (optional; HTTP keeps working without it)
	hermesClient, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, logger)
	if err != nil {
		logger.Warn("NATS unavailable, running HTTP only", "error", err)
	} else {
		defer hermesClient.Close()
		bridge := hermes.NewBridge(hermesClient, d, logger)
		if err := bridge.Start(ctx); err != nil {
			logger.Warn("failed to register NATS handlers", "error", err)
		} else {
			st.OnStored(bridge.PublishStored)
			logger.Info("NATS connected", "url", cfg.NatsURL)
		}
	}

	srv := api.NewServer(cfg.Port, cfg.APIToken, d, st, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		mgr.Run(gctx)
		return nil
	})
	g.Go(func() error {
		runMaintenance(gctx, a, st)
		return nil
	})
	g.Go(func() error {
		return srv.Start(gctx)
	})

	logger.Info("chatcap ready", "port", cfg.Port, "backend", st.BackendName())
	err = g.Wait()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mgr.Shutdown(shutdownCtx)
	logger.Info("chatcap stopped")
	return err
}

// attachingListener attaches the session's tab before observing it.
func attachingListener(src *browser.Source, mgr *session.Manager) session.Listener {
	return func(ctx context.Context, tabID int, enqueue func(context.Context, extractor.MutationBatch) error) error {
		info, ok := mgr.Get(tabID)
		if !ok {
			return nil
		}
		if _, err := src.Attach(ctx, tabID, info.URL); err != nil {
			return err
		}
		defer src.Detach(tabID)
		return src.Listen(ctx, tabID, enqueue)
	}
}

type maintainer interface {
	Maintain(ctx context.Context) (store.MaintenanceReport, error)
}

func runMaintenance(ctx context.Context, a *app, st maintainer) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := st.Maintain(ctx)
			if err != nil {
				a.logger.Warn("maintenance failed", "error", err)
				continue
			}
			if report.Trigger != "" {
				a.logger.Info("maintenance complete",
					"trigger", report.Trigger,
					"deduped", report.Deduped,
					"evicted", report.Evicted,
					"remaining", report.After,
				)
			}
		}
	}
}
