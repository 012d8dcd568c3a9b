package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"TokenSettle/internal/app"
	"TokenSettle/internal/chain"
	"TokenSettle/internal/config"
	"TokenSettle/internal/logging"
	"TokenSettle/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		bootLog := logging.New("worker")
		bootLog.Fatal().Err(err).Msg("config load failed")
	}
	log := logging.Setup("settle-worker", logging.Options{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	reaper := &worker.Reaper{
		Store:      a.Store,
		Timeout:    cfg.PendingTimeout(),
		StaleAfter: cfg.InFlightWindow(),
		Interval:   time.Duration(cfg.Worker.ReaperIntervalSec) * time.Second,
		Metrics:    a.Metrics,
		Log:        logging.New("reaper"),
	}
	outbox := &worker.OutboxConsumer{
		Store:     a.Store,
		Referrals: a.Referrals,
		BatchSize: cfg.Worker.OutboxBatchSize,
		Interval:  time.Duration(cfg.Worker.OutboxIntervalSec) * time.Second,
		Log:       logging.New("outbox"),
	}
	reconciler := &worker.Reconciler{
		Watchers: watchers(cfg, a.Ledger),
		Ledger:   a.Ledger,
		Address:  a.Credentials.FundingAddress(),
		Payouts:  a.Referrals,
		Metrics:  a.Metrics,
		Log:      logging.New("reconciler"),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reaper.Run(ctx) })
	g.Go(func() error { return outbox.Run(ctx) })
	g.Go(func() error { return reconciler.Run(ctx) })
	if addr := cfg.Worker.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			log.Info().Str("addr", addr).Msg("metrics listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	log.Info().Strs("rpc", cfg.Chain.RPCEndpoints).Str("reconciler_mode", cfg.Worker.ReconcilerMode).Msg("worker started")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("worker stopped")
	}
}

// watchers builds the funding account watchers for the configured mode:
// ws, poll or both.
func watchers(cfg *config.Config, ledger chain.Ledger) []chain.Watcher {
	poll := &chain.PollWatcher{
		Ledger:   ledger,
		Interval: time.Duration(cfg.Worker.PollIntervalSec) * time.Second,
		Log:      logging.New("poll"),
	}
	ws := &chain.WSWatcher{
		Endpoints:  chain.WSEndpoints(cfg.Chain.WSEndpoints, cfg.Chain.RPCEndpoints),
		Commitment: cfg.Chain.Commitment,
		Backoff:    3 * time.Second,
		Log:        logging.New("ws"),
	}
	switch cfg.Worker.ReconcilerMode {
	case "poll":
		return []chain.Watcher{poll}
	case "both":
		return []chain.Watcher{ws, poll}
	default:
		return []chain.Watcher{ws}
	}
}
