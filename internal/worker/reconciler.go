package worker

import (
	"context"
	"fmt"
	"sync"

	"TokenSettle/internal/chain"
	"TokenSettle/internal/metrics"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type FundingRetrier interface {
	RetryAwaitingFunds(ctx context.Context) (int, error)
}

// Reconciler watches the funding account and retries parked payouts whenever
// its balance goes up. Several watchers may report the same change; each slot
// is acted on at most once.
type Reconciler struct {
	Watchers []chain.Watcher
	Ledger   chain.Ledger
	Address  solana.PublicKey
	Payouts  FundingRetrier
	Metrics  *metrics.Settlement
	Log      zerolog.Logger

	mu          sync.Mutex
	lastBalance uint64
	lastSlot    uint64
	primed      bool
}

func (r *Reconciler) Run(ctx context.Context) error {
	if len(r.Watchers) == 0 {
		return fmt.Errorf("reconciler has no watchers")
	}
	if err := r.prime(ctx); err != nil {
		r.Log.Warn().Err(err).Msg("initial funding balance unavailable")
	}
	r.Log.Info().Str("address", r.Address.String()).Int("watchers", len(r.Watchers)).Msg("reconciler started")

	g, ctx := errgroup.WithContext(ctx)
	for _, w := range r.Watchers {
		g.Go(func() error {
			return w.Watch(ctx, r.Address, r.Handle)
		})
	}
	return g.Wait()
}

func (r *Reconciler) prime(ctx context.Context) error {
	balance, err := r.Ledger.GetBalance(ctx, r.Address)
	if err != nil {
		return err
	}
	slot, err := r.Ledger.Slot(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastBalance, r.lastSlot, r.primed = balance, slot, true
	return nil
}

// Handle processes one change notification. The balance is always re-read
// from the ledger rather than taken from the notification.
func (r *Reconciler) Handle(ctx context.Context, change chain.AccountChange) {
	log := r.Log.With().Str("source", change.Source).Uint64("slot", change.Slot).Logger()

	balance, err := r.Ledger.GetBalance(ctx, r.Address)
	if err != nil {
		r.Metrics.ReconcileRun("error")
		log.Warn().Err(err).Msg("read funding balance")
		return
	}
	slot := change.Slot
	if slot == 0 {
		if slot, err = r.Ledger.Slot(ctx); err != nil {
			r.Metrics.ReconcileRun("error")
			log.Warn().Err(err).Msg("read slot")
			return
		}
	}

	r.mu.Lock()
	if r.primed && slot <= r.lastSlot {
		r.mu.Unlock()
		r.Metrics.ReconcileRun("duplicate")
		return
	}
	increased := !r.primed || balance > r.lastBalance
	previous := r.lastBalance
	r.lastBalance, r.lastSlot, r.primed = balance, slot, true
	r.mu.Unlock()

	if !increased {
		r.Metrics.ReconcileRun("unchanged")
		return
	}

	n, err := r.Payouts.RetryAwaitingFunds(ctx)
	if err != nil {
		r.Metrics.ReconcileRun("error")
		log.Warn().Err(err).Int("groups", n).Msg("retry awaiting payouts")
		return
	}
	r.Metrics.ReconcileRun("retried")
	log.Info().Uint64("previous", previous).Uint64("balance", balance).Int("groups", n).Msg("funding balance increased")
}
