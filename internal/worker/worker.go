// Package worker runs the background loops of the settlement service: the
// pending order reaper, the outbox consumer and the funding reconciler.
package worker

import (
	"context"
	"time"

	"TokenSettle/internal/metrics"

	"github.com/rs/zerolog"
)

// tick calls fn immediately and then on every interval until ctx is done.
func tick(ctx context.Context, interval time.Duration, log zerolog.Logger, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("tick failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type ExpiryStore interface {
	ExpirePendingOrders(ctx context.Context, cutoff, staleCutoff time.Time) ([]string, error)
}

// Reaper fails pending orders older than Timeout. Orders with a transaction
// in flight are left alone until StaleAfter has passed since submission.
type Reaper struct {
	Store      ExpiryStore
	Timeout    time.Duration
	StaleAfter time.Duration
	Interval   time.Duration
	Metrics    *metrics.Settlement
	Log        zerolog.Logger
	Now        func() time.Time
}

func (r *Reaper) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	r.Log.Info().Dur("interval", interval).Dur("timeout", r.Timeout).Msg("reaper started")
	tick(ctx, interval, r.Log, func(ctx context.Context) error {
		_, err := r.SweepOnce(ctx)
		return err
	})
	return nil
}

func (r *Reaper) SweepOnce(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	if r.Now != nil {
		now = r.Now()
	}
	stale := r.StaleAfter
	if stale < r.Timeout {
		stale = r.Timeout
	}
	ids, err := r.Store.ExpirePendingOrders(ctx, now.Add(-r.Timeout), now.Add(-stale))
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		r.Metrics.Transition("order", "failed")
		r.Log.Info().Str("order_id", id).Msg("pending order expired")
	}
	return len(ids), nil
}
