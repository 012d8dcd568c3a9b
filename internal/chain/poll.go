package chain

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
)

// PollWatcher reports balance changes found by periodic reads.
type PollWatcher struct {
	Ledger   Ledger
	Interval time.Duration
	Log      zerolog.Logger
}

var _ Watcher = (*PollWatcher)(nil)

func (p *PollWatcher) Watch(ctx context.Context, address solana.PublicKey, onChange func(context.Context, AccountChange)) error {
	interval := p.Interval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *uint64
	for {
		balance, err := p.Ledger.GetBalance(ctx, address)
		if err != nil {
			p.Log.Warn().Err(err).Msg("poll balance failed")
		} else if last == nil || *last != balance {
			slot, err := p.Ledger.Slot(ctx)
			if err != nil {
				p.Log.Warn().Err(err).Msg("poll slot failed")
			} else {
				b := balance
				last = &b
				onChange(ctx, AccountChange{Source: "poll", Slot: slot, Lamports: &b})
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
