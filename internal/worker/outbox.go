package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"TokenSettle/internal/models"

	"github.com/rs/zerolog"
)

type OutboxStore interface {
	ClaimOutbox(ctx context.Context, limit int, lease time.Duration) ([]*models.OutboxEvent, error)
	MarkOutboxDone(ctx context.Context, eventID string) error
	ReleaseOutbox(ctx context.Context, eventID, lastError string) error
}

type Accruer interface {
	Accrue(ctx context.Context, orderID string) error
}

// OutboxConsumer delivers order completion events to referral accrual.
// Delivery is at least once; accrual tolerates repeats.
type OutboxConsumer struct {
	Store     OutboxStore
	Referrals Accruer
	BatchSize int
	Lease     time.Duration
	Interval  time.Duration
	Log       zerolog.Logger
}

func (c *OutboxConsumer) Run(ctx context.Context) error {
	interval := c.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	c.Log.Info().Dur("interval", interval).Msg("outbox consumer started")
	tick(ctx, interval, c.Log, func(ctx context.Context) error {
		_, err := c.ProcessOnce(ctx)
		return err
	})
	return nil
}

// ProcessOnce handles one leased batch and returns how many events completed.
func (c *OutboxConsumer) ProcessOnce(ctx context.Context) (int, error) {
	limit := c.BatchSize
	if limit <= 0 {
		limit = 20
	}
	lease := c.Lease
	if lease <= 0 {
		lease = time.Minute
	}
	events, err := c.Store.ClaimOutbox(ctx, limit, lease)
	if err != nil {
		return 0, err
	}

	done := 0
	for _, ev := range events {
		log := c.Log.With().Str("event_id", ev.EventID).Str("kind", ev.Kind).Int("attempts", ev.Attempts).Logger()
		if err := c.handle(ctx, ev); err != nil {
			log.Warn().Err(err).Msg("outbox event failed")
			if rerr := c.Store.ReleaseOutbox(context.WithoutCancel(ctx), ev.EventID, err.Error()); rerr != nil {
				log.Error().Err(rerr).Msg("release outbox event")
			}
			continue
		}
		if err := c.Store.MarkOutboxDone(context.WithoutCancel(ctx), ev.EventID); err != nil {
			log.Error().Err(err).Msg("mark outbox event done")
			continue
		}
		done++
	}
	return done, nil
}

func (c *OutboxConsumer) handle(ctx context.Context, ev *models.OutboxEvent) error {
	switch ev.Kind {
	case models.EventOrderCompleted:
		var payload struct {
			OrderID string `json:"order_id"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		if payload.OrderID == "" {
			payload.OrderID = ev.AggregateID
		}
		return c.Referrals.Accrue(ctx, payload.OrderID)
	default:
		c.Log.Warn().Str("event_id", ev.EventID).Str("kind", ev.Kind).Msg("unknown outbox event dropped")
		return nil
	}
}
