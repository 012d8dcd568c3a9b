package store

import (
	"context"
	"time"

	"TokenSettle/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const orderColumns = `order_id, owner_id, mode, input_asset, input_quantity, output_asset,
	output_quantity, swap_rate, usd_value, status, funds_in_signature, funds_out_signature,
	failure_reason, submitted_at, created_at, updated_at`

func scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	if err := row.Scan(
		&o.OrderID,
		&o.OwnerID,
		&o.Mode,
		&o.InputAsset,
		&o.InputQuantity,
		&o.OutputAsset,
		&o.OutputQuantity,
		&o.SwapRate,
		&o.USDValue,
		&o.Status,
		&o.FundsInSignature,
		&o.FundsOutSignature,
		&o.FailureReason,
		&o.SubmittedAt,
		&o.CreatedAt,
		&o.UpdatedAt,
	); err != nil {
		return nil, translate(err)
	}
	return &o, nil
}

func (s *Store) CreateOrder(ctx context.Context, o *models.Order) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO orders (
			order_id, owner_id, mode, input_asset, input_quantity, output_asset,
			output_quantity, swap_rate, usd_value, status, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		o.OrderID,
		o.OwnerID,
		o.Mode,
		o.InputAsset,
		o.InputQuantity,
		o.OutputAsset,
		o.OutputQuantity,
		o.SwapRate,
		o.USDValue,
		o.Status,
		o.CreatedAt,
		o.UpdatedAt,
	)
	return translate(err)
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id=$1`, orderID)
	return scanOrder(row)
}

func (s *Store) ListOrdersByOwner(ctx context.Context, ownerID string, limit int) ([]*models.Order, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE owner_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// CompleteOrder moves a pending order to completed with both signatures and
// enqueues ev in the same transaction. It reports false when the order was no
// longer pending.
func (s *Store) CompleteOrder(ctx context.Context, orderID, fundsIn, fundsOut string, ev *models.OutboxEvent) (bool, error) {
	var updated bool
	err := pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		res, err := tx.Exec(ctx, `
			UPDATE orders
			SET status='completed', funds_in_signature=$2, funds_out_signature=$3, updated_at=now()
			WHERE order_id=$1 AND status='pending'
		`, orderID, fundsIn, fundsOut)
		if err != nil {
			return err
		}
		if res.RowsAffected() == 0 {
			return nil
		}
		updated = true
		if ev == nil {
			return nil
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO outbox_events (event_id, kind, aggregate_id, payload, status)
			VALUES ($1,$2,$3,$4,'pending')
		`, ev.EventID, ev.Kind, ev.AggregateID, ev.Payload)
		return err
	})
	return updated, translate(err)
}

func (s *Store) FailOrder(ctx context.Context, orderID, reason string) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET status='failed', failure_reason=$2, updated_at=now()
		WHERE order_id=$1 AND status='pending'
	`, orderID, reason)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// NoteOrderFailure appends note to the failure reason of a failed order.
func (s *Store) NoteOrderFailure(ctx context.Context, orderID, note string) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET failure_reason=COALESCE(failure_reason || '; ', '') || $2, updated_at=now()
		WHERE order_id=$1 AND status='failed'
	`, orderID, note)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// MarkOrderSubmitted stamps a pending order before each ledger submission.
// It reports false when the order is no longer pending.
func (s *Store) MarkOrderSubmitted(ctx context.Context, orderID string) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET submitted_at=now(), updated_at=now()
		WHERE order_id=$1 AND status='pending'
	`, orderID)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// ExpirePendingOrders fails orders created before cutoff that never reached
// the ledger, plus in-flight ones stamped before staleCutoff, and returns
// their ids.
func (s *Store) ExpirePendingOrders(ctx context.Context, cutoff, staleCutoff time.Time) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `
		UPDATE orders
		SET status='failed', failure_reason='expired', updated_at=now()
		WHERE status='pending' AND created_at < $1
			AND (submitted_at IS NULL OR submitted_at < $2)
		RETURNING order_id
	`, cutoff, staleCutoff)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// ReferredVolume sums completed output of asset across every owner referred
// by referralCode.
func (s *Store) ReferredVolume(ctx context.Context, referralCode, asset string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(o.output_quantity), 0)
		FROM orders o
		JOIN wallets w ON w.owner_id = o.owner_id
		WHERE w.referred_by=$1 AND o.status='completed' AND o.output_asset=$2
	`, referralCode, asset).Scan(&total)
	return total, err
}
