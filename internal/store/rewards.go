package store

import (
	"context"

	"TokenSettle/internal/models"

	"github.com/jackc/pgx/v5"
)

const rewardColumns = `reward_id, referrer_id, referred_id, order_id, reward_kind, asset, quantity,
	status, settlement_signature, failure_reason, created_at, updated_at`

func scanReward(row rowScanner) (*models.ReferralReward, error) {
	var r models.ReferralReward
	if err := row.Scan(
		&r.RewardID,
		&r.ReferrerID,
		&r.ReferredID,
		&r.OrderID,
		&r.Kind,
		&r.Asset,
		&r.Quantity,
		&r.Status,
		&r.SettlementSignature,
		&r.FailureReason,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

func collectRewards(rows pgx.Rows) ([]*models.ReferralReward, error) {
	defer rows.Close()
	var out []*models.ReferralReward
	for rows.Next() {
		r, err := scanReward(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertRewards stores new pending rewards, skipping any (order, kind) pair
// already accrued. It returns how many rows were inserted.
func (s *Store) InsertRewards(ctx context.Context, rewards []*models.ReferralReward) (int, error) {
	inserted := 0
	err := pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		for _, r := range rewards {
			res, err := tx.Exec(ctx, `
				INSERT INTO referral_rewards (
					reward_id, referrer_id, referred_id, order_id, reward_kind, asset, quantity, status
				) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
				ON CONFLICT (order_id, reward_kind) DO NOTHING
			`, r.RewardID, r.ReferrerID, r.ReferredID, r.OrderID, r.Kind, r.Asset, r.Quantity, r.Status)
			if err != nil {
				return err
			}
			inserted += int(res.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, translate(err)
	}
	return inserted, nil
}

// ClaimBatch tags every unclaimed reward of the group in status with batchID
// and returns them. Rows claimed by a concurrent settler are skipped.
func (s *Store) ClaimBatch(ctx context.Context, group models.PayoutGroup, status models.RewardStatus, batchID string) ([]*models.ReferralReward, error) {
	rows, err := s.Pool.Query(ctx, `
		UPDATE referral_rewards
		SET batch_id=$4, updated_at=now()
		WHERE referrer_id=$1 AND asset=$2 AND status=$3 AND batch_id IS NULL
		RETURNING `+rewardColumns,
		group.ReferrerID, group.Asset, status, batchID)
	if err != nil {
		return nil, err
	}
	return collectRewards(rows)
}

func (s *Store) MarkBatchPaid(ctx context.Context, batchID, signature string) (int64, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE referral_rewards
		SET status='paid', settlement_signature=$2, failure_reason=NULL, updated_at=now()
		WHERE batch_id=$1 AND status IN ('pending','awaiting_funds')
	`, batchID, signature)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

// MarkBatchAwaitingFunds parks a pending batch until the funding account is
// topped up. The batch tag is cleared so the reconciler can claim it again.
func (s *Store) MarkBatchAwaitingFunds(ctx context.Context, batchID, reason string) (int64, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE referral_rewards
		SET status='awaiting_funds', batch_id=NULL, failure_reason=$2, updated_at=now()
		WHERE batch_id=$1 AND status='pending'
	`, batchID, reason)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

func (s *Store) MarkBatchFailed(ctx context.Context, batchID, reason string) (int64, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE referral_rewards
		SET status='failed', failure_reason=$2, updated_at=now()
		WHERE batch_id=$1 AND status IN ('pending','awaiting_funds')
	`, batchID, reason)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

// ReleaseBatch returns claimed rows to the pool without changing their status.
func (s *Store) ReleaseBatch(ctx context.Context, batchID string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE referral_rewards SET batch_id=NULL, updated_at=now()
		WHERE batch_id=$1 AND status IN ('pending','awaiting_funds')
	`, batchID)
	return err
}

// ListGroups returns the distinct (referrer, asset) pairs holding unclaimed
// rewards in status. An empty referrerID lists every referrer.
func (s *Store) ListGroups(ctx context.Context, status models.RewardStatus, referrerID string) ([]models.PayoutGroup, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT DISTINCT referrer_id, asset FROM referral_rewards
		WHERE status=$1 AND batch_id IS NULL AND ($2 = '' OR referrer_id = $2)
		ORDER BY referrer_id, asset
	`, status, referrerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []models.PayoutGroup
	for rows.Next() {
		var g models.PayoutGroup
		if err := rows.Scan(&g.ReferrerID, &g.Asset); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (s *Store) ListRewardsByReferrer(ctx context.Context, referrerID string, limit int) ([]*models.ReferralReward, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+rewardColumns+` FROM referral_rewards
		WHERE referrer_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, referrerID, limit)
	if err != nil {
		return nil, err
	}
	return collectRewards(rows)
}
