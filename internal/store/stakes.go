package store

import (
	"context"
	"math/big"

	"TokenSettle/internal/models"

	"github.com/shopspring/decimal"
)

func (s *Store) GetPlan(ctx context.Context, planID string) (*models.StakePlan, error) {
	var p models.StakePlan
	err := s.Pool.QueryRow(ctx, `
		SELECT plan_id, interest_rate, lock_months, active FROM stake_plans WHERE plan_id=$1
	`, planID).Scan(&p.PlanID, &p.InterestRate, &p.LockMonths, &p.Active)
	if err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (s *Store) ListPlans(ctx context.Context) ([]*models.StakePlan, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT plan_id, interest_rate, lock_months, active FROM stake_plans
		WHERE active ORDER BY lock_months
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*models.StakePlan
	for rows.Next() {
		var p models.StakePlan
		if err := rows.Scan(&p.PlanID, &p.InterestRate, &p.LockMonths, &p.Active); err != nil {
			return nil, err
		}
		plans = append(plans, &p)
	}
	return plans, rows.Err()
}

const stakeColumns = `stake_id, owner_id, plan_id, sequence, stake_account, stake_signature,
	unstake_signature, staked_quantity, claimed_quantity, start_date, end_date, status,
	created_at, updated_at`

func scanStake(row rowScanner) (*models.Stake, error) {
	var st models.Stake
	var seq decimal.Decimal
	if err := row.Scan(
		&st.StakeID,
		&st.OwnerID,
		&st.PlanID,
		&seq,
		&st.StakeAccount,
		&st.StakeSignature,
		&st.UnstakeSignature,
		&st.StakedQuantity,
		&st.ClaimedQuantity,
		&st.StartDate,
		&st.EndDate,
		&st.Status,
		&st.CreatedAt,
		&st.UpdatedAt,
	); err != nil {
		return nil, translate(err)
	}
	st.Sequence = seq.BigInt().Uint64()
	return &st, nil
}

// CreateStake inserts an active stake. Reusing a stake signature or stake
// account fails with ErrDuplicate.
func (s *Store) CreateStake(ctx context.Context, st *models.Stake) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO stakes (
			stake_id, owner_id, plan_id, sequence, stake_account, stake_signature,
			staked_quantity, claimed_quantity, start_date, end_date, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		st.StakeID,
		st.OwnerID,
		st.PlanID,
		decimal.NewFromBigInt(new(big.Int).SetUint64(st.Sequence), 0),
		st.StakeAccount,
		st.StakeSignature,
		st.StakedQuantity,
		st.ClaimedQuantity,
		st.StartDate,
		st.EndDate,
		st.Status,
	)
	return translate(err)
}

func (s *Store) GetStake(ctx context.Context, stakeID string) (*models.Stake, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+stakeColumns+` FROM stakes WHERE stake_id=$1`, stakeID)
	return scanStake(row)
}

// GetStakeBySignature finds the stake opened or closed by sig.
func (s *Store) GetStakeBySignature(ctx context.Context, sig string) (*models.Stake, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT `+stakeColumns+` FROM stakes
		WHERE stake_signature=$1 OR unstake_signature=$1
		LIMIT 1
	`, sig)
	return scanStake(row)
}

func (s *Store) StakeAccountRecorded(ctx context.Context, account string) (bool, error) {
	var exists bool
	err := s.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM stakes WHERE stake_account=$1)`, account).Scan(&exists)
	return exists, err
}

func (s *Store) ListStakesByOwner(ctx context.Context, ownerID string, limit int) ([]*models.Stake, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+stakeColumns+` FROM stakes
		WHERE owner_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stakes []*models.Stake
	for rows.Next() {
		st, err := scanStake(rows)
		if err != nil {
			return nil, err
		}
		stakes = append(stakes, st)
	}
	return stakes, rows.Err()
}

// CompleteStake records the unstake exactly once. It reports false when the
// stake was not active or already carried an unstake signature.
func (s *Store) CompleteStake(ctx context.Context, stakeID, unstakeSig string, claimed decimal.Decimal) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE stakes
		SET status='completed', unstake_signature=$2, claimed_quantity=$3, updated_at=now()
		WHERE stake_id=$1 AND status='active' AND unstake_signature IS NULL
	`, stakeID, unstakeSig, claimed)
	if err != nil {
		return false, translate(err)
	}
	return res.RowsAffected() > 0, nil
}
