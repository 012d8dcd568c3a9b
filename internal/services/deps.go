package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"TokenSettle/internal/custody"
	"TokenSettle/internal/models"
	"TokenSettle/internal/store"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// WalletDirectory resolves owners to their ledger wallets.
type WalletDirectory interface {
	GetWallet(ctx context.Context, ownerID string) (*models.Wallet, error)
}

type SignatureClaims interface {
	ClaimSignature(ctx context.Context, sig, kind, refID string) error
}

type OrderStore interface {
	WalletDirectory
	SignatureClaims
	CreateOrder(ctx context.Context, o *models.Order) error
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	CompleteOrder(ctx context.Context, orderID, fundsIn, fundsOut string, ev *models.OutboxEvent) (bool, error)
	FailOrder(ctx context.Context, orderID, reason string) (bool, error)
	MarkOrderSubmitted(ctx context.Context, orderID string) (bool, error)
	NoteOrderFailure(ctx context.Context, orderID, note string) (bool, error)
	ListOrdersByOwner(ctx context.Context, ownerID string, limit int) ([]*models.Order, error)
}

type StakeStore interface {
	WalletDirectory
	SignatureClaims
	GetPlan(ctx context.Context, planID string) (*models.StakePlan, error)
	ListPlans(ctx context.Context) ([]*models.StakePlan, error)
	CreateStake(ctx context.Context, st *models.Stake) error
	GetStake(ctx context.Context, stakeID string) (*models.Stake, error)
	GetStakeBySignature(ctx context.Context, sig string) (*models.Stake, error)
	StakeAccountRecorded(ctx context.Context, account string) (bool, error)
	CompleteStake(ctx context.Context, stakeID, unstakeSig string, claimed decimal.Decimal) (bool, error)
	ListStakesByOwner(ctx context.Context, ownerID string, limit int) ([]*models.Stake, error)
}

type RewardStore interface {
	WalletDirectory
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	FindReferrer(ctx context.Context, referredID string) (*models.Wallet, error)
	InsertRewards(ctx context.Context, rewards []*models.ReferralReward) (int, error)
	ReferredVolume(ctx context.Context, referralCode, asset string) (decimal.Decimal, error)
	ClaimBatch(ctx context.Context, group models.PayoutGroup, status models.RewardStatus, batchID string) ([]*models.ReferralReward, error)
	MarkBatchPaid(ctx context.Context, batchID, signature string) (int64, error)
	MarkBatchAwaitingFunds(ctx context.Context, batchID, reason string) (int64, error)
	MarkBatchFailed(ctx context.Context, batchID, reason string) (int64, error)
	ReleaseBatch(ctx context.Context, batchID string) error
	ListGroups(ctx context.Context, status models.RewardStatus, referrerID string) ([]models.PayoutGroup, error)
	ListRewardsByReferrer(ctx context.Context, referrerID string, limit int) ([]*models.ReferralReward, error)
}

var (
	_ OrderStore  = (*store.Store)(nil)
	_ StakeStore  = (*store.Store)(nil)
	_ RewardStore = (*store.Store)(nil)
)

// Clock is swapped in tests.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c()
}

// ownerWallet resolves ownerID to its directory entry and ledger address.
func ownerWallet(ctx context.Context, dir WalletDirectory, ownerID string) (*models.Wallet, solana.PublicKey, error) {
	if ownerID == "" {
		return nil, solana.PublicKey{}, validationf("owner is required")
	}
	w, err := dir.GetWallet(ctx, ownerID)
	if err != nil {
		return nil, solana.PublicKey{}, mapStoreErr(err)
	}
	addr, err := solana.PublicKeyFromBase58(w.Address)
	if err != nil {
		return nil, solana.PublicKey{}, fmt.Errorf("wallet %s has invalid address: %w", ownerID, err)
	}
	return w, addr, nil
}

func custodyKey(v *custody.Vault, w *models.Wallet) (solana.PrivateKey, error) {
	if v == nil {
		return nil, ErrInvalidCustody
	}
	key, err := v.Open(w.EncryptedKey, w.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCustody, err)
	}
	return key, nil
}

func mapStoreErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

const defaultListLimit = 100
