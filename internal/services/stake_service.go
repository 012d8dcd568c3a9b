package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"TokenSettle/internal/assets"
	"TokenSettle/internal/chain"
	"TokenSettle/internal/custody"
	"TokenSettle/internal/metrics"
	"TokenSettle/internal/models"
	"TokenSettle/internal/payments"
	"TokenSettle/internal/stakeprogram"
	"TokenSettle/internal/store"
	"TokenSettle/internal/txbuilder"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type StakeRequest struct {
	OwnerID string
	Amount  decimal.Decimal
	// PlanID selects the plan for custodial stakes. Prepared stakes pick the
	// plan at execution and only carry LockMonths.
	PlanID     string
	LockMonths int
}

type PreparedStake struct {
	Transaction string `json:"transaction"`
	// SequenceHint and StakeAccount reflect the counter when the transaction
	// was built; the recorded stake may land on a later sequence.
	SequenceHint uint64 `json:"sequenceHint"`
	StakeAccount string `json:"stakeAccount"`
}

type PreparedUnstake struct {
	Transaction string `json:"transaction"`
	StakeID     string `json:"stakeId"`
}

type StakeService struct {
	Store   StakeStore
	Asset   assets.Asset
	Program stakeprogram.Program
	Reader  stakeprogram.Reader
	Ledger  chain.Ledger
	Settler *payments.Settler
	Vault   *custody.Vault
	Metrics *metrics.Settlement
	Log     zerolog.Logger
	Clock   Clock
}

func (s *StakeService) ListPlans(ctx context.Context) ([]*models.StakePlan, error) {
	return s.Store.ListPlans(ctx)
}

func (s *StakeService) ListStakes(ctx context.Context, ownerID string) ([]*models.Stake, error) {
	return s.Store.ListStakesByOwner(ctx, ownerID, defaultListLimit)
}

// PrepareStake returns an unsigned stake transaction with the owner as fee payer.
func (s *StakeService) PrepareStake(ctx context.Context, req StakeRequest) (*PreparedStake, error) {
	_, owner, err := ownerWallet(ctx, s.Store, req.OwnerID)
	if err != nil {
		return nil, err
	}
	if err := s.requirePlanFor(ctx, req.LockMonths); err != nil {
		return nil, err
	}
	units, err := s.checkStakeBalance(ctx, owner, req.Amount)
	if err != nil {
		return nil, err
	}

	hint, err := s.Reader.NextSequence(ctx)
	if err != nil {
		return nil, err
	}
	account, err := s.Program.StakeAccountAddress(owner, hint)
	if err != nil {
		return nil, err
	}
	ix, err := s.Program.StakeInstruction(owner, account, stakeprogram.StakeArgs{Amount: units, LockMonths: uint8(req.LockMonths)})
	if err != nil {
		return nil, err
	}
	tx, err := s.Settler.Builder.New(ctx, owner, ix)
	if err != nil {
		return nil, err
	}
	payload, err := txbuilder.Encode(tx)
	if err != nil {
		return nil, err
	}
	return &PreparedStake{Transaction: payload, SequenceHint: hint, StakeAccount: account.String()}, nil
}

// ExecuteStake submits an owner-signed stake transaction and records the stake.
func (s *StakeService) ExecuteStake(ctx context.Context, ownerID, planID, signedTx string) (*models.Stake, error) {
	_, owner, err := ownerWallet(ctx, s.Store, ownerID)
	if err != nil {
		return nil, err
	}
	plan, err := s.activePlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	tx, raw, err := txbuilder.Decode(signedTx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := txbuilder.VerifySigner(tx, owner); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	args, err := txbuilder.MatchStake(tx, s.Program, owner)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if args.Amount == 0 {
		return nil, validationf("stake amount must be positive")
	}
	if int(args.LockMonths) != plan.LockMonths {
		return nil, validationf("transaction locks for %d months, plan %s requires %d", args.LockMonths, plan.PlanID, plan.LockMonths)
	}

	sig := tx.Signatures[0]
	resume, err := s.claimOrResume(ctx, sig, "stake", ownerID)
	if err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)
	if !resume {
		if _, err := s.Settler.SubmitRaw(ctx, "stake", raw); err != nil {
			return nil, s.submitFailed("stake", ownerID, err)
		}
	}
	return s.record(ctx, ownerID, owner, plan, args.Amount, sig)
}

// CreateStake is the custodial stake: sign with the owner's custody key and
// record in one call.
func (s *StakeService) CreateStake(ctx context.Context, req StakeRequest) (*models.Stake, error) {
	wallet, owner, err := ownerWallet(ctx, s.Store, req.OwnerID)
	if err != nil {
		return nil, err
	}
	key, err := custodyKey(s.Vault, wallet)
	if err != nil {
		return nil, err
	}
	plan, err := s.activePlan(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}
	units, err := s.checkStakeBalance(ctx, owner, req.Amount)
	if err != nil {
		return nil, err
	}

	hint, err := s.Reader.NextSequence(ctx)
	if err != nil {
		return nil, err
	}
	account, err := s.Program.StakeAccountAddress(owner, hint)
	if err != nil {
		return nil, err
	}
	ix, err := s.Program.StakeInstruction(owner, account, stakeprogram.StakeArgs{Amount: units, LockMonths: uint8(plan.LockMonths)})
	if err != nil {
		return nil, err
	}
	sig, err := s.Settler.Submit(ctx, "stake", key, nil, ix)
	if err != nil {
		return nil, s.submitFailed("stake", req.OwnerID, err)
	}
	return s.record(ctx, req.OwnerID, owner, plan, units, sig)
}

// locateAttempts bounds how often record re-locates after another stake
// claimed the located account first.
const locateAttempts = 3

// record locates the stake account the confirmed transaction created by
// re-reading the shared counter, then persists the active stake. A failure
// here leaves the stake on the ledger without a row; executing the same
// signed transaction again resumes from this point.
func (s *StakeService) record(ctx context.Context, ownerID string, owner solana.PublicKey, plan *models.StakePlan, units uint64, sig solana.Signature) (*models.Stake, error) {
	ctx = context.WithoutCancel(ctx)
	log := s.Log.With().Str("owner_id", ownerID).Str("signature", sig.String()).Logger()

	for attempt := 1; ; attempt++ {
		st, err := s.locate(ctx, ownerID, owner, plan, units, sig)
		if err != nil {
			log.Error().Err(err).Msg("confirmed stake could not be located")
			return nil, err
		}
		err = s.Store.CreateStake(ctx, st)
		if err == nil {
			s.Metrics.Transition("stake", string(st.Status))
			log.Info().
				Str("stake_id", st.StakeID).
				Uint64("sequence", st.Sequence).
				Str("stake_account", st.StakeAccount).
				Msg("stake recorded")
			return st, nil
		}
		if !errors.Is(err, store.ErrDuplicate) {
			log.Error().Err(err).Str("stake_account", st.StakeAccount).Msg("confirmed stake could not be recorded")
			return nil, err
		}
		if _, lookErr := s.Store.GetStakeBySignature(ctx, sig.String()); lookErr == nil {
			return nil, fmt.Errorf("%w: stake %s already recorded", ErrReplay, sig)
		}
		if attempt == locateAttempts {
			log.Error().Err(err).Str("stake_account", st.StakeAccount).Msg("located stake account kept colliding")
			return nil, err
		}
		log.Warn().Str("stake_account", st.StakeAccount).Msg("located account recorded by another stake, locating again")
	}
}

func (s *StakeService) locate(ctx context.Context, ownerID string, owner solana.PublicKey, plan *models.StakePlan, units uint64, sig solana.Signature) (*models.Stake, error) {
	located, err := s.Reader.Locate(ctx, owner, units, func(seq uint64) bool {
		addr, err := s.Program.StakeAccountAddress(owner, seq)
		if err != nil {
			return false
		}
		recorded, err := s.Store.StakeAccountRecorded(ctx, addr.String())
		return err == nil && recorded
	})
	if err != nil {
		return nil, err
	}

	now := s.Clock.now()
	start := now
	if located.Account.StartTime > 0 {
		start = time.Unix(located.Account.StartTime, 0).UTC()
	}
	end := start.AddDate(0, plan.LockMonths, 0)
	if located.Account.EndTime > 0 {
		end = time.Unix(located.Account.EndTime, 0).UTC()
	}
	return &models.Stake{
		StakeID:         uuid.NewString(),
		OwnerID:         ownerID,
		PlanID:          plan.PlanID,
		Sequence:        located.Sequence,
		StakeAccount:    located.Address.String(),
		StakeSignature:  sig.String(),
		StakedQuantity:  s.Asset.FromBaseUnits(units),
		ClaimedQuantity: decimal.Zero,
		StartDate:       start,
		EndDate:         end,
		Status:          models.StakeActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// claimOrResume claims sig before a client-signed transaction is submitted.
// A signature claimed earlier is resumed (true) when no stake references it
// and the ledger shows it landed without error; otherwise it is a replay.
func (s *StakeService) claimOrResume(ctx context.Context, sig solana.Signature, kind, refID string) (bool, error) {
	err := s.Store.ClaimSignature(ctx, sig.String(), kind, refID)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, store.ErrDuplicate) {
		return false, err
	}
	replay := fmt.Errorf("%w: signature %s", ErrReplay, sig)

	_, err = s.Store.GetStakeBySignature(ctx, sig.String())
	if err == nil {
		return false, replay
	}
	if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	landed, err := s.Ledger.GetTransaction(ctx, sig)
	if errors.Is(err, chain.ErrTxNotFound) {
		return false, replay
	}
	if err != nil {
		return false, err
	}
	if landed.Err != "" {
		return false, replay
	}
	s.Log.Warn().Str("signature", sig.String()).Str("kind", kind).Str("ref_id", refID).Uint64("slot", landed.Slot).
		Msg("resuming landed transaction without a record")
	return true, nil
}

// PrepareUnstake returns the unsigned unstake transaction for an unlocked stake.
func (s *StakeService) PrepareUnstake(ctx context.Context, ownerID, stakeID string) (*PreparedUnstake, error) {
	_, owner, err := ownerWallet(ctx, s.Store, ownerID)
	if err != nil {
		return nil, err
	}
	st, account, err := s.unlockedStake(ctx, ownerID, stakeID)
	if err != nil {
		return nil, err
	}
	ix, err := s.Program.UnstakeInstruction(owner, account)
	if err != nil {
		return nil, err
	}
	tx, err := s.Settler.Builder.New(ctx, owner, ix)
	if err != nil {
		return nil, err
	}
	payload, err := txbuilder.Encode(tx)
	if err != nil {
		return nil, err
	}
	return &PreparedUnstake{Transaction: payload, StakeID: st.StakeID}, nil
}

func (s *StakeService) ExecuteUnstake(ctx context.Context, ownerID, stakeID, signedTx string) (*models.Stake, error) {
	_, owner, err := ownerWallet(ctx, s.Store, ownerID)
	if err != nil {
		return nil, err
	}
	st, account, err := s.unlockedStake(ctx, ownerID, stakeID)
	if err != nil {
		return nil, err
	}
	tx, raw, err := txbuilder.Decode(signedTx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := txbuilder.VerifySigner(tx, owner); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := txbuilder.MatchUnstake(tx, s.Program, owner, account); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	sig := tx.Signatures[0]
	resume, err := s.claimOrResume(ctx, sig, "unstake", stakeID)
	if err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)
	if !resume {
		if _, err := s.Settler.SubmitRaw(ctx, "unstake", raw); err != nil {
			return nil, s.submitFailed("unstake", ownerID, err)
		}
	}
	return s.complete(ctx, st, sig)
}

// Unstake is the custodial unstake.
func (s *StakeService) Unstake(ctx context.Context, ownerID, stakeID string) (*models.Stake, error) {
	wallet, owner, err := ownerWallet(ctx, s.Store, ownerID)
	if err != nil {
		return nil, err
	}
	st, account, err := s.unlockedStake(ctx, ownerID, stakeID)
	if err != nil {
		return nil, err
	}
	key, err := custodyKey(s.Vault, wallet)
	if err != nil {
		return nil, err
	}
	ix, err := s.Program.UnstakeInstruction(owner, account)
	if err != nil {
		return nil, err
	}
	sig, err := s.Settler.Submit(ctx, "unstake", key, nil, ix)
	if err != nil {
		return nil, s.submitFailed("unstake", ownerID, err)
	}
	return s.complete(ctx, st, sig)
}

// complete records a confirmed unstake. On failure the stake stays active
// while closed on the ledger; executing the same signed transaction again
// resumes from this point.
func (s *StakeService) complete(ctx context.Context, st *models.Stake, sig solana.Signature) (*models.Stake, error) {
	ctx = context.WithoutCancel(ctx)
	log := s.Log.With().Str("stake_id", st.StakeID).Str("owner_id", st.OwnerID).Str("signature", sig.String()).Logger()
	plan, err := s.Store.GetPlan(ctx, st.PlanID)
	if err != nil {
		log.Error().Err(err).Msg("confirmed unstake could not be recorded")
		return nil, mapStoreErr(err)
	}
	claimed := ClaimedQuantity(st.StakedQuantity, plan, s.Asset)
	ok, err := s.Store.CompleteStake(ctx, st.StakeID, sig.String(), claimed)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("%w: signature %s", ErrReplay, sig)
		}
		log.Error().Err(err).Msg("confirmed unstake could not be recorded")
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: stake %s already unstaked", ErrReplay, st.StakeID)
	}

	unstake := sig.String()
	st.Status = models.StakeCompleted
	st.UnstakeSignature = &unstake
	st.ClaimedQuantity = claimed
	st.UpdatedAt = s.Clock.now()
	s.Metrics.Transition("stake", string(st.Status))
	log.Info().Str("claimed", claimed.String()).Msg("stake completed")
	return st, nil
}

// ClaimedQuantity is the principal plus simple interest over the lock period.
func ClaimedQuantity(staked decimal.Decimal, plan *models.StakePlan, asset assets.Asset) decimal.Decimal {
	months := decimal.NewFromInt(int64(plan.LockMonths))
	factor := decimal.NewFromInt(1).Add(plan.InterestRate.Mul(months).Div(decimal.NewFromInt(12)))
	return asset.Round(staked.Mul(factor))
}

func (s *StakeService) unlockedStake(ctx context.Context, ownerID, stakeID string) (*models.Stake, solana.PublicKey, error) {
	st, err := s.Store.GetStake(ctx, stakeID)
	if err != nil {
		return nil, solana.PublicKey{}, mapStoreErr(err)
	}
	if st.OwnerID != ownerID {
		return nil, solana.PublicKey{}, ErrNotFound
	}
	if st.Status != models.StakeActive || st.UnstakeSignature != nil {
		return nil, solana.PublicKey{}, fmt.Errorf("%w: stake %s is %s", ErrReplay, stakeID, st.Status)
	}
	if s.Clock.now().Before(st.EndDate) {
		return nil, solana.PublicKey{}, fmt.Errorf("%w until %s", ErrLockPeriod, st.EndDate.Format(time.RFC3339))
	}
	account, err := solana.PublicKeyFromBase58(st.StakeAccount)
	if err != nil {
		return nil, solana.PublicKey{}, fmt.Errorf("stake %s has invalid account: %w", stakeID, err)
	}
	return st, account, nil
}

func (s *StakeService) checkStakeBalance(ctx context.Context, owner solana.PublicKey, amount decimal.Decimal) (uint64, error) {
	if !amount.IsPositive() {
		return 0, validationf("amount must be positive")
	}
	units, err := s.Asset.ToBaseUnits(amount)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	bal, err := s.Ledger.GetTokenBalance(ctx, owner, s.Asset.Mint)
	if err != nil {
		return 0, err
	}
	if bal.Amount < units {
		return 0, fmt.Errorf("%w: %s holds %s %s, needs %s",
			ErrInsufficientBalance, owner, s.Asset.FromBaseUnits(bal.Amount), s.Asset.Symbol, amount)
	}
	return units, nil
}

func (s *StakeService) activePlan(ctx context.Context, planID string) (*models.StakePlan, error) {
	if planID == "" {
		return nil, validationf("plan is required")
	}
	plan, err := s.Store.GetPlan(ctx, planID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, validationf("unknown plan %s", planID)
		}
		return nil, err
	}
	if !plan.Active {
		return nil, validationf("plan %s is closed", planID)
	}
	return plan, nil
}

func (s *StakeService) requirePlanFor(ctx context.Context, lockMonths int) error {
	if lockMonths <= 0 || lockMonths > 255 {
		return validationf("invalid lock period %d", lockMonths)
	}
	plans, err := s.Store.ListPlans(ctx)
	if err != nil {
		return err
	}
	for _, p := range plans {
		if p.Active && p.LockMonths == lockMonths {
			return nil
		}
	}
	return validationf("no active plan locks for %d months", lockMonths)
}

func (s *StakeService) submitFailed(op, ownerID string, err error) error {
	serr := submissionError(op, err)
	s.Log.Warn().Err(err).Str("owner_id", ownerID).Str("op", op).Str("kind", string(serr.Kind)).Msg("stake submission failed")
	return serr
}
