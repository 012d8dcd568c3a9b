package services

import (
	"context"
	"errors"
	"fmt"

	"TokenSettle/internal/assets"
	"TokenSettle/internal/chain"
	"TokenSettle/internal/custody"
	"TokenSettle/internal/metrics"
	"TokenSettle/internal/models"
	"TokenSettle/internal/payments"
	"TokenSettle/internal/pricing"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type ReferralRates struct {
	Standard  decimal.Decimal
	Elevated  decimal.Decimal
	Secondary decimal.Decimal
	// Threshold is the referred primary-product volume that unlocks payouts.
	Threshold decimal.Decimal
}

func (r ReferralRates) forTier(t models.Tier) decimal.Decimal {
	if t == models.TierElevated {
		return r.Elevated
	}
	return r.Standard
}

type ReferralService struct {
	Store            RewardStore
	Assets           *assets.Registry
	Pricing          pricing.Service
	Settler          *payments.Settler
	Credentials      *custody.Credentials
	Rates            ReferralRates
	PrimaryProduct   string
	SecondaryProduct string
	// ChainAsset is the native asset transfer rewards are paid in. Only its
	// payouts may wait for the funding account to be topped up.
	ChainAsset string
	Metrics    *metrics.Settlement
	Log        zerolog.Logger
}

// Accrue derives the referral rewards of a completed order and attempts a
// payout for the referrer. Running it again for the same order inserts nothing.
func (s *ReferralService) Accrue(ctx context.Context, orderID string) error {
	order, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return mapStoreErr(err)
	}
	if order.Status != models.OrderCompleted {
		return nil
	}
	referrer, err := s.Store.FindReferrer(ctx, order.OwnerID)
	if err != nil {
		if errors.Is(mapStoreErr(err), ErrNotFound) {
			return nil
		}
		return err
	}

	rewards, err := s.rewardsFor(ctx, order, referrer)
	if err != nil {
		return err
	}
	if len(rewards) > 0 {
		inserted, err := s.Store.InsertRewards(ctx, rewards)
		if err != nil {
			return err
		}
		if inserted > 0 {
			s.Log.Info().Str("order_id", order.OrderID).Str("referrer_id", referrer.OwnerID).Int("rewards", inserted).Msg("referral rewards accrued")
		}
	}

	if err := s.TrySettle(ctx, referrer.OwnerID); err != nil {
		s.Log.Warn().Err(err).Str("referrer_id", referrer.OwnerID).Msg("referral payout failed")
	}
	return nil
}

func (s *ReferralService) rewardsFor(ctx context.Context, order *models.Order, referrer *models.Wallet) ([]*models.ReferralReward, error) {
	rate := s.Rates.forTier(referrer.Tier)
	var out []*models.ReferralReward

	output, err := s.Assets.Lookup(order.OutputAsset)
	if err != nil {
		return nil, err
	}
	if q := output.Round(order.OutputQuantity.Mul(rate)); q.IsPositive() {
		out = append(out, s.reward(order, referrer, models.RewardKindOutput, output.Symbol, q))
	}

	input, err := s.Assets.Lookup(order.InputAsset)
	if err != nil {
		return nil, err
	}
	if !input.Transferable() {
		return out, nil
	}
	transferRate := rate
	if order.OutputAsset == assets.Normalize(s.SecondaryProduct) {
		transferRate = s.Rates.Secondary
	}
	chainAsset, err := s.Assets.Lookup(s.ChainAsset)
	if err != nil {
		return nil, err
	}
	amount := order.InputQuantity.Mul(transferRate)
	if input.Symbol != chainAsset.Symbol {
		// Non-native inputs are converted at the current USD price of the chain asset.
		inputUSD, err := s.Pricing.PriceUSD(ctx, input)
		if err != nil {
			return nil, err
		}
		chainUSD, err := s.Pricing.PriceUSD(ctx, chainAsset)
		if err != nil {
			return nil, err
		}
		amount = amount.Mul(inputUSD).Div(chainUSD)
	}
	if q := chainAsset.Round(amount); q.IsPositive() {
		out = append(out, s.reward(order, referrer, models.RewardKindTransfer, chainAsset.Symbol, q))
	}
	return out, nil
}

func (s *ReferralService) reward(order *models.Order, referrer *models.Wallet, kind models.RewardKind, asset string, q decimal.Decimal) *models.ReferralReward {
	return &models.ReferralReward{
		RewardID:   uuid.NewString(),
		ReferrerID: referrer.OwnerID,
		ReferredID: order.OwnerID,
		OrderID:    order.OrderID,
		Kind:       kind,
		Asset:      asset,
		Quantity:   q,
		Status:     models.RewardPending,
	}
}

// TrySettle pays out every pending reward group of referrerID once the
// referrer's referred volume has crossed the threshold.
func (s *ReferralService) TrySettle(ctx context.Context, referrerID string) error {
	referrer, err := s.Store.GetWallet(ctx, referrerID)
	if err != nil {
		return mapStoreErr(err)
	}
	volume, err := s.Store.ReferredVolume(ctx, referrer.ReferralCode, assets.Normalize(s.PrimaryProduct))
	if err != nil {
		return err
	}
	if volume.LessThan(s.Rates.Threshold) {
		s.Log.Debug().Str("referrer_id", referrerID).Str("volume", volume.String()).Msg("referral payout below threshold")
		return nil
	}

	groups, err := s.Store.ListGroups(ctx, models.RewardPending, referrerID)
	if err != nil {
		return err
	}
	var errs []error
	for _, g := range groups {
		if err := s.settleGroup(ctx, referrer, g, models.RewardPending); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RetryAwaitingFunds makes one payout attempt for every group parked on the
// funding account. Groups that fail again are marked failed.
func (s *ReferralService) RetryAwaitingFunds(ctx context.Context) (int, error) {
	groups, err := s.Store.ListGroups(ctx, models.RewardAwaitingFunds, "")
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, g := range groups {
		referrer, err := s.Store.GetWallet(ctx, g.ReferrerID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.settleGroup(ctx, referrer, g, models.RewardAwaitingFunds); err != nil {
			errs = append(errs, err)
		}
	}
	return len(groups), errors.Join(errs...)
}

// settleGroup claims the group's rewards in from and pays their sum in a
// single transfer.
func (s *ReferralService) settleGroup(ctx context.Context, referrer *models.Wallet, g models.PayoutGroup, from models.RewardStatus) error {
	batchID := uuid.NewString()
	rewards, err := s.Store.ClaimBatch(ctx, g, from, batchID)
	if err != nil {
		return err
	}
	if len(rewards) == 0 {
		return nil
	}
	log := s.Log.With().Str("batch_id", batchID).Str("referrer_id", g.ReferrerID).Str("asset", g.Asset).Int("rewards", len(rewards)).Logger()

	asset, err := s.Assets.Lookup(g.Asset)
	if err != nil {
		s.release(ctx, batchID, log)
		return err
	}
	total := decimal.Zero
	for _, r := range rewards {
		total = total.Add(r.Quantity)
	}
	units, err := asset.FloorBaseUnits(total)
	if err != nil || units == 0 {
		s.release(ctx, batchID, log)
		return err
	}
	to, err := solana.PublicKeyFromBase58(referrer.Address)
	if err != nil {
		s.release(ctx, batchID, log)
		return fmt.Errorf("referrer %s address: %w", referrer.OwnerID, err)
	}

	payout := payments.Payout{
		Op:     "referral_payout",
		Asset:  asset,
		Amount: units,
		To:     to,
		Source: s.Credentials.Authority(),
		Payer:  s.Credentials.Funding(),
	}
	if asset.Native() {
		payout.Source = s.Credentials.Funding()
	}
	sig, err := s.Settler.Pay(ctx, payout)
	if err != nil {
		return s.recordFailure(context.WithoutCancel(ctx), batchID, asset, from, err, log)
	}

	if _, err := s.Store.MarkBatchPaid(context.WithoutCancel(ctx), batchID, sig.String()); err != nil {
		log.Error().Err(err).Str("signature", sig.String()).Msg("paid batch could not be recorded")
		return err
	}
	s.Metrics.PayoutBatch(asset.Symbol, string(models.RewardPaid))
	log.Info().Str("total", total.String()).Str("signature", sig.String()).Msg("referral batch paid")
	return nil
}

func (s *ReferralService) recordFailure(ctx context.Context, batchID string, asset assets.Asset, from models.RewardStatus, cause error, log zerolog.Logger) error {
	se := chain.Classify(cause)
	status := models.RewardFailed
	if from == models.RewardPending && se.FundingShortfall() && asset.Symbol == assets.Normalize(s.ChainAsset) {
		status = models.RewardAwaitingFunds
	}

	var err error
	if status == models.RewardAwaitingFunds {
		_, err = s.Store.MarkBatchAwaitingFunds(ctx, batchID, string(se.Kind))
	} else {
		_, err = s.Store.MarkBatchFailed(ctx, batchID, string(se.Kind))
	}
	if err != nil {
		log.Error().Err(err).Msg("record batch failure")
	}
	s.Metrics.PayoutBatch(asset.Symbol, string(status))
	log.Warn().Err(cause).Str("status", string(status)).Msg("referral batch not paid")
	return submissionError("referral_payout", cause)
}

func (s *ReferralService) release(ctx context.Context, batchID string, log zerolog.Logger) {
	if err := s.Store.ReleaseBatch(context.WithoutCancel(ctx), batchID); err != nil {
		log.Error().Err(err).Msg("release batch")
	}
}

func (s *ReferralService) ListRewards(ctx context.Context, referrerID string) ([]*models.ReferralReward, error) {
	return s.Store.ListRewardsByReferrer(ctx, referrerID, defaultListLimit)
}
