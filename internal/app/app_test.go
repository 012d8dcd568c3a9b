package app

import (
	"testing"

	"TokenSettle/internal/assets"
	"TokenSettle/internal/config"

	"github.com/stretchr/testify/require"
)

func TestReferralRates(t *testing.T) {
	cfg := &config.Config{}
	cfg.Referral.StandardRate = "0.10"
	cfg.Referral.ElevatedRate = "0.15"
	cfg.Referral.SecondaryRate = "0.05"
	cfg.Referral.PayoutThreshold = "10000"
	r, err := referralRates(cfg)
	require.NoError(t, err)
	require.Equal(t, "0.15", r.Elevated.String())

	cfg.Referral.SecondaryRate = "five"
	cfg.Referral.PayoutThreshold = "-1"
	_, err = referralRates(cfg)
	require.ErrorContains(t, err, "secondary_rate")
	require.ErrorContains(t, err, "payout_threshold")
}

func TestStakeSetup(t *testing.T) {
	registry, err := assets.NewRegistry([]config.Asset{
		{Symbol: "SOL", Kind: "native", Decimals: 9},
		{Symbol: "TKN", Kind: "product", Mint: "So11111111111111111111111111111111111111112", Decimals: 6, UnitPriceUSD: "1"},
	})
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Swap.PrimaryProduct = "TKN"
	cfg.Stake.ProgramID = "Stake11111111111111111111111111111111111111"
	asset, program, err := stakeSetup(cfg, registry)
	require.NoError(t, err)
	require.Equal(t, "TKN", asset.Symbol)
	require.Equal(t, asset.Mint, program.Mint)

	cfg.Stake.Asset = "SOL"
	_, _, err = stakeSetup(cfg, registry)
	require.Error(t, err)
}
