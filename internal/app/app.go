// Package app wires configuration into the services shared by the api and
// worker processes.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"TokenSettle/internal/assets"
	"TokenSettle/internal/chain"
	"TokenSettle/internal/config"
	"TokenSettle/internal/custody"
	"TokenSettle/internal/db"
	"TokenSettle/internal/logging"
	"TokenSettle/internal/metrics"
	"TokenSettle/internal/payments"
	"TokenSettle/internal/pricing"
	"TokenSettle/internal/services"
	"TokenSettle/internal/stakeprogram"
	"TokenSettle/internal/store"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

type App struct {
	Config      *config.Config
	Pool        *db.Pool
	Store       *store.Store
	Ledger      *chain.MultiRPCClient
	Assets      *assets.Registry
	Credentials *custody.Credentials
	Pricing     pricing.Service
	Metrics     *metrics.Settlement

	Swaps     *services.SwapService
	Stakes    *services.StakeService
	Referrals *services.ReferralService
}

func New(ctx context.Context, cfg *config.Config) (*App, error) {
	registry, err := assets.NewRegistry(cfg.Assets)
	if err != nil {
		return nil, err
	}
	creds, err := custody.LoadCredentials(
		custody.KeySource{Key: cfg.Custody.AuthorityKey, File: cfg.Custody.AuthorityKeyFile},
		custody.KeySource{Key: cfg.Custody.FundingKey, File: cfg.Custody.FundingKeyFile},
	)
	if err != nil {
		return nil, err
	}
	var vault *custody.Vault
	if cfg.Custody.MasterKey != "" {
		if vault, err = custody.NewVault(cfg.Custody.MasterKey); err != nil {
			return nil, err
		}
	}
	ledger, err := chain.NewMultiRPCClient(cfg.Chain.RPCEndpoints, cfg.Chain.Commitment, cfg.Chain.RPCFailoverThreshold)
	if err != nil {
		return nil, err
	}
	destination, err := solana.PublicKeyFromBase58(cfg.Swap.Destination)
	if err != nil {
		return nil, fmt.Errorf("swap.destination: %w", err)
	}
	rates, err := referralRates(cfg)
	if err != nil {
		return nil, err
	}
	stakeAsset, program, err := stakeSetup(cfg, registry)
	if err != nil {
		return nil, err
	}

	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		return nil, err
	}

	m := metrics.Default()
	st := store.New(pool)
	settler := payments.NewSettler(ledger, cfg.ConfirmTimeout(), m)

	var oracle pricing.Oracle
	if cfg.Oracle.URL != "" {
		oracle = pricing.NewCachedOracle(
			pricing.NewHTTPOracle(cfg.Oracle.URL, time.Duration(cfg.Oracle.TimeoutSeconds)*time.Second),
			time.Duration(cfg.Oracle.RefreshSeconds)*time.Second,
			m,
			logging.New("oracle"),
		)
	}
	prices := pricing.Service{Oracle: oracle}

	a := &App{
		Config:      cfg,
		Pool:        pool,
		Store:       st,
		Ledger:      ledger,
		Assets:      registry,
		Credentials: creds,
		Pricing:     prices,
		Metrics:     m,
	}
	a.Swaps = &services.SwapService{
		Store:          st,
		Assets:         registry,
		Pricing:        prices,
		Ledger:         ledger,
		Settler:        settler,
		Credentials:    creds,
		Vault:          vault,
		Destination:    destination,
		PrimaryProduct: cfg.Swap.PrimaryProduct,
		SettleDelay:    cfg.SettleDelay(),
		PendingTimeout: cfg.PendingTimeout(),
		Metrics:        m,
		Log:            logging.New("swap"),
	}
	a.Stakes = &services.StakeService{
		Store:   st,
		Asset:   stakeAsset,
		Program: program,
		Reader:  stakeprogram.Reader{Program: program, Ledger: ledger},
		Ledger:  ledger,
		Settler: settler,
		Vault:   vault,
		Metrics: m,
		Log:     logging.New("stake"),
	}
	a.Referrals = &services.ReferralService{
		Store:            st,
		Assets:           registry,
		Pricing:          prices,
		Settler:          settler,
		Credentials:      creds,
		Rates:            rates,
		PrimaryProduct:   cfg.Swap.PrimaryProduct,
		SecondaryProduct: cfg.Swap.SecondaryProduct,
		ChainAsset:       cfg.Referral.ChainAsset,
		Metrics:          m,
		Log:              logging.New("referral"),
	}
	return a, nil
}

func (a *App) Close() {
	a.Pool.Close()
}

func referralRates(cfg *config.Config) (services.ReferralRates, error) {
	var r services.ReferralRates
	var errs []error
	parse := func(name, v string) decimal.Decimal {
		d, err := decimal.NewFromString(v)
		if err != nil || d.IsNegative() {
			errs = append(errs, fmt.Errorf("referral.%s: invalid value %q", name, v))
		}
		return d
	}
	r.Standard = parse("standard_rate", cfg.Referral.StandardRate)
	r.Elevated = parse("elevated_rate", cfg.Referral.ElevatedRate)
	r.Secondary = parse("secondary_rate", cfg.Referral.SecondaryRate)
	r.Threshold = parse("payout_threshold", cfg.Referral.PayoutThreshold)
	return r, errors.Join(errs...)
}

func stakeSetup(cfg *config.Config, registry *assets.Registry) (assets.Asset, stakeprogram.Program, error) {
	symbol := cfg.Stake.Asset
	if symbol == "" {
		symbol = cfg.Swap.PrimaryProduct
	}
	asset, err := registry.Lookup(symbol)
	if err != nil {
		return assets.Asset{}, stakeprogram.Program{}, fmt.Errorf("stake.asset: %w", err)
	}
	if asset.Native() {
		return assets.Asset{}, stakeprogram.Program{}, fmt.Errorf("stake.asset: %s is not a token", asset.Symbol)
	}
	programID, err := solana.PublicKeyFromBase58(cfg.Stake.ProgramID)
	if err != nil {
		return assets.Asset{}, stakeprogram.Program{}, fmt.Errorf("stake.program_id: %w", err)
	}
	return asset, stakeprogram.Program{ID: programID, Mint: asset.Mint}, nil
}
