package pricing

import (
	"context"
	"errors"
	"fmt"

	"TokenSettle/internal/assets"

	"github.com/shopspring/decimal"
)

var ErrNoPrice = errors.New("price unavailable")

// Oracle quotes the spot price of an asset in USD.
type Oracle interface {
	SpotPrice(ctx context.Context, symbol string) (Quote, error)
}

type Service struct {
	Oracle Oracle
}

type Snapshot struct {
	Symbol   string          `json:"symbol"`
	PriceUSD decimal.Decimal `json:"price_usd"`
	Source   string          `json:"source"`
}

// CurrentSnapshot prices one unit of asset. Stable assets are pegged at 1 and
// product tokens carry a fixed configured price; only native assets hit the oracle.
func (s Service) CurrentSnapshot(ctx context.Context, asset assets.Asset) (Snapshot, error) {
	switch asset.Kind {
	case assets.KindStable:
		return Snapshot{Symbol: asset.Symbol, PriceUSD: decimal.NewFromInt(1), Source: "peg"}, nil
	case assets.KindProduct:
		return Snapshot{Symbol: asset.Symbol, PriceUSD: asset.UnitPriceUSD, Source: "fixed"}, nil
	}
	if s.Oracle == nil {
		return Snapshot{}, fmt.Errorf("%w: no oracle for %s", ErrNoPrice, asset.Symbol)
	}
	q, err := s.Oracle.SpotPrice(ctx, asset.Symbol)
	if err != nil {
		return Snapshot{}, err
	}
	if !q.Price.IsPositive() {
		return Snapshot{}, fmt.Errorf("%w: non-positive quote for %s", ErrNoPrice, asset.Symbol)
	}
	return Snapshot{Symbol: asset.Symbol, PriceUSD: q.Price, Source: q.Source}, nil
}

func (s Service) PriceUSD(ctx context.Context, asset assets.Asset) (decimal.Decimal, error) {
	snap, err := s.CurrentSnapshot(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	return snap.PriceUSD, nil
}
