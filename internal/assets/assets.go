package assets

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"TokenSettle/internal/config"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindNative  Kind = "native"
	KindStable  Kind = "stable"
	KindProduct Kind = "product"
)

var (
	ErrUnknownAsset = errors.New("unknown asset")
	ErrPrecision    = errors.New("amount exceeds asset precision")
)

type Asset struct {
	Symbol   string
	Kind     Kind
	Mint     solana.PublicKey
	Decimals int32
	// UnitPriceUSD is the fixed unit price for product tokens; zero otherwise.
	UnitPriceUSD decimal.Decimal
}

// Native reports whether the asset moves with system transfers rather than
// through a token program.
func (a Asset) Native() bool { return a.Kind == KindNative }

// Transferable reports whether the asset can be paid in directly by a user.
func (a Asset) Transferable() bool { return a.Kind == KindNative || a.Kind == KindStable }

// ToBaseUnits converts a decimal quantity to integer base units. Quantities with
// more fractional digits than the asset supports are rejected rather than rounded.
func (a Asset) ToBaseUnits(q decimal.Decimal) (uint64, error) {
	if q.IsNegative() {
		return 0, fmt.Errorf("%s: negative amount %s", a.Symbol, q)
	}
	scaled := q.Shift(a.Decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s has at most %d decimals", ErrPrecision, a.Symbol, a.Decimals)
	}
	if scaled.GreaterThan(fromUint64(math.MaxUint64)) {
		return 0, fmt.Errorf("%s: amount %s overflows", a.Symbol, q)
	}
	return scaled.BigInt().Uint64(), nil
}

// FloorBaseUnits is ToBaseUnits after truncating to the asset precision.
func (a Asset) FloorBaseUnits(q decimal.Decimal) (uint64, error) {
	return a.ToBaseUnits(a.Round(q))
}

func (a Asset) FromBaseUnits(v uint64) decimal.Decimal {
	return fromUint64(v).Shift(-a.Decimals)
}

// Round truncates q to the asset precision.
func (a Asset) Round(q decimal.Decimal) decimal.Decimal {
	return q.Truncate(a.Decimals)
}

type Registry struct {
	bySymbol map[string]Asset
}

func NewRegistry(list []config.Asset) (*Registry, error) {
	r := &Registry{bySymbol: make(map[string]Asset, len(list))}
	for _, entry := range list {
		symbol := Normalize(entry.Symbol)
		if symbol == "" {
			return nil, errors.New("asset symbol is required")
		}
		if _, dup := r.bySymbol[symbol]; dup {
			return nil, fmt.Errorf("duplicate asset %s", symbol)
		}
		kind := Kind(strings.ToLower(strings.TrimSpace(entry.Kind)))
		switch kind {
		case KindNative, KindStable, KindProduct:
		default:
			return nil, fmt.Errorf("asset %s: unknown kind %q", symbol, entry.Kind)
		}
		if entry.Decimals < 0 || entry.Decimals > 18 {
			return nil, fmt.Errorf("asset %s: invalid decimals %d", symbol, entry.Decimals)
		}
		a := Asset{Symbol: symbol, Kind: kind, Decimals: int32(entry.Decimals)}
		if kind != KindNative {
			mint, err := solana.PublicKeyFromBase58(entry.Mint)
			if err != nil {
				return nil, fmt.Errorf("asset %s: invalid mint: %w", symbol, err)
			}
			a.Mint = mint
		}
		if kind == KindProduct {
			price, err := decimal.NewFromString(entry.UnitPriceUSD)
			if err != nil || !price.IsPositive() {
				return nil, fmt.Errorf("asset %s: unit_price_usd must be positive", symbol)
			}
			a.UnitPriceUSD = price
		}
		r.bySymbol[symbol] = a
	}
	return r, nil
}

func (r *Registry) Lookup(symbol string) (Asset, error) {
	a, ok := r.bySymbol[Normalize(symbol)]
	if !ok {
		return Asset{}, fmt.Errorf("%w: %q", ErrUnknownAsset, symbol)
	}
	return a, nil
}

func Normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func fromUint64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}
