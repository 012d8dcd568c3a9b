package stakeprogram

import (
	"context"
	"errors"
	"fmt"

	"TokenSettle/internal/chain"

	"github.com/gagliardetto/solana-go"
)

// DefaultScanWindow bounds how many recent sequence numbers are inspected when
// locating a freshly created stake account.
const DefaultScanWindow = 16

var ErrStakeNotFound = errors.New("stake account not found for confirmed transaction")

type Located struct {
	Sequence uint64
	Address  solana.PublicKey
	Account  StakeAccount
}

// Reader reads stake program state from the ledger.
type Reader struct {
	Program Program
	Ledger  chain.Ledger
	Window  uint64
}

func (r Reader) GlobalState(ctx context.Context) (GlobalState, error) {
	addr, err := r.Program.GlobalStateAddress()
	if err != nil {
		return GlobalState{}, err
	}
	data, err := r.Ledger.GetAccountData(ctx, addr)
	if err != nil {
		return GlobalState{}, fmt.Errorf("read global state: %w", err)
	}
	return DecodeGlobalState(data)
}

// NextSequence is the sequence number the next stake is expected to consume.
// Concurrent stakes by other owners make it a hint only.
func (r Reader) NextSequence(ctx context.Context) (uint64, error) {
	gs, err := r.GlobalState(ctx)
	if err != nil {
		return 0, err
	}
	return gs.StakeCounter, nil
}

func (r Reader) StakeAccount(ctx context.Context, address solana.PublicKey) (StakeAccount, error) {
	data, err := r.Ledger.GetAccountData(ctx, address)
	if err != nil {
		return StakeAccount{}, fmt.Errorf("read stake account %s: %w", address, err)
	}
	return DecodeStakeAccount(data)
}

// Locate re-reads the counter after confirmation and scans downward for the
// open stake account of owner holding amount. Sequences for which taken
// returns true are already recorded and skipped.
func (r Reader) Locate(ctx context.Context, owner solana.PublicKey, amount uint64, taken func(uint64) bool) (Located, error) {
	counter, err := r.NextSequence(ctx)
	if err != nil {
		return Located{}, err
	}
	window := r.Window
	if window == 0 {
		window = DefaultScanWindow
	}
	var floor uint64
	if counter > window {
		floor = counter - window
	}
	for seq := counter; seq > floor; seq-- {
		candidate := seq - 1
		if taken != nil && taken(candidate) {
			continue
		}
		addr, err := r.Program.StakeAccountAddress(owner, candidate)
		if err != nil {
			return Located{}, err
		}
		acc, err := r.StakeAccount(ctx, addr)
		if errors.Is(err, chain.ErrAccountNotFound) {
			continue
		}
		if err != nil {
			return Located{}, err
		}
		if acc.Owner.Equals(owner) && acc.Amount == amount && !acc.Closed {
			return Located{Sequence: candidate, Address: addr, Account: acc}, nil
		}
	}
	return Located{}, ErrStakeNotFound
}
