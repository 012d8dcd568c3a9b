// Package chaintest provides an in-memory chain.Ledger for tests.
package chaintest

import (
	"context"
	"sync"

	"TokenSettle/internal/chain"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

type tokenKey struct {
	owner solana.PublicKey
	mint  solana.PublicKey
}

type Ledger struct {
	mu       sync.Mutex
	balances map[solana.PublicKey]uint64
	tokens   map[tokenKey]uint64
	accounts map[solana.PublicKey][]byte
	dropped  map[solana.Signature]bool

	// SubmitErr, when set, is returned by SubmitTransaction instead of accepting.
	SubmitErr  error
	ConfirmErr error
	// Reject, when set, may refuse individual transactions.
	Reject func(tx *solana.Transaction) error
	// OnSubmit runs for every accepted transaction before it is recorded.
	OnSubmit func(tx *solana.Transaction)
	// Drop, when it reports true, accepts a transaction that never lands:
	// GetTransaction will not find it.
	Drop func(tx *solana.Transaction) bool

	Submitted []*solana.Transaction
	CurSlot   uint64
	Blockhash solana.Hash
}

var _ chain.Ledger = (*Ledger)(nil)

func New() *Ledger {
	return &Ledger{
		balances:  map[solana.PublicKey]uint64{},
		tokens:    map[tokenKey]uint64{},
		accounts:  map[solana.PublicKey][]byte{},
		dropped:   map[solana.Signature]bool{},
		CurSlot:   100,
		Blockhash: solana.HashFromBytes(make([]byte, 32)),
	}
}

func (l *Ledger) SetBalance(addr solana.PublicKey, lamports uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[addr] = lamports
}

func (l *Ledger) SetTokenBalance(owner, mint solana.PublicKey, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens[tokenKey{owner, mint}] = amount
}

func (l *Ledger) SetAccountData(addr solana.PublicKey, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[addr] = data
}

func (l *Ledger) SubmittedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Submitted)
}

func (l *Ledger) GetBalance(_ context.Context, addr solana.PublicKey) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[addr], nil
}

func (l *Ledger) GetTokenBalance(_ context.Context, owner, mint solana.PublicKey) (chain.TokenBalance, error) {
	ata, err := chain.AssociatedTokenAddress(owner, mint)
	if err != nil {
		return chain.TokenBalance{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	amount, ok := l.tokens[tokenKey{owner, mint}]
	return chain.TokenBalance{Account: ata, Amount: amount, Exists: ok}, nil
}

func (l *Ledger) GetAccountData(_ context.Context, addr solana.PublicKey) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, ok := l.accounts[addr]
	if !ok {
		return nil, chain.ErrAccountNotFound
	}
	return data, nil
}

func (l *Ledger) LatestBlockhash(context.Context) (solana.Hash, error) {
	return l.Blockhash, nil
}

func (l *Ledger) SubmitTransaction(ctx context.Context, raw []byte) (solana.Signature, error) {
	if err := ctx.Err(); err != nil {
		return solana.Signature{}, err
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return solana.Signature{}, err
	}
	l.mu.Lock()
	submitErr := l.SubmitErr
	hook := l.OnSubmit
	reject := l.Reject
	drop := l.Drop
	l.mu.Unlock()
	if submitErr != nil {
		return solana.Signature{}, submitErr
	}
	if reject != nil {
		if err := reject(tx); err != nil {
			return solana.Signature{}, err
		}
	}
	lost := drop != nil && drop(tx)
	if hook != nil && !lost {
		hook(tx)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Submitted = append(l.Submitted, tx)
	l.CurSlot++
	if len(tx.Signatures) == 0 {
		return solana.Signature{}, nil
	}
	if lost {
		l.dropped[tx.Signatures[0]] = true
	}
	return tx.Signatures[0], nil
}

// ConfirmTransaction honours ctx the way a polling client does.
func (l *Ledger) ConfirmTransaction(ctx context.Context, _ solana.Signature) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ConfirmErr
}

func (l *Ledger) GetTransaction(_ context.Context, sig solana.Signature) (*chain.TxDetails, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dropped[sig] {
		return nil, chain.ErrTxNotFound
	}
	for _, tx := range l.Submitted {
		if len(tx.Signatures) > 0 && tx.Signatures[0] == sig {
			return &chain.TxDetails{Signature: sig, Slot: l.CurSlot}, nil
		}
	}
	return nil, chain.ErrTxNotFound
}

func (l *Ledger) Slot(context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.CurSlot, nil
}
