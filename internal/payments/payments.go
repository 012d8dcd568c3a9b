// Package payments signs, submits and confirms settlement transactions.
package payments

import (
	"context"
	"fmt"
	"time"

	"TokenSettle/internal/assets"
	"TokenSettle/internal/chain"
	"TokenSettle/internal/metrics"
	"TokenSettle/internal/txbuilder"

	"github.com/gagliardetto/solana-go"
)

type Settler struct {
	Ledger         chain.Ledger
	Builder        *txbuilder.Builder
	ConfirmTimeout time.Duration
	Metrics        *metrics.Settlement
}

func NewSettler(ledger chain.Ledger, confirmTimeout time.Duration, m *metrics.Settlement) *Settler {
	return &Settler{
		Ledger:         ledger,
		Builder:        &txbuilder.Builder{Ledger: ledger},
		ConfirmTimeout: confirmTimeout,
		Metrics:        m,
	}
}

// Submit builds a transaction paid by feePayer, signs it with feePayer and
// cosigners, submits it and waits for confirmation. Failures are returned as
// *chain.SubmitError; the signature is returned whenever submission happened.
func (s *Settler) Submit(ctx context.Context, op string, feePayer solana.PrivateKey, cosigners []solana.PrivateKey, ixs ...solana.Instruction) (solana.Signature, error) {
	tx, err := s.Builder.New(ctx, feePayer.PublicKey(), ixs...)
	if err != nil {
		return solana.Signature{}, err
	}
	if err := txbuilder.Sign(tx, append([]solana.PrivateKey{feePayer}, cosigners...)...); err != nil {
		return solana.Signature{}, err
	}
	raw, err := txbuilder.Marshal(tx)
	if err != nil {
		return solana.Signature{}, err
	}
	return s.SubmitRaw(ctx, op, raw)
}

// lookupTimeout bounds the last status lookup of an unconfirmed transaction.
const lookupTimeout = 10 * time.Second

// SubmitRaw sends already signed bytes unchanged and waits for confirmation.
// Cancelling ctx does not abandon the transaction: submission and confirmation
// run detached, bounded by ConfirmTimeout. A confirmation cut short is settled
// by one final GetTransaction lookup.
func (s *Settler) SubmitRaw(ctx context.Context, op string, raw []byte) (solana.Signature, error) {
	detached := context.WithoutCancel(ctx)
	sendCtx := detached
	if s.ConfirmTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(detached, s.ConfirmTimeout)
		defer cancel()
	}

	started := time.Now()
	sig, err := s.Ledger.SubmitTransaction(sendCtx, raw)
	if err != nil {
		se := chain.Classify(err)
		s.Metrics.SubmitFailure(op, string(se.Kind))
		return solana.Signature{}, se
	}

	if err := s.Ledger.ConfirmTransaction(sendCtx, sig); err != nil {
		se := chain.Classify(err)
		if se.Unconfirmed() {
			se = s.lastLook(detached, sig, se)
		}
		if se != nil {
			s.Metrics.SubmitFailure(op, string(se.Kind))
			return sig, se
		}
	}
	s.Metrics.ObserveSubmit(op, time.Since(started))
	return sig, nil
}

// lastLook returns nil when sig landed successfully, the ledger's failure when
// it landed with an error, and cause when the ledger does not know it.
func (s *Settler) lastLook(ctx context.Context, sig solana.Signature, cause *chain.SubmitError) *chain.SubmitError {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	tx, err := s.Ledger.GetTransaction(ctx, sig)
	if err != nil {
		return cause
	}
	if tx.Err != "" {
		return chain.Classify(fmt.Errorf("transaction %s failed: %s", sig, tx.Err))
	}
	return nil
}

// Payout describes one transfer out of platform custody.
type Payout struct {
	Op     string
	Asset  assets.Asset
	Amount uint64
	To     solana.PublicKey
	// Source owns the funds. Fee and any account rent are paid by Payer.
	Source solana.PrivateKey
	Payer  solana.PrivateKey
}

// Pay transfers a payout, creating the recipient's token account in the same
// transaction when it does not exist yet.
func (s *Settler) Pay(ctx context.Context, p Payout) (solana.Signature, error) {
	var ixs []solana.Instruction
	if !p.Asset.Native() {
		bal, err := s.Ledger.GetTokenBalance(ctx, p.To, p.Asset.Mint)
		if err != nil {
			return solana.Signature{}, fmt.Errorf("check recipient token account: %w", err)
		}
		if !bal.Exists {
			ixs = append(ixs, txbuilder.CreateTokenAccount(p.Payer.PublicKey(), p.To, p.Asset.Mint))
		}
	}
	transfer, err := txbuilder.Transfer(p.Asset, p.Source.PublicKey(), p.To, p.Amount)
	if err != nil {
		return solana.Signature{}, err
	}
	ixs = append(ixs, transfer)

	var cosigners []solana.PrivateKey
	if !p.Source.PublicKey().Equals(p.Payer.PublicKey()) {
		cosigners = append(cosigners, p.Source)
	}
	return s.Submit(ctx, p.Op, p.Payer, cosigners, ixs...)
}
