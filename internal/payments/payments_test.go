package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"TokenSettle/internal/assets"
	"TokenSettle/internal/chain"
	"TokenSettle/internal/chain/chaintest"
	"TokenSettle/internal/metrics"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

var prm = assets.Asset{Symbol: "PRM", Kind: assets.KindProduct, Decimals: 6, Mint: solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")}

func TestPayCreatesMissingTokenAccount(t *testing.T) {
	l := chaintest.New()
	s := NewSettler(l, time.Second, metrics.NewUnregistered())
	authority := solana.NewWallet().PrivateKey
	funding := solana.NewWallet().PrivateKey
	to := solana.NewWallet().PublicKey()

	sig, err := s.Pay(context.Background(), Payout{Op: "test", Asset: prm, Amount: 10, To: to, Source: authority, Payer: funding})
	require.NoError(t, err)
	require.Len(t, l.Submitted, 1)

	tx := l.Submitted[0]
	require.Equal(t, sig, tx.Signatures[0])
	require.Len(t, tx.Message.Instructions, 2)
	require.Len(t, tx.Signatures, 2)
	require.Equal(t, funding.PublicKey(), tx.Message.AccountKeys[0])

	l.SetTokenBalance(to, prm.Mint, 0)
	_, err = s.Pay(context.Background(), Payout{Op: "test", Asset: prm, Amount: 10, To: to, Source: authority, Payer: funding})
	require.NoError(t, err)
	require.Len(t, l.Submitted[1].Message.Instructions, 1)
}

func TestSubmitClassifiesFailures(t *testing.T) {
	l := chaintest.New()
	l.SubmitErr = errors.New("Transaction simulation failed: insufficient funds for fee")
	s := NewSettler(l, time.Second, nil)
	payer := solana.NewWallet().PrivateKey

	_, err := s.Pay(context.Background(), Payout{Op: "test", Asset: assets.Asset{Symbol: "SOL", Kind: assets.KindNative, Decimals: 9}, Amount: 1, To: solana.NewWallet().PublicKey(), Source: payer, Payer: payer})
	var se *chain.SubmitError
	require.ErrorAs(t, err, &se)
	require.Equal(t, chain.FailureFee, se.Kind)
	require.True(t, se.FundingShortfall())
}

func TestSubmitReportsLostTransactionWithSignature(t *testing.T) {
	l := chaintest.New()
	l.ConfirmErr = chain.ErrTransactionExpired
	l.Drop = func(*solana.Transaction) bool { return true }
	s := NewSettler(l, time.Second, nil)
	payer := solana.NewWallet().PrivateKey

	sig, err := s.Pay(context.Background(), Payout{Op: "test", Asset: assets.Asset{Symbol: "SOL", Kind: assets.KindNative, Decimals: 9}, Amount: 1, To: solana.NewWallet().PublicKey(), Source: payer, Payer: payer})
	require.ErrorIs(t, err, chain.ErrTransactionExpired)
	var se *chain.SubmitError
	require.ErrorAs(t, err, &se)
	require.True(t, se.Unconfirmed())
	require.False(t, sig.IsZero())
}

func TestSubmitSettlesExpiredConfirmationThatLanded(t *testing.T) {
	l := chaintest.New()
	l.ConfirmErr = chain.ErrTransactionExpired
	s := NewSettler(l, time.Second, nil)
	payer := solana.NewWallet().PrivateKey

	sig, err := s.Pay(context.Background(), Payout{Op: "test", Asset: assets.Asset{Symbol: "SOL", Kind: assets.KindNative, Decimals: 9}, Amount: 1, To: solana.NewWallet().PublicKey(), Source: payer, Payer: payer})
	require.NoError(t, err)
	require.Equal(t, l.Submitted[0].Signatures[0], sig)
}

func TestSubmitRawOutlivesCallerCancellation(t *testing.T) {
	l := chaintest.New()
	s := NewSettler(l, time.Second, nil)
	payer := solana.NewWallet().PrivateKey

	ctx, cancel := context.WithCancel(context.Background())
	l.OnSubmit = func(*solana.Transaction) { cancel() }
	sig, err := s.Pay(ctx, Payout{Op: "test", Asset: assets.Asset{Symbol: "SOL", Kind: assets.KindNative, Decimals: 9}, Amount: 1, To: solana.NewWallet().PublicKey(), Source: payer, Payer: payer})
	require.NoError(t, err)
	require.False(t, sig.IsZero())
	require.Error(t, ctx.Err())
}
