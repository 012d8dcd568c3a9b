package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"TokenSettle/internal/chain"
	"TokenSettle/internal/models"
	"TokenSettle/internal/txbuilder"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestCreateSwapCustodialSettles(t *testing.T) {
	h := newHarness(t)
	w, key := h.owner("alice", true, "")
	h.ledger.SetBalance(key.PublicKey(), 2*lamports)

	var slept time.Duration
	svc := h.swapService()
	svc.Sleep = func(_ context.Context, d time.Duration) error {
		slept += d
		return nil
	}

	order, err := svc.CreateSwap(context.Background(), SwapRequest{
		OwnerID:     w.OwnerID,
		InputAsset:  "sol",
		InputAmount: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	require.Equal(t, models.OrderCompleted, order.Status)
	require.True(t, order.SwapRate.Equal(decimal.NewFromInt(150)), order.SwapRate.String())
	require.True(t, order.OutputQuantity.Equal(decimal.NewFromInt(100)), order.OutputQuantity.String())
	require.Equal(t, "TKN", order.OutputAsset)
	require.NotNil(t, order.FundsInSignature)
	require.NotNil(t, order.FundsOutSignature)
	require.NotEqual(t, *order.FundsInSignature, *order.FundsOutSignature)

	// account creation, funds in, payout
	require.Equal(t, 3, h.ledger.SubmittedCount())
	require.Equal(t, time.Second, slept)
	require.Equal(t, key.PublicKey(), feePayer(h.ledger.Submitted[1]))
	require.Equal(t, h.creds.FundingAddress(), feePayer(h.ledger.Submitted[2]))

	stored, err := h.store.GetOrder(context.Background(), order.OrderID)
	require.NoError(t, err)
	require.Equal(t, models.OrderCompleted, stored.Status)
	require.Equal(t, *order.FundsInSignature, *stored.FundsInSignature)

	events := h.store.outboxEvents()
	require.Len(t, events, 1)
	require.Equal(t, models.EventOrderCompleted, events[0].Kind)
	require.Equal(t, order.OrderID, events[0].AggregateID)
}

func TestCreateSwapRejectsInsufficientBalance(t *testing.T) {
	h := newHarness(t)
	w, key := h.owner("alice", true, "")
	h.ledger.SetBalance(key.PublicKey(), lamports/2)

	_, err := h.swapService().CreateSwap(context.Background(), SwapRequest{
		OwnerID:     w.OwnerID,
		InputAsset:  "SOL",
		InputAmount: decimal.NewFromInt(1),
	})
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.Zero(t, h.ledger.SubmittedCount())

	orders, err := h.store.ListOrdersByOwner(context.Background(), w.OwnerID, 10)
	require.NoError(t, err)
	require.Empty(t, orders)
}

func TestCreateSwapRequiresCustodyKey(t *testing.T) {
	h := newHarness(t)
	w, key := h.owner("bob", false, "")
	h.ledger.SetBalance(key.PublicKey(), 2*lamports)

	_, err := h.swapService().CreateSwap(context.Background(), SwapRequest{
		OwnerID:     w.OwnerID,
		InputAsset:  "SOL",
		InputAmount: decimal.NewFromInt(1),
	})
	require.ErrorIs(t, err, ErrInvalidCustody)
}

func TestCreateSwapValidation(t *testing.T) {
	h := newHarness(t)
	w, key := h.owner("alice", true, "")
	h.ledger.SetBalance(key.PublicKey(), 2*lamports)
	svc := h.swapService()

	cases := []SwapRequest{
		{OwnerID: w.OwnerID, InputAsset: "SOL", InputAmount: decimal.Zero},
		{OwnerID: w.OwnerID, InputAsset: "DOGE", InputAmount: decimal.NewFromInt(1)},
		{OwnerID: w.OwnerID, InputAsset: "TKN", InputAmount: decimal.NewFromInt(1)},
		{OwnerID: w.OwnerID, InputAsset: "SOL", InputAmount: decimal.NewFromInt(1), OutputAsset: "USDC"},
		{OwnerID: w.OwnerID, InputAsset: "SOL", InputAmount: decimal.RequireFromString("0.0000000001")},
	}
	for _, req := range cases {
		_, err := svc.CreateSwap(context.Background(), req)
		require.ErrorIs(t, err, ErrValidation, "%+v", req)
	}
	require.Zero(t, h.ledger.SubmittedCount())

	_, err := svc.CreateSwap(context.Background(), SwapRequest{OwnerID: "nobody", InputAsset: "SOL", InputAmount: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateSwapPayoutFailureIsRecorded(t *testing.T) {
	h := newHarness(t)
	w, key := h.owner("alice", true, "")
	h.ledger.SetBalance(key.PublicKey(), 2*lamports)
	h.ledger.Reject = func(tx *solana.Transaction) error {
		if feePayer(tx).Equals(h.creds.FundingAddress()) {
			return errors.New("Transaction simulation failed: insufficient funds for fee")
		}
		return nil
	}

	_, err := h.swapService().CreateSwap(context.Background(), SwapRequest{
		OwnerID:     w.OwnerID,
		InputAsset:  "SOL",
		InputAmount: decimal.NewFromInt(1),
	})
	var serr *SubmissionError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, "swap_funds_out", serr.Op)

	orders, err := h.store.ListOrdersByOwner(context.Background(), w.OwnerID, 10)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, models.OrderFailed, orders[0].Status)
	require.Nil(t, orders[0].FundsInSignature)

	fundsIn := h.ledger.Submitted[1].Signatures[0].String()
	require.Contains(t, *orders[0].FailureReason, fundsIn)
	require.Empty(t, h.store.outboxEvents())
}

func TestClientSwapRoundTrip(t *testing.T) {
	h := newHarness(t)
	w, key := h.owner("carol", false, "")
	h.ledger.SetBalance(key.PublicKey(), 2*lamports)
	svc := h.swapService()
	req := SwapRequest{OwnerID: w.OwnerID, InputAsset: "SOL", InputAmount: decimal.NewFromInt(1)}

	initiated, err := svc.InitiateSwap(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, models.OrderPending, initiated.Order.Status)
	require.Equal(t, models.ModeClient, initiated.Order.Mode)
	require.Zero(t, h.ledger.SubmittedCount())

	signed := sign(t, initiated.Transaction, key)
	order, err := svc.CompleteSwap(context.Background(), w.OwnerID, initiated.Order.OrderID, signed)
	require.NoError(t, err)
	require.Equal(t, models.OrderCompleted, order.Status)
	require.Equal(t, 2, h.ledger.SubmittedCount())

	// Same order again.
	_, err = svc.CompleteSwap(context.Background(), w.OwnerID, initiated.Order.OrderID, signed)
	require.ErrorIs(t, err, ErrReplay)

	// Same signed transaction against a fresh order with identical terms.
	second, err := svc.InitiateSwap(context.Background(), req)
	require.NoError(t, err)
	_, err = svc.CompleteSwap(context.Background(), w.OwnerID, second.Order.OrderID, signed)
	require.ErrorIs(t, err, ErrReplay)
	require.Equal(t, 2, h.ledger.SubmittedCount())

	pending, err := h.store.GetOrder(context.Background(), second.Order.OrderID)
	require.NoError(t, err)
	require.Equal(t, models.OrderPending, pending.Status)
}

func TestCompleteSwapRejectsMismatchedTransaction(t *testing.T) {
	h := newHarness(t)
	w, key := h.owner("carol", false, "")
	h.ledger.SetBalance(key.PublicKey(), 2*lamports)
	svc := h.swapService()

	initiated, err := svc.InitiateSwap(context.Background(), SwapRequest{OwnerID: w.OwnerID, InputAsset: "SOL", InputAmount: decimal.NewFromInt(1)})
	require.NoError(t, err)

	sol, err := h.registry.Lookup("SOL")
	require.NoError(t, err)
	short, err := txbuilder.Transfer(sol, key.PublicKey(), h.dest, lamports/2)
	require.NoError(t, err)
	tx, err := h.settler.Builder.New(context.Background(), key.PublicKey(), short)
	require.NoError(t, err)
	require.NoError(t, txbuilder.Sign(tx, key))
	payload, err := txbuilder.Encode(tx)
	require.NoError(t, err)

	_, err = svc.CompleteSwap(context.Background(), w.OwnerID, initiated.Order.OrderID, payload)
	require.ErrorIs(t, err, ErrValidation)

	// Unsigned.
	_, err = svc.CompleteSwap(context.Background(), w.OwnerID, initiated.Order.OrderID, initiated.Transaction)
	require.ErrorIs(t, err, ErrValidation)
	require.Zero(t, h.ledger.SubmittedCount())
}

func TestCompleteSwapChecksOwnerAndExpiry(t *testing.T) {
	h := newHarness(t)
	w, key := h.owner("carol", false, "")
	other, _ := h.owner("mallory", false, "")
	h.ledger.SetBalance(key.PublicKey(), 2*lamports)
	svc := h.swapService()

	initiated, err := svc.InitiateSwap(context.Background(), SwapRequest{OwnerID: w.OwnerID, InputAsset: "SOL", InputAmount: decimal.NewFromInt(1)})
	require.NoError(t, err)
	signed := sign(t, initiated.Transaction, key)

	_, err = svc.CompleteSwap(context.Background(), other.OwnerID, initiated.Order.OrderID, signed)
	require.ErrorIs(t, err, ErrNotFound)

	h.now = h.now.Add(4 * time.Minute)
	_, err = svc.CompleteSwap(context.Background(), w.OwnerID, initiated.Order.OrderID, signed)
	require.ErrorIs(t, err, ErrValidation)
	require.Zero(t, h.ledger.SubmittedCount())
}

func TestInitiateSwapStableInput(t *testing.T) {
	h := newHarness(t)
	w, key := h.owner("dave", false, "")
	h.ledger.SetTokenBalance(key.PublicKey(), h.usdcMint, 50_000_000)
	h.ledger.SetTokenBalance(key.PublicKey(), h.tknMint, 0)

	initiated, err := h.swapService().InitiateSwap(context.Background(), SwapRequest{
		OwnerID:     w.OwnerID,
		InputAsset:  "USDC",
		InputAmount: decimal.NewFromInt(30),
	})
	require.NoError(t, err)
	require.True(t, initiated.Order.SwapRate.Equal(decimal.NewFromInt(1)))
	require.True(t, initiated.Order.OutputQuantity.Equal(decimal.NewFromInt(20)))

	tx, _, err := txbuilder.Decode(initiated.Transaction)
	require.NoError(t, err)
	// The owner already holds a token account, so only the transfer is expected.
	require.Len(t, tx.Message.Instructions, 1)
}

func TestCreateSwapValidatesAmountBeforeCustody(t *testing.T) {
	h := newHarness(t)
	w, key := h.owner("alice", true, "")
	h.ledger.SetBalance(key.PublicKey(), 2*lamports)
	svc := h.swapService()
	svc.Vault = nil

	_, err := svc.CreateSwap(context.Background(), SwapRequest{OwnerID: w.OwnerID, InputAsset: "SOL", InputAmount: decimal.Zero})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.CreateSwap(context.Background(), SwapRequest{OwnerID: w.OwnerID, InputAsset: "SOL", InputAmount: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, ErrInvalidCustody)
}

func TestCreateSwapRefreshesStampPerSubmission(t *testing.T) {
	h := newHarness(t)
	w, key := h.owner("alice", true, "")
	h.ledger.SetBalance(key.PublicKey(), 2*lamports)

	order, err := h.swapService().CreateSwap(context.Background(), SwapRequest{OwnerID: w.OwnerID, InputAsset: "SOL", InputAmount: decimal.NewFromInt(1)})
	require.NoError(t, err)
	// account creation, funds in, payout
	require.Equal(t, 3, h.store.stamps[order.OrderID])
}

func TestCreateSwapOutlivesCallerCancellation(t *testing.T) {
	h := newHarness(t)
	w, key := h.owner("alice", true, "")
	h.ledger.SetBalance(key.PublicKey(), 2*lamports)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.ledger.OnSubmit = func(*solana.Transaction) { cancel() }

	order, err := h.swapService().CreateSwap(ctx, SwapRequest{OwnerID: w.OwnerID, InputAsset: "SOL", InputAmount: decimal.NewFromInt(1)})
	require.NoError(t, err)
	require.Equal(t, models.OrderCompleted, order.Status)
	require.Equal(t, 3, h.ledger.SubmittedCount())
}

func TestCompleteSwapOutlivesCallerCancellation(t *testing.T) {
	h := newHarness(t)
	w, key := h.owner("carol", false, "")
	h.ledger.SetBalance(key.PublicKey(), 2*lamports)
	svc := h.swapService()

	initiated, err := svc.InitiateSwap(context.Background(), SwapRequest{OwnerID: w.OwnerID, InputAsset: "SOL", InputAmount: decimal.NewFromInt(1)})
	require.NoError(t, err)
	signed := sign(t, initiated.Transaction, key)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.ledger.OnSubmit = func(*solana.Transaction) { cancel() }

	order, err := svc.CompleteSwap(ctx, w.OwnerID, initiated.Order.OrderID, signed)
	require.NoError(t, err)
	require.Equal(t, models.OrderCompleted, order.Status)
	require.Len(t, h.store.outboxEvents(), 1)
}

func TestCreateSwapExpiredDuringPayoutKeepsSignatures(t *testing.T) {
	h := newHarness(t)
	w, key := h.owner("alice", true, "")
	h.ledger.SetBalance(key.PublicKey(), 2*lamports)
	h.ledger.OnSubmit = func(tx *solana.Transaction) {
		if !feePayer(tx).Equals(h.creds.FundingAddress()) {
			return
		}
		orders, err := h.store.ListOrdersByOwner(context.Background(), w.OwnerID, 10)
		require.NoError(t, err)
		require.Len(t, orders, 1)
		ok, err := h.store.FailOrder(context.Background(), orders[0].OrderID, "expired")
		require.NoError(t, err)
		require.True(t, ok)
	}

	_, err := h.swapService().CreateSwap(context.Background(), SwapRequest{OwnerID: w.OwnerID, InputAsset: "SOL", InputAmount: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, ErrReplay)
	require.Equal(t, 3, h.ledger.SubmittedCount())

	orders, err := h.store.ListOrdersByOwner(context.Background(), w.OwnerID, 10)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	stored := orders[0]
	require.Equal(t, models.OrderFailed, stored.Status)
	require.NotNil(t, stored.FailureReason)
	require.Contains(t, *stored.FailureReason, "expired; landed after leaving pending")
	require.Contains(t, *stored.FailureReason, h.ledger.Submitted[1].Signatures[0].String())
	require.Contains(t, *stored.FailureReason, h.ledger.Submitted[2].Signatures[0].String())
	require.Empty(t, h.store.outboxEvents())
}

func TestCreateSwapLostFundsInKeepsSignature(t *testing.T) {
	h := newHarness(t)
	w, key := h.owner("alice", true, "")
	h.ledger.SetBalance(key.PublicKey(), 2*lamports)
	h.ledger.SetTokenBalance(key.PublicKey(), h.tknMint, 0)
	h.ledger.ConfirmErr = chain.ErrTransactionExpired
	h.ledger.Drop = func(*solana.Transaction) bool { return true }

	_, err := h.swapService().CreateSwap(context.Background(), SwapRequest{OwnerID: w.OwnerID, InputAsset: "SOL", InputAmount: decimal.NewFromInt(1)})
	var serr *SubmissionError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, chain.FailureUnconfirmed, serr.Kind)
	require.Equal(t, 1, h.ledger.SubmittedCount())

	orders, err := h.store.ListOrdersByOwner(context.Background(), w.OwnerID, 10)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, models.OrderFailed, orders[0].Status)
	require.Contains(t, *orders[0].FailureReason, "funds-in "+h.ledger.Submitted[0].Signatures[0].String())
}
