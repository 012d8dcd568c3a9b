package chain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"fee", errors.New("Transaction simulation failed: Insufficient funds for fee"), FailureFee},
		{"no prior credit", errors.New("Attempt to debit an account but found no record of a prior credit."), FailureFee},
		{"rent", errors.New("Transaction results in an account (0) with insufficient funds for rent"), FailureRent},
		{"lamports", errors.New("custom program error: insufficient lamports 10, need 20"), FailureRent},
		{"generic", errors.New("blockhash not found"), FailureGeneric},
		{"cancelled", context.Canceled, FailureUnconfirmed},
		{"expired", fmt.Errorf("%w: sig", ErrTransactionExpired), FailureUnconfirmed},
		{"rpc data", &jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed", Data: map[string]any{"err": "InsufficientFundsForRent"}}, FailureRent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.err)
			require.Equal(t, tc.want, got.Kind)
			require.ErrorIs(t, got, tc.err)
		})
	}
}

func TestClassifyKeepsExisting(t *testing.T) {
	orig := &SubmitError{Kind: FailureFee, Err: errors.New("x")}
	wrapped := fmt.Errorf("payout: %w", orig)
	require.Same(t, orig, Classify(wrapped))
	require.True(t, Classify(wrapped).FundingShortfall())
	require.Nil(t, Classify(nil))
}

func TestRetryable(t *testing.T) {
	require.True(t, retryable(errors.New("connection reset")))
	require.False(t, retryable(ErrAccountNotFound))
	require.False(t, retryable(fmt.Errorf("read: %w", ErrTxNotFound)))
	require.False(t, retryable(&SubmitError{Kind: FailureGeneric, Err: errors.New("x")}))
	require.False(t, retryable(&jsonrpc.RPCError{Code: -32002, Message: "x"}))
}

func TestUnconfirmedIsNotRejection(t *testing.T) {
	se := Classify(fmt.Errorf("confirm: %w", context.Canceled))
	require.True(t, se.Unconfirmed())
	require.False(t, se.FundingShortfall())
	require.False(t, IsLedgerRejection(se))
	require.True(t, IsLedgerRejection(Classify(errors.New("blockhash not found"))))
}
