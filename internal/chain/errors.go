package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

type FailureKind string

const (
	FailureFee     FailureKind = "fee_insufficient"
	FailureRent    FailureKind = "rent_insufficient"
	FailureGeneric FailureKind = "generic"
	// FailureUnconfirmed means the outcome is unknown: confirmation was cut
	// short and the transaction may still land.
	FailureUnconfirmed FailureKind = "unconfirmed"
)

// SubmitError is a ledger rejection of a submitted transaction.
type SubmitError struct {
	Kind FailureKind
	Err  error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("ledger submission failed (%s): %v", e.Kind, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// FundingShortfall reports whether the payer lacked lamports for fees or rent.
func (e *SubmitError) FundingShortfall() bool {
	return e.Kind == FailureFee || e.Kind == FailureRent
}

// Unconfirmed reports whether the ledger never answered for the transaction.
func (e *SubmitError) Unconfirmed() bool { return e.Kind == FailureUnconfirmed }

var feeMarkers = []string{
	"insufficient funds for fee",
	"attempt to debit an account but found no record of a prior credit",
	"accountnotfound",
}

var rentMarkers = []string{
	"insufficient funds for rent",
	"insufficientfundsforrent",
	"insufficient lamports",
}

// Classify wraps err as a *SubmitError, keeping an existing classification.
func Classify(err error) *SubmitError {
	if err == nil {
		return nil
	}
	var se *SubmitError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTransactionExpired) {
		return &SubmitError{Kind: FailureUnconfirmed, Err: err}
	}
	text := strings.ToLower(err.Error())
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Data != nil {
		text += " " + strings.ToLower(fmt.Sprint(rpcErr.Data))
	}
	for _, m := range rentMarkers {
		if strings.Contains(text, m) {
			return &SubmitError{Kind: FailureRent, Err: err}
		}
	}
	for _, m := range feeMarkers {
		if strings.Contains(text, m) {
			return &SubmitError{Kind: FailureFee, Err: err}
		}
	}
	return &SubmitError{Kind: FailureGeneric, Err: err}
}

// IsLedgerRejection reports whether err came back from the ledger itself rather
// than from the transport. Rejections are not retried on another endpoint.
func IsLedgerRejection(err error) bool {
	var se *SubmitError
	if errors.As(err, &se) {
		return !se.Unconfirmed()
	}
	var rpcErr *jsonrpc.RPCError
	return errors.As(err, &rpcErr)
}
