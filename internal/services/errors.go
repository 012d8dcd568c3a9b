package services

import (
	"errors"
	"fmt"

	"TokenSettle/internal/chain"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidCustody      = errors.New("custody key unavailable")
	ErrReplay              = errors.New("already processed")
	ErrNotFound            = errors.New("not found")
	ErrLockPeriod          = errors.New("stake is still locked")
)

// SubmissionError is a classified ledger failure raised after a record was
// created or a transaction was submitted.
type SubmissionError struct {
	Op   string
	Kind chain.FailureKind
	Err  error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.UserMessage())
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// UserMessage is the caller-facing text for the failure kind.
func (e *SubmissionError) UserMessage() string {
	switch e.Kind {
	case chain.FailureFee:
		return "not enough SOL to pay the network fee"
	case chain.FailureRent:
		return "not enough SOL to cover account rent"
	case chain.FailureUnconfirmed:
		return "the transaction was sent but not confirmed in time"
	default:
		return "the network rejected the transaction"
	}
}

func submissionError(op string, err error) *SubmissionError {
	classified := chain.Classify(err)
	return &SubmissionError{Op: op, Kind: classified.Kind, Err: err}
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
