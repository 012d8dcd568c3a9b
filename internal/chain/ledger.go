package chain

import (
	"context"
	"errors"
	"time"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrAccountNotFound    = errors.New("ledger account not found")
	ErrTxNotFound         = errors.New("transaction not found")
	ErrTransactionExpired = errors.New("transaction expired before confirmation")
)

// Ledger is the subset of the external ledger service the settlement engines use.
type Ledger interface {
	GetBalance(ctx context.Context, address solana.PublicKey) (uint64, error)
	// GetTokenBalance reads the owner's associated token account for mint.
	// A missing account is reported with Exists=false and no error.
	GetTokenBalance(ctx context.Context, owner, mint solana.PublicKey) (TokenBalance, error)
	GetAccountData(ctx context.Context, address solana.PublicKey) ([]byte, error)
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	SubmitTransaction(ctx context.Context, raw []byte) (solana.Signature, error)
	ConfirmTransaction(ctx context.Context, sig solana.Signature) error
	GetTransaction(ctx context.Context, sig solana.Signature) (*TxDetails, error)
	Slot(ctx context.Context) (uint64, error)
}

type TokenBalance struct {
	Account solana.PublicKey
	Amount  uint64
	Exists  bool
}

type TxDetails struct {
	Signature solana.Signature
	Slot      uint64
	BlockTime *time.Time
	Err       string
}

// AccountChange is one notification about a watched account. Lamports is nil
// when the source channel does not carry a balance (log notifications).
type AccountChange struct {
	Source    string
	Slot      uint64
	Lamports  *uint64
	Signature string
}

// Watcher delivers account change notifications until ctx is cancelled.
type Watcher interface {
	Watch(ctx context.Context, address solana.PublicKey, onChange func(context.Context, AccountChange)) error
}
