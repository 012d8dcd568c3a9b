package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
)

type RPCClient struct {
	baseURL      string
	client       *rpc.Client
	commitment   rpc.CommitmentType
	pollInterval time.Duration
}

func NewRPCClient(baseURL, commitment string) *RPCClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return &RPCClient{
		baseURL:      baseURL,
		client:       rpc.New(baseURL),
		commitment:   parseCommitment(commitment),
		pollInterval: 700 * time.Millisecond,
	}
}

func (c *RPCClient) BaseURL() string { return c.baseURL }

func (c *RPCClient) GetBalance(ctx context.Context, address solana.PublicKey) (uint64, error) {
	res, err := c.client.GetBalance(ctx, address, c.commitment)
	if err != nil {
		return 0, fmt.Errorf("get balance %s: %w", address, err)
	}
	return res.Value, nil
}

func (c *RPCClient) GetTokenBalance(ctx context.Context, owner, mint solana.PublicKey) (TokenBalance, error) {
	ata, err := AssociatedTokenAddress(owner, mint)
	if err != nil {
		return TokenBalance{}, err
	}
	data, err := c.GetAccountData(ctx, ata)
	if errors.Is(err, ErrAccountNotFound) {
		return TokenBalance{Account: ata}, nil
	}
	if err != nil {
		return TokenBalance{}, err
	}
	var acc token.Account
	if err := bin.NewBinDecoder(data).Decode(&acc); err != nil {
		return TokenBalance{}, fmt.Errorf("decode token account %s: %w", ata, err)
	}
	if !acc.Mint.Equals(mint) {
		return TokenBalance{}, fmt.Errorf("token account %s holds mint %s, want %s", ata, acc.Mint, mint)
	}
	return TokenBalance{Account: ata, Amount: acc.Amount, Exists: true}, nil
}

func (c *RPCClient) GetAccountData(ctx context.Context, address solana.PublicKey) ([]byte, error) {
	res, err := c.client.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
		Commitment: c.commitment,
		Encoding:   solana.EncodingBase64,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", address, err)
	}
	if res == nil || res.Value == nil {
		return nil, ErrAccountNotFound
	}
	return res.GetBinary(), nil
}

func (c *RPCClient) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	res, err := c.client.GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("get latest blockhash: %w", err)
	}
	return res.Value.Blockhash, nil
}

func (c *RPCClient) SubmitTransaction(ctx context.Context, raw []byte) (solana.Signature, error) {
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("decode transaction: %w", err)
	}
	sig, err := c.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: c.commitment,
	})
	if err != nil {
		if IsLedgerRejection(err) {
			return solana.Signature{}, Classify(err)
		}
		return solana.Signature{}, fmt.Errorf("send transaction: %w", err)
	}
	return sig, nil
}

// ConfirmTransaction polls the signature status until the configured
// commitment is reached, the transaction fails, or ctx ends. Callers bound ctx
// by the blockhash lifetime.
func (c *RPCClient) ConfirmTransaction(ctx context.Context, sig solana.Signature) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s", ErrTransactionExpired, sig)
			}
			return ctx.Err()
		case <-ticker.C:
			res, err := c.client.GetSignatureStatuses(ctx, true, sig)
			if err != nil || res == nil || len(res.Value) == 0 || res.Value[0] == nil {
				continue
			}
			status := res.Value[0]
			if status.Err != nil {
				return Classify(fmt.Errorf("transaction %s failed: %v", sig, status.Err))
			}
			if reached(status.ConfirmationStatus, c.commitment) {
				return nil
			}
		}
	}
}

func (c *RPCClient) GetTransaction(ctx context.Context, sig solana.Signature) (*TxDetails, error) {
	version := uint64(0)
	res, err := c.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Commitment:                     c.commitment,
		MaxSupportedTransactionVersion: &version,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, ErrTxNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", sig, err)
	}
	if res == nil {
		return nil, ErrTxNotFound
	}
	out := &TxDetails{Signature: sig, Slot: res.Slot}
	if res.BlockTime != nil {
		t := res.BlockTime.Time().UTC()
		out.BlockTime = &t
	}
	if res.Meta != nil && res.Meta.Err != nil {
		out.Err = fmt.Sprint(res.Meta.Err)
	}
	return out, nil
}

func (c *RPCClient) Slot(ctx context.Context) (uint64, error) {
	slot, err := c.client.GetSlot(ctx, c.commitment)
	if err != nil {
		return 0, fmt.Errorf("get slot: %w", err)
	}
	return slot, nil
}

func parseCommitment(v string) rpc.CommitmentType {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "processed":
		return rpc.CommitmentProcessed
	case "finalized":
		return rpc.CommitmentFinalized
	default:
		return rpc.CommitmentConfirmed
	}
}

func reached(status rpc.ConfirmationStatusType, want rpc.CommitmentType) bool {
	switch want {
	case rpc.CommitmentFinalized:
		return status == rpc.ConfirmationStatusFinalized
	case rpc.CommitmentProcessed:
		return status != ""
	default:
		return status == rpc.ConfirmationStatusConfirmed || status == rpc.ConfirmationStatusFinalized
	}
}
