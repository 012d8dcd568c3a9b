// Package txbuilder assembles ledger transactions and verifies client-signed
// payloads against the instructions the server expects.
package txbuilder

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"TokenSettle/internal/assets"
	"TokenSettle/internal/chain"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
)

var ErrInvalidTransaction = errors.New("invalid transaction")

type Builder struct {
	Ledger chain.Ledger
}

// Transfer returns the instruction moving amount base units of asset from one
// wallet to another. Token transfers go between the wallets' associated token
// accounts.
func Transfer(asset assets.Asset, from, to solana.PublicKey, amount uint64) (solana.Instruction, error) {
	if amount == 0 {
		return nil, fmt.Errorf("%w: zero transfer", ErrInvalidTransaction)
	}
	if asset.Native() {
		return system.NewTransferInstruction(amount, from, to).Build(), nil
	}
	src, err := chain.AssociatedTokenAddress(from, asset.Mint)
	if err != nil {
		return nil, err
	}
	dst, err := chain.AssociatedTokenAddress(to, asset.Mint)
	if err != nil {
		return nil, err
	}
	return token.NewTransferCheckedInstruction(
		amount,
		uint8(asset.Decimals),
		src,
		asset.Mint,
		dst,
		from,
		[]solana.PublicKey{},
	).Build(), nil
}

// CreateTokenAccount creates wallet's associated token account for mint, paid by payer.
func CreateTokenAccount(payer, wallet, mint solana.PublicKey) solana.Instruction {
	return associatedtokenaccount.NewCreateInstruction(payer, wallet, mint).Build()
}

// New assembles an unsigned legacy transaction on a fresh blockhash.
func (b *Builder) New(ctx context.Context, feePayer solana.PublicKey, ixs ...solana.Instruction) (*solana.Transaction, error) {
	if len(ixs) == 0 {
		return nil, fmt.Errorf("%w: no instructions", ErrInvalidTransaction)
	}
	blockhash, err := b.Ledger.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := solana.NewTransaction(ixs, blockhash, solana.TransactionPayer(feePayer))
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}
	return tx, nil
}

// Sign signs tx with the given keys, replacing any existing signatures. Every
// required signer must be present.
func Sign(tx *solana.Transaction, keys ...solana.PrivateKey) error {
	tx.Signatures = nil
	_, err := tx.Sign(func(pub solana.PublicKey) *solana.PrivateKey {
		for i := range keys {
			if keys[i].PublicKey().Equals(pub) {
				return &keys[i]
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}
	return nil
}

// Encode serializes tx for transport to a client. Unsigned transactions carry
// zeroed signature slots for every required signer.
func Encode(tx *solana.Transaction) (string, error) {
	out := *tx
	if len(out.Signatures) == 0 {
		out.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
	}
	raw, err := out.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("serialize transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decode parses a base64 transaction returned by a client. The raw bytes are
// returned alongside for submission unchanged.
func Decode(payload string) (*solana.Transaction, []byte, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: not base64: %v", ErrInvalidTransaction, err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	return tx, raw, nil
}

func Marshal(tx *solana.Transaction) ([]byte, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}
	return raw, nil
}
