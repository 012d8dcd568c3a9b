package stakeprogram

import (
	"bytes"
	"errors"
	"fmt"

	"TokenSettle/internal/chain"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	stakeDiscriminator   = discriminator("global:stake")
	unstakeDiscriminator = discriminator("global:unstake")
)

var ErrNotProgramCall = errors.New("instruction is not a staking program call")

// Program binds the staking program id to the token mint it locks.
type Program struct {
	ID   solana.PublicKey
	Mint solana.PublicKey
}

func (p Program) GlobalStateAddress() (solana.PublicKey, error) {
	addr, _, err := chain.ProgramAddress(p.ID, []byte("global_state"))
	return addr, err
}

// StakeAccountAddress derives the account created by the sequence-th stake of owner.
func (p Program) StakeAccountAddress(owner solana.PublicKey, sequence uint64) (solana.PublicKey, error) {
	addr, _, err := chain.ProgramAddress(p.ID, []byte("stake"), owner.Bytes(), chain.U64Seed(sequence))
	return addr, err
}

func (p Program) VaultAuthority() (solana.PublicKey, error) {
	addr, _, err := chain.ProgramAddress(p.ID, []byte("vault"))
	return addr, err
}

func (p Program) VaultTokenAccount() (solana.PublicKey, error) {
	authority, err := p.VaultAuthority()
	if err != nil {
		return solana.PublicKey{}, err
	}
	return chain.AssociatedTokenAddress(authority, p.Mint)
}

type StakeArgs struct {
	Amount     uint64
	LockMonths uint8
}

func (p Program) StakeInstruction(owner, stakeAccount solana.PublicKey, args StakeArgs) (solana.Instruction, error) {
	accounts, err := p.accounts(owner, stakeAccount)
	if err != nil {
		return nil, err
	}
	accounts = append(accounts, solana.NewAccountMeta(solana.SystemProgramID, false, false))

	var buf bytes.Buffer
	buf.Write(stakeDiscriminator[:])
	enc := bin.NewBorshEncoder(&buf)
	if err := firstErr(enc.WriteUint64(args.Amount, bin.LE), enc.WriteUint8(args.LockMonths)); err != nil {
		return nil, err
	}
	return solana.NewInstruction(p.ID, accounts, buf.Bytes()), nil
}

func (p Program) UnstakeInstruction(owner, stakeAccount solana.PublicKey) (solana.Instruction, error) {
	accounts, err := p.accounts(owner, stakeAccount)
	if err != nil {
		return nil, err
	}
	authority, err := p.VaultAuthority()
	if err != nil {
		return nil, err
	}
	accounts = append(accounts, solana.NewAccountMeta(authority, false, false))
	return solana.NewInstruction(p.ID, accounts, unstakeDiscriminator[:]), nil
}

// accounts is the account list shared by stake and unstake, in program order.
func (p Program) accounts(owner, stakeAccount solana.PublicKey) (solana.AccountMetaSlice, error) {
	global, err := p.GlobalStateAddress()
	if err != nil {
		return nil, err
	}
	ownerATA, err := chain.AssociatedTokenAddress(owner, p.Mint)
	if err != nil {
		return nil, err
	}
	vault, err := p.VaultTokenAccount()
	if err != nil {
		return nil, err
	}
	return solana.AccountMetaSlice{
		solana.NewAccountMeta(global, true, false),
		solana.NewAccountMeta(stakeAccount, true, false),
		solana.NewAccountMeta(owner, true, true),
		solana.NewAccountMeta(ownerATA, true, false),
		solana.NewAccountMeta(vault, true, false),
		solana.NewAccountMeta(p.Mint, false, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}, nil
}

// ParseStakeData decodes stake instruction data.
func ParseStakeData(data []byte) (StakeArgs, error) {
	if len(data) != 8+8+1 || !bytes.Equal(data[:8], stakeDiscriminator[:]) {
		return StakeArgs{}, ErrNotProgramCall
	}
	dec := bin.NewBorshDecoder(data[8:])
	amount, err := dec.ReadUint64(bin.LE)
	if err != nil {
		return StakeArgs{}, fmt.Errorf("stake amount: %w", err)
	}
	months, err := dec.ReadUint8()
	if err != nil {
		return StakeArgs{}, fmt.Errorf("stake lock months: %w", err)
	}
	return StakeArgs{Amount: amount, LockMonths: months}, nil
}

func IsUnstakeData(data []byte) bool {
	return bytes.Equal(data, unstakeDiscriminator[:])
}
