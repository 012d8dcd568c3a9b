package txbuilder

import (
	"bytes"
	"fmt"

	"TokenSettle/internal/stakeprogram"

	"github.com/gagliardetto/solana-go"
)

// Call is a decoded instruction with its accounts resolved to keys.
type Call struct {
	ProgramID solana.PublicKey
	Accounts  []solana.PublicKey
	Data      []byte
}

func (c Call) Equal(o Call) bool {
	if !c.ProgramID.Equals(o.ProgramID) || !bytes.Equal(c.Data, o.Data) || len(c.Accounts) != len(o.Accounts) {
		return false
	}
	for i := range c.Accounts {
		if !c.Accounts[i].Equals(o.Accounts[i]) {
			return false
		}
	}
	return true
}

func CallOf(ix solana.Instruction) (Call, error) {
	data, err := ix.Data()
	if err != nil {
		return Call{}, err
	}
	metas := ix.Accounts()
	keys := make([]solana.PublicKey, 0, len(metas))
	for _, m := range metas {
		keys = append(keys, m.PublicKey)
	}
	return Call{ProgramID: ix.ProgramID(), Accounts: keys, Data: data}, nil
}

// Calls resolves the compiled instructions of a legacy transaction.
func Calls(tx *solana.Transaction) ([]Call, error) {
	if tx.Message.IsVersioned() {
		return nil, fmt.Errorf("%w: versioned transactions are not accepted", ErrInvalidTransaction)
	}
	keys := tx.Message.AccountKeys
	out := make([]Call, 0, len(tx.Message.Instructions))
	for _, ci := range tx.Message.Instructions {
		if int(ci.ProgramIDIndex) >= len(keys) {
			return nil, fmt.Errorf("%w: program index out of range", ErrInvalidTransaction)
		}
		call := Call{ProgramID: keys[ci.ProgramIDIndex], Data: []byte(ci.Data)}
		for _, idx := range ci.Accounts {
			if int(idx) >= len(keys) {
				return nil, fmt.Errorf("%w: account index out of range", ErrInvalidTransaction)
			}
			call.Accounts = append(call.Accounts, keys[idx])
		}
		out = append(out, call)
	}
	return out, nil
}

// VerifySigner checks that signer pays the fee and that every signature on tx
// is present and valid.
func VerifySigner(tx *solana.Transaction, signer solana.PublicKey) error {
	if len(tx.Message.AccountKeys) == 0 || !tx.Message.AccountKeys[0].Equals(signer) {
		return fmt.Errorf("%w: fee payer is not %s", ErrInvalidTransaction, signer)
	}
	if len(tx.Signatures) == 0 || len(tx.Signatures) != int(tx.Message.Header.NumRequiredSignatures) {
		return fmt.Errorf("%w: missing signatures", ErrInvalidTransaction)
	}
	if err := tx.VerifySignatures(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	return nil
}

// MatchAny succeeds when the instructions of tx equal one of the expected sets.
func MatchAny(tx *solana.Transaction, expected ...[]solana.Instruction) error {
	got, err := Calls(tx)
	if err != nil {
		return err
	}
	for _, set := range expected {
		if len(set) != len(got) {
			continue
		}
		ok := true
		for i, ix := range set {
			want, err := CallOf(ix)
			if err != nil {
				return err
			}
			if !want.Equal(got[i]) {
				ok = false
				break
			}
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("%w: unexpected instruction set", ErrInvalidTransaction)
}

// MatchStake checks that tx is a single stake call by owner and returns the
// decoded arguments. The stake account key is not checked: it was derived from
// a sequence hint and is re-derived after confirmation.
func MatchStake(tx *solana.Transaction, program stakeprogram.Program, owner solana.PublicKey) (stakeprogram.StakeArgs, error) {
	call, err := single(tx, program.ID)
	if err != nil {
		return stakeprogram.StakeArgs{}, err
	}
	args, err := stakeprogram.ParseStakeData(call.Data)
	if err != nil {
		return stakeprogram.StakeArgs{}, fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	template, err := program.StakeInstruction(owner, solana.PublicKey{}, args)
	if err != nil {
		return stakeprogram.StakeArgs{}, err
	}
	if err := sameExceptStakeAccount(template, call); err != nil {
		return stakeprogram.StakeArgs{}, err
	}
	return args, nil
}

// MatchUnstake checks that tx is exactly the unstake call for stakeAccount.
func MatchUnstake(tx *solana.Transaction, program stakeprogram.Program, owner, stakeAccount solana.PublicKey) error {
	ix, err := program.UnstakeInstruction(owner, stakeAccount)
	if err != nil {
		return err
	}
	return MatchAny(tx, []solana.Instruction{ix})
}

func single(tx *solana.Transaction, programID solana.PublicKey) (Call, error) {
	calls, err := Calls(tx)
	if err != nil {
		return Call{}, err
	}
	if len(calls) != 1 {
		return Call{}, fmt.Errorf("%w: expected one instruction, got %d", ErrInvalidTransaction, len(calls))
	}
	if !calls[0].ProgramID.Equals(programID) {
		return Call{}, fmt.Errorf("%w: instruction targets %s", ErrInvalidTransaction, calls[0].ProgramID)
	}
	return calls[0], nil
}

func sameExceptStakeAccount(template solana.Instruction, got Call) error {
	want, err := CallOf(template)
	if err != nil {
		return err
	}
	if len(want.Accounts) != len(got.Accounts) {
		return fmt.Errorf("%w: unexpected stake accounts", ErrInvalidTransaction)
	}
	for i := range want.Accounts {
		if i == 1 {
			continue
		}
		if !want.Accounts[i].Equals(got.Accounts[i]) {
			return fmt.Errorf("%w: unexpected stake accounts", ErrInvalidTransaction)
		}
	}
	return nil
}
