// Package stakeprogram describes the on-chain staking program: its account
// layouts, address derivation and instruction encoding.
package stakeprogram

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// LayoutV1 is the only account layout version currently deployed.
const LayoutV1 uint8 = 1

var (
	ErrDiscriminator      = errors.New("account discriminator mismatch")
	ErrUnsupportedVersion = errors.New("unsupported account layout version")
	ErrShortAccount       = errors.New("account data too short")
)

var (
	globalStateDiscriminator  = accountDiscriminator("GlobalState")
	stakeAccountDiscriminator = accountDiscriminator("StakeAccount")
)

// GlobalState is the program-wide account holding the stake counter shared by
// every owner.
type GlobalState struct {
	Version      uint8
	Authority    solana.PublicKey
	Mint         solana.PublicKey
	TotalStaked  uint64
	StakeCounter uint64
	Bump         uint8
}

type StakeAccount struct {
	Version    uint8
	Owner      solana.PublicKey
	Sequence   uint64
	Amount     uint64
	LockMonths uint8
	StartTime  int64
	EndTime    int64
	Closed     bool
	Bump       uint8
}

func DecodeGlobalState(data []byte) (GlobalState, error) {
	dec, version, err := open(data, globalStateDiscriminator)
	if err != nil {
		return GlobalState{}, fmt.Errorf("global state: %w", err)
	}
	out := GlobalState{Version: version}
	switch version {
	case LayoutV1:
		if out.Authority, err = readKey(dec); err != nil {
			break
		}
		if out.Mint, err = readKey(dec); err != nil {
			break
		}
		if out.TotalStaked, err = dec.ReadUint64(bin.LE); err != nil {
			break
		}
		if out.StakeCounter, err = dec.ReadUint64(bin.LE); err != nil {
			break
		}
		out.Bump, err = dec.ReadUint8()
	default:
		return GlobalState{}, fmt.Errorf("global state: %w: %d", ErrUnsupportedVersion, version)
	}
	if err != nil {
		return GlobalState{}, fmt.Errorf("global state: %w", ErrShortAccount)
	}
	return out, nil
}

func (g GlobalState) Encode() ([]byte, error) {
	return seal(globalStateDiscriminator, func(enc *bin.Encoder) error {
		return firstErr(
			enc.WriteUint8(LayoutV1),
			enc.WriteBytes(g.Authority[:], false),
			enc.WriteBytes(g.Mint[:], false),
			enc.WriteUint64(g.TotalStaked, bin.LE),
			enc.WriteUint64(g.StakeCounter, bin.LE),
			enc.WriteUint8(g.Bump),
		)
	})
}

func DecodeStakeAccount(data []byte) (StakeAccount, error) {
	dec, version, err := open(data, stakeAccountDiscriminator)
	if err != nil {
		return StakeAccount{}, fmt.Errorf("stake account: %w", err)
	}
	out := StakeAccount{Version: version}
	switch version {
	case LayoutV1:
		if out.Owner, err = readKey(dec); err != nil {
			break
		}
		if out.Sequence, err = dec.ReadUint64(bin.LE); err != nil {
			break
		}
		if out.Amount, err = dec.ReadUint64(bin.LE); err != nil {
			break
		}
		if out.LockMonths, err = dec.ReadUint8(); err != nil {
			break
		}
		if out.StartTime, err = dec.ReadInt64(bin.LE); err != nil {
			break
		}
		if out.EndTime, err = dec.ReadInt64(bin.LE); err != nil {
			break
		}
		if out.Closed, err = dec.ReadBool(); err != nil {
			break
		}
		out.Bump, err = dec.ReadUint8()
	default:
		return StakeAccount{}, fmt.Errorf("stake account: %w: %d", ErrUnsupportedVersion, version)
	}
	if err != nil {
		return StakeAccount{}, fmt.Errorf("stake account: %w", ErrShortAccount)
	}
	return out, nil
}

func (s StakeAccount) Encode() ([]byte, error) {
	return seal(stakeAccountDiscriminator, func(enc *bin.Encoder) error {
		return firstErr(
			enc.WriteUint8(LayoutV1),
			enc.WriteBytes(s.Owner[:], false),
			enc.WriteUint64(s.Sequence, bin.LE),
			enc.WriteUint64(s.Amount, bin.LE),
			enc.WriteUint8(s.LockMonths),
			enc.WriteInt64(s.StartTime, bin.LE),
			enc.WriteInt64(s.EndTime, bin.LE),
			enc.WriteBool(s.Closed),
			enc.WriteUint8(s.Bump),
		)
	})
}

func open(data []byte, disc [8]byte) (*bin.Decoder, uint8, error) {
	if len(data) < 9 {
		return nil, 0, ErrShortAccount
	}
	if !bytes.Equal(data[:8], disc[:]) {
		return nil, 0, ErrDiscriminator
	}
	dec := bin.NewBorshDecoder(data[8:])
	version, err := dec.ReadUint8()
	if err != nil {
		return nil, 0, ErrShortAccount
	}
	return dec, version, nil
}

func seal(disc [8]byte, body func(*bin.Encoder) error) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(disc[:])
	if err := body(bin.NewBorshEncoder(&buf)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func readKey(dec *bin.Decoder) (solana.PublicKey, error) {
	b, err := dec.ReadNBytes(solana.PublicKeyLength)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return solana.PublicKeyFromBytes(b), nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func accountDiscriminator(name string) [8]byte {
	return discriminator("account:" + name)
}

func discriminator(preimage string) [8]byte {
	sum := sha256.Sum256([]byte(preimage))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}
