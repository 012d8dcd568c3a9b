// Package custody holds server-side signing material: the process-wide
// authority credentials and the decryption of per-owner custody keys.
package custody

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/gagliardetto/solana-go"
	"golang.org/x/crypto/nacl/secretbox"
)

var (
	ErrInvalidCustody = errors.New("invalid custody key")
	ErrNoCustody      = errors.New("owner has no custody key")
)

const nonceSize = 24

// Credentials are the authority and funding keys. They are loaded once at
// startup and passed to every component that signs settlement transactions.
type Credentials struct {
	authority solana.PrivateKey
	funding   solana.PrivateKey
}

type KeySource struct {
	Key  string
	File string
}

// LoadCredentials reads both keys. A missing funding key falls back to the
// authority key.
func LoadCredentials(authority, funding KeySource) (*Credentials, error) {
	a, err := loadKey(authority)
	if err != nil {
		return nil, fmt.Errorf("authority key: %w", err)
	}
	if a == nil {
		return nil, errors.New("authority key is required")
	}
	f, err := loadKey(funding)
	if err != nil {
		return nil, fmt.Errorf("funding key: %w", err)
	}
	if f == nil {
		f = a
	}
	return &Credentials{authority: a, funding: f}, nil
}

func NewCredentials(authority, funding solana.PrivateKey) *Credentials {
	if funding == nil {
		funding = authority
	}
	return &Credentials{authority: authority, funding: funding}
}

func (c *Credentials) Authority() solana.PrivateKey { return c.authority }
func (c *Credentials) Funding() solana.PrivateKey   { return c.funding }

func (c *Credentials) AuthorityAddress() solana.PublicKey { return c.authority.PublicKey() }
func (c *Credentials) FundingAddress() solana.PublicKey   { return c.funding.PublicKey() }

func loadKey(src KeySource) (solana.PrivateKey, error) {
	if k := strings.TrimSpace(src.Key); k != "" {
		return solana.PrivateKeyFromBase58(k)
	}
	if f := strings.TrimSpace(src.File); f != "" {
		return solana.PrivateKeyFromSolanaKeygenFile(f)
	}
	return nil, nil
}

// Vault decrypts owner custody keys sealed with the master key.
type Vault struct {
	master [32]byte
}

func NewVault(masterKeyBase64 string) (*Vault, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(masterKeyBase64))
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(raw))
	}
	v := &Vault{}
	copy(v.master[:], raw)
	return v, nil
}

// Open decrypts sealed and checks that the key controls address.
func (v *Vault) Open(sealed, address string) (solana.PrivateKey, error) {
	if strings.TrimSpace(sealed) == "" {
		return nil, ErrNoCustody
	}
	box, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(box) <= nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("%w: malformed ciphertext", ErrInvalidCustody)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], box[:nonceSize])
	plain, ok := secretbox.Open(nil, box[nonceSize:], &nonce, &v.master)
	if !ok {
		return nil, fmt.Errorf("%w: decryption failed", ErrInvalidCustody)
	}
	secret := base58.Decode(strings.TrimSpace(string(plain)))
	if len(secret) != 64 {
		return nil, fmt.Errorf("%w: bad secret length", ErrInvalidCustody)
	}
	key := solana.PrivateKey(secret)
	if key.PublicKey().String() != address {
		return nil, fmt.Errorf("%w: key does not control %s", ErrInvalidCustody, address)
	}
	return key, nil
}

// Seal encrypts key for storage in the wallet directory.
func (v *Vault) Seal(key solana.PrivateKey) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}
	plain := []byte(base58.Encode(key))
	box := secretbox.Seal(nonce[:], plain, &nonce, &v.master)
	return base64.StdEncoding.EncodeToString(box), nil
}
