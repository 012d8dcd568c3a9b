package custody

import (
	"encoding/base64"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func testVault(t *testing.T, fill byte) *Vault {
	t.Helper()
	master := make([]byte, 32)
	for i := range master {
		master[i] = fill
	}
	v, err := NewVault(base64.StdEncoding.EncodeToString(master))
	require.NoError(t, err)
	return v
}

func TestSealOpen(t *testing.T) {
	v := testVault(t, 7)
	key := solana.NewWallet().PrivateKey

	sealed, err := v.Seal(key)
	require.NoError(t, err)

	opened, err := v.Open(sealed, key.PublicKey().String())
	require.NoError(t, err)
	require.Equal(t, key, opened)
}

func TestOpenRejects(t *testing.T) {
	v := testVault(t, 7)
	key := solana.NewWallet().PrivateKey
	sealed, err := v.Seal(key)
	require.NoError(t, err)

	_, err = v.Open(sealed, solana.NewWallet().PublicKey().String())
	require.ErrorIs(t, err, ErrInvalidCustody)

	_, err = testVault(t, 8).Open(sealed, key.PublicKey().String())
	require.ErrorIs(t, err, ErrInvalidCustody)

	_, err = v.Open("bm90LWEtYm94", key.PublicKey().String())
	require.ErrorIs(t, err, ErrInvalidCustody)

	_, err = v.Open("", key.PublicKey().String())
	require.ErrorIs(t, err, ErrNoCustody)
}

func TestNewVaultKeyLength(t *testing.T) {
	_, err := NewVault(base64.StdEncoding.EncodeToString([]byte("short")))
	require.Error(t, err)
}

func TestCredentialsFundingFallback(t *testing.T) {
	authority := solana.NewWallet().PrivateKey
	creds, err := LoadCredentials(KeySource{Key: authority.String()}, KeySource{})
	require.NoError(t, err)
	require.Equal(t, authority.PublicKey(), creds.AuthorityAddress())
	require.Equal(t, authority.PublicKey(), creds.FundingAddress())

	funding := solana.NewWallet().PrivateKey
	creds, err = LoadCredentials(KeySource{Key: authority.String()}, KeySource{Key: funding.String()})
	require.NoError(t, err)
	require.Equal(t, funding.PublicKey(), creds.FundingAddress())

	_, err = LoadCredentials(KeySource{}, KeySource{})
	require.Error(t, err)
}
