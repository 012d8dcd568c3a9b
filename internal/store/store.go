package store

import (
	"context"
	"errors"

	"TokenSettle/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

type rowScanner interface {
	Scan(dest ...any) error
}

// translate maps driver errors onto the store sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return errors.Join(ErrDuplicate, err)
	}
	return err
}

const walletColumns = `owner_id, address, encrypted_key, referral_code, referred_by, tier, created_at`

func scanWallet(row rowScanner) (*models.Wallet, error) {
	var w models.Wallet
	if err := row.Scan(
		&w.OwnerID,
		&w.Address,
		&w.EncryptedKey,
		&w.ReferralCode,
		&w.ReferredBy,
		&w.Tier,
		&w.CreatedAt,
	); err != nil {
		return nil, translate(err)
	}
	return &w, nil
}

func (s *Store) CreateWallet(ctx context.Context, w *models.Wallet) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO wallets (owner_id, address, encrypted_key, referral_code, referred_by, tier)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, w.OwnerID, w.Address, w.EncryptedKey, w.ReferralCode, w.ReferredBy, w.Tier)
	return translate(err)
}

func (s *Store) GetWallet(ctx context.Context, ownerID string) (*models.Wallet, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE owner_id=$1`, ownerID)
	return scanWallet(row)
}

// FindReferrer returns the wallet whose referral code referredID signed up with.
func (s *Store) FindReferrer(ctx context.Context, referredID string) (*models.Wallet, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT r.owner_id, r.address, r.encrypted_key, r.referral_code, r.referred_by, r.tier, r.created_at
		FROM wallets w
		JOIN wallets r ON r.referral_code = w.referred_by
		WHERE w.owner_id=$1
	`, referredID)
	return scanWallet(row)
}

// ClaimSignature records sig as consumed. A second claim of the same signature
// fails with ErrDuplicate, whichever caller wins the race.
func (s *Store) ClaimSignature(ctx context.Context, sig, kind, refID string) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO signature_claims (signature, kind, ref_id) VALUES ($1,$2,$3)
	`, sig, kind, refID)
	return translate(err)
}
