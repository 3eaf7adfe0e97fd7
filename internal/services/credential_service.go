package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"gorm.io/gorm"

	"github.com/lockerhq/lockerd/internal/models"
	apperrors "github.com/lockerhq/lockerd/pkg/errors"
)

const (
	minPINLength = 4
	maxPINLength = 12
)

// CredentialService issues and validates the numeric access codes that let a
// user open their assigned locker. A user holds at most one credential;
// issuing a new one overwrites the previous value and restarts the validity
// window.
type CredentialService struct {
	db        *gorm.DB
	pinLength int
	ttl       time.Duration
	now       func() time.Time
}

// NewCredentialService constructs a CredentialService with the given code
// length and validity window.
func NewCredentialService(db *gorm.DB, pinLength int, ttl time.Duration) (*CredentialService, error) {
	if db == nil {
		return nil, errors.New("credential service: db is required")
	}
	if pinLength < minPINLength || pinLength > maxPINLength {
		return nil, fmt.Errorf("credential service: pin length %d out of range [%d, %d]", pinLength, minPINLength, maxPINLength)
	}
	if ttl <= 0 {
		return nil, errors.New("credential service: ttl must be positive")
	}
	return &CredentialService{db: db, pinLength: pinLength, ttl: ttl, now: time.Now}, nil
}

// Issue generates a fresh numeric code for the user and stamps its issuance
// time. Any previously held code stops working immediately.
func (s *CredentialService) Issue(ctx context.Context, userID string) (string, error) {
	ctx = ensureContext(ctx)

	pin, err := generatePIN(s.pinLength)
	if err != nil {
		return "", fmt.Errorf("credential service: generate pin: %w", err)
	}

	issuedAt := s.now().UTC()
	res := s.db.WithContext(ctx).
		Model(&models.LockerUser{}).
		Where("id = ?", userID).
		Updates(map[string]any{"pin": pin, "pin_issued_at": issuedAt})
	if res.Error != nil {
		return "", fmt.Errorf("credential service: store pin: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return "", apperrors.ErrNotFound
	}

	return pin, nil
}

// Validate resolves a presented code to its holder. An unknown or expired
// code yields ErrUnauthorized; a code held by more than one user yields
// ErrAmbiguousCredential so the caller can flag the collision without
// guessing an owner.
func (s *CredentialService) Validate(ctx context.Context, pin string) (*models.LockerUser, error) {
	ctx = ensureContext(ctx)

	if pin == "" {
		return nil, apperrors.ErrUnauthorized
	}

	var holders []models.LockerUser
	err := s.db.WithContext(ctx).
		Where("pin = ?", pin).
		Limit(2).
		Find(&holders).Error
	if err != nil {
		return nil, fmt.Errorf("credential service: lookup pin: %w", err)
	}

	switch len(holders) {
	case 0:
		return nil, apperrors.ErrUnauthorized
	case 1:
	default:
		return nil, apperrors.ErrAmbiguousCredential
	}

	holder := holders[0]
	if holder.PINIssuedAt == nil {
		return nil, apperrors.ErrUnauthorized
	}
	if s.now().UTC().After(holder.PINIssuedAt.Add(s.ttl)) {
		return nil, apperrors.ErrUnauthorized
	}

	return &holder, nil
}

// Revoke clears the user's credential if present. Revoking a user with no
// credential is a no-op.
func (s *CredentialService) Revoke(ctx context.Context, userID string) error {
	ctx = ensureContext(ctx)

	err := s.db.WithContext(ctx).
		Model(&models.LockerUser{}).
		Where("id = ?", userID).
		Updates(map[string]any{"pin": nil, "pin_issued_at": nil}).Error
	if err != nil {
		return fmt.Errorf("credential service: revoke: %w", err)
	}
	return nil
}

// RevokeExpired clears every credential issued before the cutoff. Returns the
// number of credentials cleared.
func (s *CredentialService) RevokeExpired(ctx context.Context) (int64, error) {
	ctx = ensureContext(ctx)

	cutoff := s.now().UTC().Add(-s.ttl)
	res := s.db.WithContext(ctx).
		Model(&models.LockerUser{}).
		Where("pin IS NOT NULL AND pin_issued_at < ?", cutoff).
		Updates(map[string]any{"pin": nil, "pin_issued_at": nil})
	if res.Error != nil {
		return 0, fmt.Errorf("credential service: revoke expired: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// generatePIN draws each digit independently from crypto/rand so codes are
// uniformly distributed and leading zeros are preserved.
func generatePIN(length int) (string, error) {
	digits := make([]byte, length)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits), nil
}
