package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dukex/drive-learning/internal/token"
)

// AccountRepo persists per-user OAuth tokens. It implements token.Store:
// access tokens stored plain with their expiry, refresh tokens encrypted
// at rest.
type AccountRepo struct {
	db *gorm.DB
}

func NewAccountRepo(database *gorm.DB) *AccountRepo {
	return &AccountRepo{db: database}
}

// GetAccount returns the linked account for a user, or nil when the user
// has never connected the provider. Decrypts the refresh token on read.
func (r *AccountRepo) GetAccount(ctx context.Context, userID, provider string) (*token.StoredAccount, error) {
	var acct LinkedAccount
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load linked account for user %s: %w", userID, err)
	}

	stored := &token.StoredAccount{}
	if acct.AccessToken != nil {
		stored.AccessToken = *acct.AccessToken
	}
	if acct.ExpiresAt != nil {
		stored.ExpiresAt = *acct.ExpiresAt
	}
	if acct.EncryptedRefreshToken != nil && *acct.EncryptedRefreshToken != "" {
		plain, err := decrypt(*acct.EncryptedRefreshToken)
		if err != nil {
			return nil, fmt.Errorf("decrypt refresh token for user %s: %w", userID, err)
		}
		stored.RefreshToken = string(plain)
	}
	return stored, nil
}

// UpdateAccessToken replaces the stored access token and expiry. Fails
// when no matching row exists — a refresh should never run for an account
// that was never linked.
func (r *AccountRepo) UpdateAccessToken(ctx context.Context, userID, provider, accessToken string, expiresAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&LinkedAccount{}).
		Where("user_id = ? AND provider = ?", userID, provider).
		Updates(map[string]interface{}{
			"access_token": accessToken,
			"expires_at":   expiresAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("no linked account for user %s, provider %s", userID, provider)
	}
	return nil
}

// UpdateRefreshToken replaces the stored refresh token (provider
// rotation). Stored encrypted.
func (r *AccountRepo) UpdateRefreshToken(ctx context.Context, userID, provider, refreshToken string) error {
	enc, err := encrypt([]byte(refreshToken))
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}
	result := r.db.WithContext(ctx).
		Model(&LinkedAccount{}).
		Where("user_id = ? AND provider = ?", userID, provider).
		Update("encrypted_refresh_token", enc)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("no linked account for user %s, provider %s", userID, provider)
	}
	return nil
}

// ClearAccessToken nulls out the access token and expiry. The refresh
// token is retained. Clearing an absent account is a no-op.
func (r *AccountRepo) ClearAccessToken(ctx context.Context, userID, provider string) error {
	return r.db.WithContext(ctx).
		Model(&LinkedAccount{}).
		Where("user_id = ? AND provider = ?", userID, provider).
		Updates(map[string]interface{}{
			"access_token": nil,
			"expires_at":   nil,
		}).Error
}

// UpsertAccount creates or replaces the full token set for a user, used
// by the OAuth callback after initial authorization.
func (r *AccountRepo) UpsertAccount(ctx context.Context, userID, provider, accessToken, refreshToken, scope string, expiresAt time.Time) error {
	enc, err := encrypt([]byte(refreshToken))
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	acct := LinkedAccount{
		UserID:                userID,
		Provider:              provider,
		AccessToken:           &accessToken,
		ExpiresAt:             &expiresAt,
		EncryptedRefreshToken: &enc,
		Scope:                 scope,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{"access_token", "expires_at", "encrypted_refresh_token", "scope", "updated_at"}),
	}).Create(&acct).Error
}

// RevokeAccount deletes the linked account entirely, refresh token
// included.
func (r *AccountRepo) RevokeAccount(ctx context.Context, userID, provider string) error {
	result := r.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		Delete(&LinkedAccount{})
	if result.RowsAffected == 0 {
		return fmt.Errorf("no linked account for user %s, provider %s", userID, provider)
	}
	return result.Error
}
