package token

import (
	"context"
	"time"
)

// StoredAccount is the durable token state for one (user, provider) pair.
// ExpiresAt is the zero time when no access token is stored.
type StoredAccount struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Store persists per-user OAuth tokens. The db package implements it over
// Postgres; tests use in-memory fakes. The store exclusively owns durable
// token state — the manager's cache must never outlive it by more than the
// cache TTL.
type Store interface {
	// GetAccount returns the linked account for the user, or nil when the
	// user has never connected the provider.
	GetAccount(ctx context.Context, userID, provider string) (*StoredAccount, error)

	// UpdateAccessToken replaces the stored access token and its expiry.
	// Fails when no matching account row exists; a missing row here means
	// corrupted data, not a normal path.
	UpdateAccessToken(ctx context.Context, userID, provider, accessToken string, expiresAt time.Time) error

	// UpdateRefreshToken replaces the stored refresh token. Only called
	// when the provider rotates refresh tokens on use.
	UpdateRefreshToken(ctx context.Context, userID, provider, refreshToken string) error

	// ClearAccessToken nulls out the access token and expiry so the next
	// access forces a refresh or re-authentication. The refresh token is
	// retained; revoking it is a separate, explicit operation.
	ClearAccessToken(ctx context.Context, userID, provider string) error
}
