package token

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/sethvargo/go-retry"
)

// FailureKind is the closed classification of provider failures. Raw
// errors are classified once at the boundary where they are first caught;
// downstream logic branches on the kind, never on error shapes.
type FailureKind int

const (
	FailureOther FailureKind = iota
	FailureUnauthorized
	FailureRateLimited
	FailureServerUnavailable
	FailureNetwork
)

func (k FailureKind) String() string {
	switch k {
	case FailureUnauthorized:
		return "unauthorized"
	case FailureRateLimited:
		return "rate_limited"
	case FailureServerUnavailable:
		return "server_unavailable"
	case FailureNetwork:
		return "network"
	default:
		return "other"
	}
}

// Retryable reports whether a failure of this kind may succeed on retry.
func (k FailureKind) Retryable() bool {
	return k == FailureRateLimited || k == FailureServerUnavailable || k == FailureNetwork
}

// RefreshResult is the transient outcome of one refresh operation, never
// persisted. RequiresReauth is the load-bearing flag: it separates "try
// again later" from "the user must go through authorization again".
type RefreshResult struct {
	Success        bool
	AccessToken    string
	RefreshToken   string // set only when the provider rotated it
	ExpiresIn      int64  // seconds
	RequiresReauth bool
	Kind           FailureKind
	ErrorDesc      string
}

// RefresherConfig carries the provider endpoint and client credentials.
type RefresherConfig struct {
	Provider            string
	TokenURL            string
	ClientID            string
	ClientSecret        string
	RotatesRefreshToken bool
	MaxAttempts         uint64        // total attempts including the first, default 3
	BackoffBase         time.Duration // first retry delay, doubles per attempt, default 500ms
}

// Refresh token format bounds. Obviously corrupt values are rejected
// before any network round-trip.
const (
	refreshTokenMinLen = 50
	refreshTokenMaxLen = 512
)

var refreshTokenPattern = regexp.MustCompile(`^[A-Za-z0-9\-._~+/=]+$`)

// Refresher exchanges refresh tokens for new access tokens at the
// provider's token endpoint. All durable side effects go through the
// Store; the in-process cache is the Manager's concern.
type Refresher struct {
	cfg    RefresherConfig
	store  Store
	client *http.Client
}

// NewRefresher validates the provider configuration up front. Missing
// client credentials are a hard configuration error, not a retryable
// refresh failure.
func NewRefresher(cfg RefresherConfig, store Store) (*Refresher, error) {
	if cfg.TokenURL == "" {
		return nil, errors.New("refresher: token URL is required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.Errorf("refresher: client credentials missing for provider %s", cfg.Provider)
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	return &Refresher{
		cfg:   cfg,
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

// refreshError carries the classification through the retry loop.
type refreshError struct {
	kind   FailureKind
	reauth bool
	desc   string
}

func (e *refreshError) Error() string { return e.desc }

// RefreshAccessToken exchanges refreshToken for a new access token.
// Transient failures are retried up to MaxAttempts total with exponential
// backoff; requires-reauth failures are never retried.
func (r *Refresher) RefreshAccessToken(ctx context.Context, refreshToken string) *RefreshResult {
	if err := validateRefreshTokenFormat(refreshToken); err != nil {
		return &RefreshResult{
			RequiresReauth: true,
			Kind:           FailureUnauthorized,
			ErrorDesc:      err.Error(),
		}
	}

	var result *RefreshResult
	backoff := retry.WithMaxRetries(r.cfg.MaxAttempts-1, retry.NewExponential(r.cfg.BackoffBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		res, rerr := r.doRefresh(ctx, refreshToken)
		if rerr != nil {
			if rerr.kind.Retryable() {
				return retry.RetryableError(rerr)
			}
			return rerr
		}
		result = res
		return nil
	})
	if err != nil {
		var rerr *refreshError
		if errors.As(err, &rerr) {
			return &RefreshResult{
				RequiresReauth: rerr.reauth,
				Kind:           rerr.kind,
				ErrorDesc:      rerr.desc,
			}
		}
		// Context cancellation or similar; treat as a network-level failure.
		return &RefreshResult{Kind: FailureNetwork, ErrorDesc: err.Error()}
	}
	return result
}

// doRefresh performs a single refresh_token grant round-trip.
func (r *Refresher) doRefresh(ctx context.Context, refreshToken string) (*RefreshResult, *refreshError) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", r.cfg.ClientID)
	data.Set("client_secret", r.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, "POST", r.cfg.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, &refreshError{kind: FailureOther, desc: "failed to create refresh request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &refreshError{kind: FailureNetwork, desc: "token endpoint unreachable: " + err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyRefreshFailure(resp.StatusCode, body)
	}

	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
		ExpiryDate   int64  `json:"expiry_date"` // absolute ms, some provider libraries use this
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, &refreshError{kind: FailureOther, desc: "failed to decode token response: " + err.Error()}
	}
	if tokenResp.AccessToken == "" {
		return nil, &refreshError{kind: FailureOther, desc: "token response missing access_token"}
	}

	expiresIn := tokenResp.ExpiresIn
	if expiresIn == 0 && tokenResp.ExpiryDate > 0 {
		expiresIn = tokenResp.ExpiryDate/1000 - time.Now().Unix()
	}

	return &RefreshResult{
		Success:      true,
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		ExpiresIn:    expiresIn,
	}, nil
}

// classifyRefreshFailure maps the provider's status and OAuth error code
// to the closed failure set. invalid_grant is the canonical
// must-reauthenticate signal.
func classifyRefreshFailure(status int, body []byte) *refreshError {
	var oauthErr struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	_ = json.Unmarshal(body, &oauthErr)

	desc := oauthErr.Error
	if oauthErr.Description != "" {
		desc = oauthErr.Error + ": " + oauthErr.Description
	}
	if desc == "" {
		desc = "status " + http.StatusText(status)
	}

	switch {
	case oauthErr.Error == "invalid_grant",
		oauthErr.Error == "invalid_client",
		oauthErr.Error == "unauthorized_client":
		return &refreshError{kind: FailureUnauthorized, reauth: true, desc: desc}
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return &refreshError{kind: FailureUnauthorized, reauth: true, desc: desc}
	case status == http.StatusTooManyRequests:
		return &refreshError{kind: FailureRateLimited, desc: desc}
	case status >= 500:
		return &refreshError{kind: FailureServerUnavailable, desc: desc}
	default:
		return &refreshError{kind: FailureOther, desc: desc}
	}
}

func validateRefreshTokenFormat(refreshToken string) error {
	if len(refreshToken) < refreshTokenMinLen || len(refreshToken) > refreshTokenMaxLen {
		return errors.Errorf("refresh token length %d outside [%d, %d]",
			len(refreshToken), refreshTokenMinLen, refreshTokenMaxLen)
	}
	if !refreshTokenPattern.MatchString(refreshToken) {
		return errors.New("refresh token contains invalid characters")
	}
	return nil
}

// =============================================================================
// Store-facing helpers
// =============================================================================

// UpdateStoredTokens persists a freshly issued access token and its
// computed expiry. Propagates the store error when no account row exists.
func (r *Refresher) UpdateStoredTokens(ctx context.Context, userID, accessToken string, expiresIn int64) error {
	expiresAt := time.Now().Add(time.Duration(expiresIn) * time.Second)
	if err := r.store.UpdateAccessToken(ctx, userID, r.cfg.Provider, accessToken, expiresAt); err != nil {
		return errors.Wrap(err, "update stored tokens")
	}
	return nil
}

// StoredAccessToken returns the stored access token, or "" when none is
// stored or the stored expiry has already passed. Never returns a token
// known to be expired.
func (r *Refresher) StoredAccessToken(ctx context.Context, userID string) (string, error) {
	acct, err := r.store.GetAccount(ctx, userID, r.cfg.Provider)
	if err != nil {
		return "", err
	}
	if acct == nil || acct.AccessToken == "" {
		return "", nil
	}
	if !acct.ExpiresAt.IsZero() && !time.Now().Before(acct.ExpiresAt) {
		return "", nil
	}
	return acct.AccessToken, nil
}

// StoredRefreshToken returns the stored refresh token, or "" when none.
func (r *Refresher) StoredRefreshToken(ctx context.Context, userID string) (string, error) {
	acct, err := r.store.GetAccount(ctx, userID, r.cfg.Provider)
	if err != nil {
		return "", err
	}
	if acct == nil {
		return "", nil
	}
	return acct.RefreshToken, nil
}

// ClearStoredTokens nulls out the access token and expiry, forcing
// re-authentication or a fresh refresh on next access. The refresh token
// is retained.
func (r *Refresher) ClearStoredTokens(ctx context.Context, userID string) error {
	return r.store.ClearAccessToken(ctx, userID, r.cfg.Provider)
}

// RefreshUserToken composes StoredRefreshToken → RefreshAccessToken →
// UpdateStoredTokens for one user. The original refresh token is
// preserved unless the provider rotates and returned a new one. The error
// return is reserved for storage failures; expected refresh outcomes land
// in the result.
func (r *Refresher) RefreshUserToken(ctx context.Context, userID string) (*RefreshResult, error) {
	refreshToken, err := r.StoredRefreshToken(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "load refresh token")
	}
	if refreshToken == "" {
		return &RefreshResult{
			RequiresReauth: true,
			Kind:           FailureUnauthorized,
			ErrorDesc:      "no refresh token stored for user",
		}, nil
	}

	result := r.RefreshAccessToken(ctx, refreshToken)
	if !result.Success {
		return result, nil
	}

	if err := r.UpdateStoredTokens(ctx, userID, result.AccessToken, result.ExpiresIn); err != nil {
		return nil, err
	}
	if r.cfg.RotatesRefreshToken && result.RefreshToken != "" && result.RefreshToken != refreshToken {
		if err := r.store.UpdateRefreshToken(ctx, userID, r.cfg.Provider, result.RefreshToken); err != nil {
			return nil, errors.Wrap(err, "persist rotated refresh token")
		}
		log.Printf("[token] rotated refresh token persisted for user %s", userID)
	}
	return result, nil
}
