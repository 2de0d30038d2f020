package token

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultExpiryBuffer is how long before expiry a token counts as
// expiring soon.
const DefaultExpiryBuffer = 5 * time.Minute

// Claims are the decoded informational fields of a bearer token. Only
// ExpiresAt is required; everything else is best-effort.
type Claims struct {
	ExpiresAt time.Time
	IssuedAt  time.Time
	Subject   string
	Issuer    string
	Audience  []string
}

// Validation is the combined result of a single decode pass, for callers
// that want one trip through claim parsing instead of three.
type Validation struct {
	Valid        bool
	Expired      bool
	ExpiringSoon bool
	ExpiresAt    time.Time
	Err          error
}

// Validator reasons about bearer token expiry. It decodes claims without
// verifying signatures — signature verification is the issuing provider's
// job. Stateless, no I/O, safe for concurrent use.
type Validator struct {
	parser *jwt.Parser
	now    func() time.Time
}

func NewValidator() *Validator {
	return &Validator{parser: jwt.NewParser(), now: time.Now}
}

// Decode extracts claims from a token without verifying its signature.
// Fails when the token is not three dot-separated segments, the claims
// segment is not valid base64url JSON, or the exp claim is missing or
// non-numeric.
func (v *Validator) Decode(token string) (*Claims, error) {
	parsed, _, err := v.parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, errors.Wrap(err, "parse token")
	}

	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil {
		return nil, errors.Wrap(err, "read exp claim")
	}
	if exp == nil {
		return nil, errors.New("token has no exp claim")
	}

	claims := &Claims{ExpiresAt: exp.Time}
	if iat, err := parsed.Claims.GetIssuedAt(); err == nil && iat != nil {
		claims.IssuedAt = iat.Time
	}
	if sub, err := parsed.Claims.GetSubject(); err == nil {
		claims.Subject = sub
	}
	if iss, err := parsed.Claims.GetIssuer(); err == nil {
		claims.Issuer = iss
	}
	if aud, err := parsed.Claims.GetAudience(); err == nil && len(aud) > 0 {
		claims.Audience = aud
	}
	return claims, nil
}

// IsExpired reports whether the token is expired. A token that cannot be
// decoded is always expired — never optimistically valid.
func (v *Validator) IsExpired(token string) bool {
	claims, err := v.Decode(token)
	if err != nil {
		return true
	}
	return !v.now().Before(claims.ExpiresAt)
}

// IsExpiringSoon reports whether the token expires within buffer.
// Undecodable tokens are always expiring soon. A negative buffer is a
// caller bug and is rejected.
func (v *Validator) IsExpiringSoon(token string, buffer time.Duration) (bool, error) {
	if buffer < 0 {
		return false, errors.Errorf("expiry buffer must be non-negative, got %v", buffer)
	}
	claims, err := v.Decode(token)
	if err != nil {
		return true, nil
	}
	return !v.now().Before(claims.ExpiresAt.Add(-buffer)), nil
}

// Validate combines decode, expiry, and near-expiry checks in one pass.
func (v *Validator) Validate(token string, buffer time.Duration) Validation {
	if buffer < 0 {
		return Validation{Err: errors.Errorf("expiry buffer must be non-negative, got %v", buffer)}
	}
	claims, err := v.Decode(token)
	if err != nil {
		return Validation{Expired: true, ExpiringSoon: true, Err: err}
	}
	now := v.now()
	expired := !now.Before(claims.ExpiresAt)
	return Validation{
		Valid:        !expired,
		Expired:      expired,
		ExpiringSoon: !now.Before(claims.ExpiresAt.Add(-buffer)),
		ExpiresAt:    claims.ExpiresAt,
	}
}

// RemainingLifetime returns how long until the token expires, clamped to
// zero for expired or undecodable tokens.
func (v *Validator) RemainingLifetime(token string) time.Duration {
	claims, err := v.Decode(token)
	if err != nil {
		return 0
	}
	remaining := claims.ExpiresAt.Sub(v.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}
