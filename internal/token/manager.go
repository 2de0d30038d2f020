package token

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrReauthRequired signals that no valid token can be produced without
// the user going through the authorization flow again. Callers match it
// with errors.Is.
var ErrReauthRequired = errors.New("reauthentication required")

// refreshRunner is the slice of the Refresher the manager depends on,
// split out so tests can stub refresh outcomes.
type refreshRunner interface {
	RefreshUserToken(ctx context.Context, userID string) (*RefreshResult, error)
	ClearStoredTokens(ctx context.Context, userID string) error
}

// ManagerConfig tunes the manager's cache and refresh behavior.
type ManagerConfig struct {
	Provider      string
	CacheEnabled  bool
	CacheTTL      time.Duration // default 30m
	ExpiryBuffer  time.Duration // default 5m
	SweepInterval time.Duration // default 10m
}

// Manager orchestrates "give me a currently valid access token for user
// U": cache → store → refresh, plus post-hoc 401 recovery and cache
// invalidation. One instance per process owns the cache; construct it at
// the composition root and pass it by reference.
type Manager struct {
	cfg       ManagerConfig
	store     Store
	refresher refreshRunner
	validator *Validator
	cache     *tokenCache
	stop      chan struct{}
	stopOnce  sync.Once

	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
	refreshTotal metric.Int64Counter
}

// CacheStats is an observability snapshot of the token cache.
type CacheStats struct {
	Size    int      `json:"size"`
	UserIDs []string `json:"user_ids"`
}

func NewManager(cfg ManagerConfig, store Store, refresher *Refresher) *Manager {
	return newManager(cfg, store, refresher)
}

func newManager(cfg ManagerConfig, store Store, refresher refreshRunner) *Manager {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Minute
	}
	if cfg.ExpiryBuffer < 0 {
		cfg.ExpiryBuffer = DefaultExpiryBuffer
	} else if cfg.ExpiryBuffer == 0 {
		cfg.ExpiryBuffer = DefaultExpiryBuffer
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Minute
	}

	m := &Manager{
		cfg:       cfg,
		store:     store,
		refresher: refresher,
		validator: NewValidator(),
		cache: &tokenCache{
			items: make(map[string]*cacheEntry),
			ttl:   cfg.CacheTTL,
		},
		stop: make(chan struct{}),
	}

	meter := otel.Meter("github.com/dukex/drive-learning/internal/token")
	var err error
	if m.cacheHits, err = meter.Int64Counter("token.cache.hits"); err != nil {
		log.Printf("[token] failed to create cache hit counter: %v", err)
	}
	if m.cacheMisses, err = meter.Int64Counter("token.cache.misses"); err != nil {
		log.Printf("[token] failed to create cache miss counter: %v", err)
	}
	if m.refreshTotal, err = meter.Int64Counter("token.refresh.total"); err != nil {
		log.Printf("[token] failed to create refresh counter: %v", err)
	}

	go m.sweepLoop()
	return m
}

// Close stops the background cache sweep.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// GetValidAccessToken is the primary entry point: cache, then store, then
// refresh. Returns an error wrapping ErrReauthRequired when no valid
// token can be produced by any path. On any failure the user's cache
// entry is evicted — a known-bad token is never left cached.
func (m *Manager) GetValidAccessToken(ctx context.Context, userID string) (tok string, err error) {
	if userID == "" {
		return "", errors.New("userID is required")
	}
	defer func() {
		if err != nil {
			m.cache.delete(userID)
		}
	}()

	if m.cfg.CacheEnabled {
		if cached := m.cache.get(userID); cached != "" {
			soon, serr := m.validator.IsExpiringSoon(cached, m.cfg.ExpiryBuffer)
			if serr == nil && !soon {
				m.count(ctx, m.cacheHits)
				return cached, nil
			}
			m.cache.delete(userID)
		}
		m.count(ctx, m.cacheMisses)
	}

	acct, err := m.store.GetAccount(ctx, userID, m.cfg.Provider)
	if err != nil {
		return "", errors.Wrap(err, "load linked account")
	}
	if acct != nil && acct.AccessToken != "" {
		soon, serr := m.validator.IsExpiringSoon(acct.AccessToken, m.cfg.ExpiryBuffer)
		if serr == nil && !soon {
			m.cacheToken(userID, acct.AccessToken)
			return acct.AccessToken, nil
		}
	}

	refreshed, err := m.RefreshTokenIfNeeded(ctx, userID)
	if err != nil {
		return "", err
	}
	if refreshed == "" {
		return "", errors.Wrap(ErrReauthRequired, "no valid access token obtainable for user")
	}
	return refreshed, nil
}

// RefreshTokenIfNeeded forces a refresh through the refresher. On a
// requires-reauth failure it clears the stored access token and returns
// "" with a nil error — the caller must send the user back through
// authorization. Transient exhausted-retry failures surface as errors and
// leave stored tokens untouched.
func (m *Manager) RefreshTokenIfNeeded(ctx context.Context, userID string) (string, error) {
	res, err := m.refresher.RefreshUserToken(ctx, userID)
	if err != nil {
		m.cache.delete(userID)
		return "", err
	}

	if !res.Success {
		m.count(ctx, m.refreshTotal, attribute.String("outcome", res.Kind.String()))
		if res.RequiresReauth {
			m.cache.delete(userID)
			if cerr := m.refresher.ClearStoredTokens(ctx, userID); cerr != nil {
				log.Printf("[token] failed to clear stored tokens for user %s: %v", userID, cerr)
			}
			log.Printf("[token] refresh requires re-authentication for user %s: %s", userID, res.ErrorDesc)
			return "", nil
		}
		return "", errors.Errorf("token refresh failed (%s): %s", res.Kind, res.ErrorDesc)
	}

	m.count(ctx, m.refreshTotal, attribute.String("outcome", "success"))
	m.cacheToken(userID, res.AccessToken)
	return res.AccessToken, nil
}

// HandleAPIError recovers from an authorization failure on an outbound
// call: evict the cache, force one refresh, and hand back the new token.
// When refresh cannot produce a token, stored access state is cleared and
// the original error is re-raised so the caller sees a consistent
// authorization failure rather than a refresh-specific one.
func (m *Manager) HandleAPIError(ctx context.Context, userID string, cause error) (string, error) {
	m.cache.delete(userID)

	tok, err := m.RefreshTokenIfNeeded(ctx, userID)
	if err != nil || tok == "" {
		if err != nil {
			log.Printf("[token] refresh after API error failed for user %s: %v", userID, err)
			if cerr := m.refresher.ClearStoredTokens(ctx, userID); cerr != nil {
				log.Printf("[token] failed to clear stored tokens for user %s: %v", userID, cerr)
			}
		}
		return "", cause
	}
	return tok, nil
}

// ProactiveRefresh refreshes a token only when it is expiring soon but
// not yet expired. Meant for scheduled maintenance outside the request
// path, so user-facing latency never includes an avoidable refresh.
// Reports whether a currently usable token exists afterward.
func (m *Manager) ProactiveRefresh(ctx context.Context, userID string) (bool, error) {
	acct, err := m.store.GetAccount(ctx, userID, m.cfg.Provider)
	if err != nil {
		return false, errors.Wrap(err, "load linked account")
	}
	if acct == nil || acct.AccessToken == "" {
		return false, nil
	}
	if m.validator.IsExpired(acct.AccessToken) {
		return false, nil
	}
	soon, serr := m.validator.IsExpiringSoon(acct.AccessToken, m.cfg.ExpiryBuffer)
	if serr != nil {
		return false, serr
	}
	if !soon {
		return true, nil
	}

	tok, err := m.RefreshTokenIfNeeded(ctx, userID)
	if err != nil {
		// Transient failure; the old token is still unexpired and usable.
		log.Printf("[token] proactive refresh failed for user %s: %v", userID, err)
		return true, nil
	}
	return tok != "", nil
}

// IsTokenValid is a pass-through to the validator with the manager's
// configured buffer.
func (m *Manager) IsTokenValid(token string) bool {
	return m.validator.Validate(token, m.cfg.ExpiryBuffer).Valid
}

// ValidateToken is a pass-through returning the full validation result.
func (m *Manager) ValidateToken(token string) Validation {
	return m.validator.Validate(token, m.cfg.ExpiryBuffer)
}

// ClearCache drops every cached entry.
func (m *Manager) ClearCache() {
	m.cache.clear()
}

// GetCacheStats reports cache size and present keys.
func (m *Manager) GetCacheStats() CacheStats {
	return m.cache.stats()
}

func (m *Manager) cacheToken(userID, accessToken string) {
	if !m.cfg.CacheEnabled {
		return
	}
	claims, err := m.validator.Decode(accessToken)
	if err != nil {
		return
	}
	m.cache.set(userID, accessToken, claims.ExpiresAt)
}

func (m *Manager) count(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			removed := m.cache.sweep()
			if removed > 0 {
				log.Printf("[token] cache sweep evicted %d entries", removed)
			}
		case <-m.stop:
			return
		}
	}
}

// =============================================================================
// Token cache
// =============================================================================

// tokenCache holds per-user access tokens. An entry is served only while
// both the cache TTL since last validation and the token's own expiry
// hold; the token expiry is an absolute ceiling regardless of TTL.
type tokenCache struct {
	mu    sync.RWMutex
	items map[string]*cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	accessToken string
	expiresAt   time.Time // the token's own expiry
	validatedAt time.Time
}

func (c *tokenCache) get(userID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[userID]
	if !ok {
		return ""
	}
	now := time.Now()
	if now.After(item.validatedAt.Add(c.ttl)) || !now.Before(item.expiresAt) {
		return ""
	}
	return item.accessToken
}

func (c *tokenCache) set(userID, accessToken string, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[userID] = &cacheEntry{
		accessToken: accessToken,
		expiresAt:   expiresAt,
		validatedAt: time.Now(),
	}
}

func (c *tokenCache) delete(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.items, userID)
}

func (c *tokenCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*cacheEntry)
}

func (c *tokenCache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for userID, item := range c.items {
		if now.After(item.validatedAt.Add(c.ttl)) || !now.Before(item.expiresAt) {
			delete(c.items, userID)
			removed++
		}
	}
	return removed
}

func (c *tokenCache) stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.items))
	for userID := range c.items {
		ids = append(ids, userID)
	}
	return CacheStats{Size: len(c.items), UserIDs: ids}
}
