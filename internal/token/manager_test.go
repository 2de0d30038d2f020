package token

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/golang-jwt/jwt/v5"
)

// fakeRunner stubs refresh outcomes and counts invocations.
type fakeRunner struct {
	mu           sync.Mutex
	refreshCalls int
	clearCalls   int
	result       *RefreshResult
	err          error
}

func (f *fakeRunner) RefreshUserToken(ctx context.Context, userID string) (*RefreshResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeRunner) ClearStoredTokens(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearCalls++
	return nil
}

func (f *fakeRunner) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls, f.clearCalls
}

func testManager(t *testing.T, store Store, runner refreshRunner) *Manager {
	t.Helper()
	m := newManager(ManagerConfig{Provider: "google", CacheEnabled: true}, store, runner)
	t.Cleanup(m.Close)
	return m
}

func TestGetValidAccessToken(t *testing.T) {
	t.Run("valid stored token is returned and cached", func(t *testing.T) {
		tok := tokenExpiringIn(t, time.Hour)
		store := newFakeStore()
		store.put("user-1", "google", StoredAccount{AccessToken: tok, ExpiresAt: time.Now().Add(time.Hour)})
		runner := &fakeRunner{}
		m := testManager(t, store, runner)

		got, err := m.GetValidAccessToken(context.Background(), "user-1")
		if err != nil {
			t.Fatalf("GetValidAccessToken() error = %v", err)
		}
		if got != tok {
			t.Error("returned token differs from stored token")
		}
		if refreshes, _ := runner.calls(); refreshes != 0 {
			t.Errorf("refresh calls = %d, want 0 for a valid token", refreshes)
		}

		// Second call must come from the cache without touching the store.
		storeReads := store.getCalls
		if _, err := m.GetValidAccessToken(context.Background(), "user-1"); err != nil {
			t.Fatalf("GetValidAccessToken() second call error = %v", err)
		}
		if store.getCalls != storeReads {
			t.Errorf("store reads grew %d → %d, want cache hit", storeReads, store.getCalls)
		}
	})

	t.Run("expiring stored token triggers refresh", func(t *testing.T) {
		fresh := tokenExpiringIn(t, time.Hour)
		store := newFakeStore()
		store.put("user-1", "google", StoredAccount{
			AccessToken: tokenExpiringIn(t, 2*time.Minute), // inside the 5m buffer
			ExpiresAt:   time.Now().Add(2 * time.Minute),
		})
		runner := &fakeRunner{result: &RefreshResult{Success: true, AccessToken: fresh, ExpiresIn: 3600}}
		m := testManager(t, store, runner)

		got, err := m.GetValidAccessToken(context.Background(), "user-1")
		if err != nil {
			t.Fatalf("GetValidAccessToken() error = %v", err)
		}
		if got != fresh {
			t.Error("expected the refreshed token")
		}
		if refreshes, _ := runner.calls(); refreshes != 1 {
			t.Errorf("refresh calls = %d, want 1", refreshes)
		}
	})

	t.Run("reauth surfaces as sentinel error", func(t *testing.T) {
		store := newFakeStore()
		store.put("user-1", "google", StoredAccount{})
		runner := &fakeRunner{result: &RefreshResult{RequiresReauth: true, Kind: FailureUnauthorized}}
		m := testManager(t, store, runner)

		_, err := m.GetValidAccessToken(context.Background(), "user-1")
		if !errors.Is(err, ErrReauthRequired) {
			t.Errorf("error = %v, want ErrReauthRequired", err)
		}
		if _, clears := runner.calls(); clears != 1 {
			t.Errorf("clear calls = %d, want 1", clears)
		}
	})

	t.Run("empty userID rejected", func(t *testing.T) {
		m := testManager(t, newFakeStore(), &fakeRunner{})
		if _, err := m.GetValidAccessToken(context.Background(), ""); err == nil {
			t.Error("expected error for empty userID")
		}
	})

	t.Run("transient refresh failure is an error, not reauth", func(t *testing.T) {
		store := newFakeStore()
		store.put("user-1", "google", StoredAccount{})
		runner := &fakeRunner{result: &RefreshResult{Kind: FailureServerUnavailable, ErrorDesc: "upstream down"}}
		m := testManager(t, store, runner)

		_, err := m.GetValidAccessToken(context.Background(), "user-1")
		if err == nil {
			t.Fatal("expected error")
		}
		if errors.Is(err, ErrReauthRequired) {
			t.Error("transient failure must not be ErrReauthRequired")
		}
		if _, clears := runner.calls(); clears != 0 {
			t.Errorf("clear calls = %d, want 0 for transient failure", clears)
		}
	})
}

func TestHandleAPIError(t *testing.T) {
	cause := fmt.Errorf("drive api: status 401: Invalid Credentials")

	t.Run("successful recovery returns fresh token", func(t *testing.T) {
		fresh := tokenExpiringIn(t, time.Hour)
		runner := &fakeRunner{result: &RefreshResult{Success: true, AccessToken: fresh}}
		m := testManager(t, newFakeStore(), runner)

		got, err := m.HandleAPIError(context.Background(), "user-1", cause)
		if err != nil {
			t.Fatalf("HandleAPIError() error = %v", err)
		}
		if got != fresh {
			t.Error("expected the refreshed token")
		}
	})

	t.Run("failed recovery re-raises the original error", func(t *testing.T) {
		runner := &fakeRunner{err: fmt.Errorf("refresh endpoint down")}
		m := testManager(t, newFakeStore(), runner)

		_, err := m.HandleAPIError(context.Background(), "user-1", cause)
		if err != cause {
			t.Errorf("error = %v, want the original cause", err)
		}
		if _, clears := runner.calls(); clears != 1 {
			t.Errorf("clear calls = %d, want 1", clears)
		}
	})

	t.Run("evicts the cached token first", func(t *testing.T) {
		stale := tokenExpiringIn(t, time.Hour)
		fresh := tokenExpiringIn(t, 2*time.Hour)
		store := newFakeStore()
		store.put("user-1", "google", StoredAccount{AccessToken: stale, ExpiresAt: time.Now().Add(time.Hour)})
		runner := &fakeRunner{result: &RefreshResult{Success: true, AccessToken: fresh}}
		m := testManager(t, store, runner)

		if _, err := m.GetValidAccessToken(context.Background(), "user-1"); err != nil {
			t.Fatalf("prime cache: %v", err)
		}
		got, err := m.HandleAPIError(context.Background(), "user-1", cause)
		if err != nil {
			t.Fatalf("HandleAPIError() error = %v", err)
		}
		if got != fresh {
			t.Error("expected the refreshed token, not the cached one")
		}
	})
}

func TestProactiveRefresh(t *testing.T) {
	tests := []struct {
		name          string
		acct          *StoredAccount
		result        *RefreshResult
		runnerErr     error
		want          bool
		wantRefreshes int
	}{
		{
			name: "healthy token needs nothing",
			acct: &StoredAccount{AccessToken: "PLACEHOLDER_HOUR"},
			want: true,
		},
		{
			name:          "expiring token refreshed",
			acct:          &StoredAccount{AccessToken: "PLACEHOLDER_2MIN"},
			result:        &RefreshResult{Success: true, AccessToken: "PLACEHOLDER_HOUR"},
			want:          true,
			wantRefreshes: 1,
		},
		{
			name: "already expired token skipped",
			acct: &StoredAccount{AccessToken: "PLACEHOLDER_EXPIRED"},
			want: false,
		},
		{
			name: "no account",
			acct: nil,
			want: false,
		},
		{
			name:          "transient failure keeps old usable token",
			acct:          &StoredAccount{AccessToken: "PLACEHOLDER_2MIN"},
			runnerErr:     fmt.Errorf("endpoint down"),
			want:          true,
			wantRefreshes: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hour := tokenExpiringIn(t, time.Hour)
			twoMin := tokenExpiringIn(t, 2*time.Minute)
			expired := tokenExpiringIn(t, -time.Minute)
			fill := func(s string) string {
				switch s {
				case "PLACEHOLDER_HOUR":
					return hour
				case "PLACEHOLDER_2MIN":
					return twoMin
				case "PLACEHOLDER_EXPIRED":
					return expired
				}
				return s
			}

			store := newFakeStore()
			if tt.acct != nil {
				store.put("user-1", "google", StoredAccount{AccessToken: fill(tt.acct.AccessToken)})
			}
			runner := &fakeRunner{err: tt.runnerErr}
			if tt.result != nil {
				runner.result = &RefreshResult{Success: true, AccessToken: fill(tt.result.AccessToken)}
			}
			m := testManager(t, store, runner)

			got, err := m.ProactiveRefresh(context.Background(), "user-1")
			if err != nil {
				t.Fatalf("ProactiveRefresh() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ProactiveRefresh() = %v, want %v", got, tt.want)
			}
			if refreshes, _ := runner.calls(); refreshes != tt.wantRefreshes {
				t.Errorf("refresh calls = %d, want %d", refreshes, tt.wantRefreshes)
			}
		})
	}
}

func TestTokenCacheCeiling(t *testing.T) {
	c := &tokenCache{items: make(map[string]*cacheEntry), ttl: 30 * time.Minute}

	// Plenty of cache TTL left, but the token itself has expired: the
	// token expiry is an absolute ceiling.
	c.set("user-1", "tok", time.Now().Add(-time.Second))
	if got := c.get("user-1"); got != "" {
		t.Errorf("get() = %q, want miss for expired token", got)
	}

	c.set("user-2", "tok2", time.Now().Add(time.Hour))
	if got := c.get("user-2"); got != "tok2" {
		t.Errorf("get() = %q, want tok2", got)
	}

	if removed := c.sweep(); removed != 1 {
		t.Errorf("sweep() = %d, want 1", removed)
	}
	if stats := c.stats(); stats.Size != 1 {
		t.Errorf("stats().Size = %d, want 1", stats.Size)
	}
}

func TestCacheStatsAndClear(t *testing.T) {
	fresh := tokenExpiringIn(t, time.Hour)
	runner := &fakeRunner{result: &RefreshResult{Success: true, AccessToken: fresh}}
	store := newFakeStore()
	store.put("user-1", "google", StoredAccount{})
	m := testManager(t, store, runner)

	if _, err := m.GetValidAccessToken(context.Background(), "user-1"); err != nil {
		t.Fatalf("GetValidAccessToken() error = %v", err)
	}
	if stats := m.GetCacheStats(); stats.Size != 1 {
		t.Errorf("cache size = %d, want 1", stats.Size)
	}
	m.ClearCache()
	if stats := m.GetCacheStats(); stats.Size != 0 {
		t.Errorf("cache size after clear = %d, want 0", stats.Size)
	}
}

// TestManagerEndToEnd runs the manager against a real refresher and a
// local token endpoint: a near-expiry stored token is transparently
// replaced on access.
func TestManagerEndToEnd(t *testing.T) {
	fresh := tokenExpiringIn(t, time.Hour)
	refreshes := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshes++
		json.NewEncoder(w).Encode(map[string]any{"access_token": fresh, "expires_in": 3600})
	}))
	defer srv.Close()

	store := newFakeStore()
	store.put("user-1", "google", StoredAccount{
		AccessToken:  tokenExpiringIn(t, 2*time.Minute),
		RefreshToken: testRefreshToken,
		ExpiresAt:    time.Now().Add(2 * time.Minute),
	})
	refresher := testRefresher(t, srv.URL, store)
	m := NewManager(ManagerConfig{Provider: "google", CacheEnabled: true}, store, refresher)
	defer m.Close()

	got, err := m.GetValidAccessToken(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetValidAccessToken() error = %v", err)
	}
	if got != fresh {
		t.Error("expected the refreshed token")
	}
	if refreshes != 1 {
		t.Errorf("refresh round-trips = %d, want 1", refreshes)
	}

	// Repeated access is served from the cache with zero extra refreshes.
	for i := 0; i < 5; i++ {
		if _, err := m.GetValidAccessToken(context.Background(), "user-1"); err != nil {
			t.Fatalf("repeat access %d: %v", i, err)
		}
	}
	if refreshes != 1 {
		t.Errorf("refresh round-trips after repeats = %d, want 1", refreshes)
	}

	acct, _ := store.GetAccount(context.Background(), "user-1", "google")
	if acct.AccessToken != fresh {
		t.Error("store was not updated with the refreshed token")
	}
}

func TestIsTokenValidPassThrough(t *testing.T) {
	m := testManager(t, newFakeStore(), &fakeRunner{})

	if !m.IsTokenValid(tokenExpiringIn(t, time.Hour)) {
		t.Error("IsTokenValid() = false for a healthy token")
	}
	if m.IsTokenValid(tokenExpiringIn(t, -time.Minute)) {
		t.Error("IsTokenValid() = true for an expired token")
	}

	res := m.ValidateToken(signedToken(t, jwt.MapClaims{"exp": time.Now().Add(2 * time.Minute).Unix()}))
	if !res.Valid || !res.ExpiringSoon {
		t.Errorf("ValidateToken() = %+v, want valid but expiring soon", res)
	}
}
