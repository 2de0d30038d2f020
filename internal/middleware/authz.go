package middleware

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/dukex/drive-learning/internal/auth"
	"github.com/dukex/drive-learning/internal/db"
	"github.com/dukex/drive-learning/internal/observability"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// AuthContextKey is the context key for auth context
	AuthContextKey ContextKey = "authContext"
	// RequestIDKey is the context key for request tracing ID
	RequestIDKey ContextKey = "requestID"
)

// AuthContext contains the authenticated user's identity and the fields
// handlers need without another user lookup.
type AuthContext struct {
	UserID        string
	Email         string
	AccountStatus string
	RootFolderID  string
}

// Authorizer validates session tokens and loads the user.
type Authorizer struct {
	sessions *auth.Sessions
	users    *db.UserRepo
}

func NewAuthorizer(sessions *auth.Sessions, users *db.UserRepo) *Authorizer {
	return &Authorizer{sessions: sessions, users: users}
}

// Authorize is HTTP middleware that checks the session and populates the
// request context with AuthContext and a request ID.
func (a *Authorizer) Authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx, err := a.ValidateRequest(r)
		if err != nil {
			writeAuthError(w, err)
			return
		}

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := context.WithValue(r.Context(), AuthContextKey, authCtx)
		ctx = context.WithValue(ctx, RequestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ValidateRequest verifies the session token from the Authorization
// header (or session cookie) and loads the user.
func (a *Authorizer) ValidateRequest(r *http.Request) (*AuthContext, error) {
	tokenString := bearerToken(r)
	if tokenString == "" {
		observability.LogSecurityEvent("", "", "missing_session_token", map[string]any{
			"remote_addr": r.RemoteAddr,
		})
		return nil, &AuthError{
			Code:    "MISSING_SESSION",
			Message: "Missing session token",
			Status:  http.StatusUnauthorized,
		}
	}

	claims, err := a.sessions.Verify(tokenString)
	if err != nil {
		observability.LogSecurityEvent("", "", "invalid_session_token", map[string]any{
			"remote_addr": r.RemoteAddr,
			"error":       err.Error(),
		})
		return nil, &AuthError{
			Code:    "INVALID_SESSION",
			Message: "Invalid session token",
			Status:  http.StatusUnauthorized,
		}
	}

	user, err := a.users.GetUser(r.Context(), claims.Subject)
	if err != nil {
		log.Printf("[authz] failed to load user %s: %v", claims.Subject, err)
		return nil, &AuthError{
			Code:    "USER_RESOLUTION_ERROR",
			Message: "Failed to resolve user identity",
			Status:  http.StatusInternalServerError,
		}
	}

	if user.AccountStatus != "active" {
		return nil, &AuthError{
			Code:    "ACCOUNT_NOT_ACTIVE",
			Message: "Account is " + user.AccountStatus,
			Status:  http.StatusForbidden,
		}
	}

	authCtx := &AuthContext{
		UserID:        user.ID,
		Email:         user.Email,
		AccountStatus: user.AccountStatus,
	}
	if user.RootFolderID != nil {
		authCtx.RootFolderID = *user.RootFolderID
	}
	return authCtx, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	if cookie, err := r.Cookie("session"); err == nil {
		return cookie.Value
	}
	return ""
}

// AuthError represents an authorization error
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *AuthError) Error() string {
	return e.Message
}

// writeAuthError writes an authorization error response
func writeAuthError(w http.ResponseWriter, err error) {
	authErr, ok := err.(*AuthError)
	if !ok {
		authErr = &AuthError{
			Code:    "AUTHORIZATION_ERROR",
			Message: err.Error(),
			Status:  http.StatusInternalServerError,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(authErr.Status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   authErr.Code,
		"message": authErr.Message,
	})
}

// GetAuthContext extracts auth context from request context
func GetAuthContext(ctx context.Context) *AuthContext {
	authCtx, _ := ctx.Value(AuthContextKey).(*AuthContext)
	return authCtx
}

// GetRequestID extracts request ID from context
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}
