package token

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TokenSource is the manager surface the interceptor needs, split out so
// tests can count refreshes without a real manager.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, userID string) (string, error)
	HandleAPIError(ctx context.Context, userID string, cause error) (string, error)
}

// Call is one outbound provider API call executed with a bearer token.
// Results are captured by the closure.
type Call func(ctx context.Context, accessToken string) error

// StatusCoder is implemented by errors that carry an HTTP status, such as
// the drive client's APIError.
type StatusCoder interface {
	StatusCode() int
}

// Interceptor wraps outbound API calls with refresh-and-retry semantics:
// on an authorization failure on the first attempt, exactly one refresh
// and one retry. Never more — the bound is a hard invariant, not a
// tunable, so a provider persistently rejecting credentials can never
// produce a refresh loop.
type Interceptor struct {
	tokens TokenSource
	tracer trace.Tracer
}

func NewInterceptor(tokens TokenSource) *Interceptor {
	return &Interceptor{
		tokens: tokens,
		tracer: otel.Tracer("github.com/dukex/drive-learning/internal/token"),
	}
}

// Do obtains a valid token, runs call, and recovers from a single
// authorization failure. Any failure on the retried attempt, and any
// non-authorization failure, propagates to the caller unchanged.
func (i *Interceptor) Do(ctx context.Context, userID, operation string, call Call) error {
	ctx, span := i.tracer.Start(ctx, operation,
		trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	tok, err := i.tokens.GetValidAccessToken(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return err
	}

	err = call(ctx, tok)
	if err == nil {
		return nil
	}
	if ClassifyAPIError(err) != FailureUnauthorized {
		span.RecordError(err)
		return err
	}

	log.Printf("[interceptor] %s failed with authorization error, refreshing token for one retry", operation)
	span.AddEvent("token.refresh_retry")

	fresh, herr := i.tokens.HandleAPIError(ctx, userID, err)
	if herr != nil {
		span.RecordError(herr)
		return herr
	}

	if rerr := call(ctx, fresh); rerr != nil {
		span.RecordError(rerr)
		return rerr
	}
	return nil
}

// ClassifyAPIError maps a raw outbound-call error to the closed failure
// set, computed once at this boundary. Precedence: a structured status
// code on the error, then message substrings as a fallback for libraries
// that don't surface status codes.
func ClassifyAPIError(err error) FailureKind {
	if err == nil {
		return FailureOther
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		switch status := sc.StatusCode(); {
		case status == http.StatusUnauthorized:
			return FailureUnauthorized
		case status == http.StatusTooManyRequests:
			return FailureRateLimited
		case status >= 500:
			return FailureServerUnavailable
		default:
			return FailureOther
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401"),
		strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "invalid credentials"):
		return FailureUnauthorized
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "timeout"):
		return FailureNetwork
	default:
		return FailureOther
	}
}
