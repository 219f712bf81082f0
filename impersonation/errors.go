package impersonation

import (
	"errors"
	"net/http"

	"github.com/juanfont/impersonator/types"
)

// Failure kinds returned by the manager. Callers match them with errors.Is; details
// are attached with %w wrapping.
var (
	ErrNotInitialized   = errors.New("impersonation is not initialized")
	ErrDisabled         = errors.New("impersonation is disabled")
	ErrInvalidReason    = errors.New("invalid impersonation reason")
	ErrInvalidTarget    = errors.New("invalid impersonation target")
	ErrForbiddenTarget  = errors.New("target user cannot be impersonated")
	ErrSessionLimit     = errors.New("active impersonation session limit reached")
	ErrTargetNotFound   = errors.New("target user not found")
	ErrTenantNotFound   = errors.New("target tenant not found")
	ErrSessionNotFound  = errors.New("impersonation session not found")
	ErrSessionInactive  = errors.New("impersonation session is not active")
	ErrSessionExpired   = errors.New("impersonation session expired")
	ErrSessionNotCached = errors.New("impersonation session not found in cache")
	ErrTokenInvalid     = errors.New("invalid impersonation token")
	ErrTokenExpired     = errors.New("impersonation token expired")
	ErrInvalidTokenType = errors.New("token is not an impersonation token")
	ErrRateLimited      = errors.New("impersonation action rate limit exceeded")
	ErrStartThrottled   = errors.New("too many impersonation attempts")
)

// HTTPStatus maps a manager error to the status code a route handler should send.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrDisabled), errors.Is(err, ErrNotInitialized), errors.Is(err, ErrForbiddenTarget):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidReason), errors.Is(err, ErrInvalidTarget), errors.Is(err, ErrInvalidTokenType):
		return http.StatusBadRequest
	case errors.Is(err, ErrSessionLimit), errors.Is(err, ErrRateLimited), errors.Is(err, ErrStartThrottled):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrTargetNotFound), errors.Is(err, ErrTenantNotFound), errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTokenInvalid), errors.Is(err, ErrTokenExpired), errors.Is(err, ErrSessionExpired),
		errors.Is(err, ErrSessionInactive), errors.Is(err, ErrSessionNotCached):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// ToHTTPError converts a manager error into the transport error. Unknown errors keep
// a generic message so internals never reach the client.
func ToHTTPError(err error) types.HTTPError {
	code := HTTPStatus(err)
	if code == http.StatusInternalServerError {
		return types.NewHTTPError(code, "internal server error", err)
	}
	return types.NewHTTPError(code, err.Error(), err)
}
