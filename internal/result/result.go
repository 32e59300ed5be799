// ABOUTME: Classified operation failures carried as string kinds
// ABOUTME: Maps kinds to HTTP status codes at the API boundary

package result

import "net/http"

// Failure kinds. These are stable wire and log values; handlers never
// expose raw error text to callers.
const (
	KindRequestError            = "requestError"
	KindServerConfiguration     = "serverConfigurationError"
	KindServerAuthCommitFailed  = "serverAuthCommitFailed"
	KindServerMissingAuthRecord = "serverMissingAuthRecord"
	KindAuthenticationFailed    = "authenticationFailed"
	KindFailed                  = "failed"
	KindServerError             = "serverError"
)

// Error is a classified failure.
type Error struct {
	Kind   string
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Reason
}

// Request builds a requestError.
func Request(reason string) *Error {
	return &Error{Kind: KindRequestError, Reason: reason}
}

// AuthFailed builds an authenticationFailed.
func AuthFailed(reason string) *Error {
	return &Error{Kind: KindAuthenticationFailed, Reason: reason}
}

// Server builds an uncategorized serverError.
func Server(reason string) *Error {
	return &Error{Kind: KindServerError, Reason: reason}
}

// HTTPStatus maps a failure kind to its response status code.
func HTTPStatus(kind string) int {
	switch kind {
	case KindRequestError:
		return http.StatusBadRequest
	case KindAuthenticationFailed, KindFailed:
		return http.StatusForbidden
	case KindServerConfiguration, KindServerAuthCommitFailed,
		KindServerMissingAuthRecord, KindServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
