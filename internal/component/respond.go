// ABOUTME: JSON response helpers shared by component HTTP handlers
// ABOUTME: Maps classified failures to their status codes

package component

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/morrigan-server/morrigan/internal/result"
)

// WriteJSON serializes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// FailureBody is the error response shape shared by all endpoints.
type FailureBody struct {
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// WriteFailure maps an error to {state, reason} with the kind's status
// code. Unclassified errors become an opaque serverError.
func WriteFailure(w http.ResponseWriter, err error) {
	var re *result.Error
	if !errors.As(err, &re) {
		re = result.Server("internal error")
	}
	WriteJSON(w, result.HTTPStatus(re.Kind), FailureBody{State: re.Kind, Reason: re.Reason})
}

// DecodeBody parses a JSON request body into v.
func DecodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return result.Request("request body is not valid JSON")
	}
	return nil
}
