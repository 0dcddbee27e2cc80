package downstream

import (
	"fmt"
	"net/http"

	"github.com/yirzhou/backfill"
)

// Error is a non-2xx response from the collector service. The body is
// expected to be an HTTP problem document; Title falls back to the status
// text when it is not.
type Error struct {
	Title      string `json:"title"`
	ID         string `json:"id,omitempty"`
	Detail     string `json:"detail,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("downstream %d: %s. %s", e.StatusCode, e.Title, e.Detail)
	}
	return fmt.Sprintf("downstream %d: %s", e.StatusCode, e.Title)
}

// Retryable reports whether the same request may succeed later.
func (e *Error) Retryable() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return e.StatusCode >= 500
}

// Unwrap maps gateway-level failures to an outage of the whole service.
func (e *Error) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return backfill.ErrCollaboratorUnavailable
	}
	return nil
}
