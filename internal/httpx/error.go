package httpx

import (
	"fmt"
	"net/http"

	"github.com/bytedance/sonic"
)

// HTTPError represents a non-2xx HTTP response returned by the QDB server.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       []byte
	Header     http.Header
	JSON       any
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("http error: %s %s status=%d body=%s", e.Method, e.Path, e.StatusCode, string(e.Body))
}

// Retryable reports whether the error should be considered transient.
func (e *HTTPError) Retryable() bool {
	if e == nil {
		return false
	}
	return retryableStatus(e.StatusCode)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusRequestTimeout ||
		(code >= 500 && code <= 599)
}

// decodeJSONBody parses an error body into a generic JSON value, or nil.
func decodeJSONBody(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	var payload any
	if err := sonic.ConfigStd.Unmarshal(body, &payload); err != nil {
		return nil
	}
	return payload
}
