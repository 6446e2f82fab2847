package backend

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/deptportal/msgcore/internal/chat"
)

// HTTPError is a non-2xx response. It unwraps to the chat sentinel matching the
// status, so callers test it with errors.Is.
type HTTPError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.Path, e.Status, http.StatusText(e.Status), body)
}

func (e *HTTPError) Unwrap() error {
	switch {
	case e.Status == http.StatusUnauthorized:
		return chat.ErrAuth
	case e.Status == http.StatusForbidden:
		return chat.ErrNotOwner
	case e.Status == http.StatusNotFound:
		return chat.ErrNotFound
	case e.Status == http.StatusBadRequest || e.Status == http.StatusUnprocessableEntity:
		return chat.NewValidationError(strings.TrimSpace(e.Body))
	case e.Status == http.StatusTooManyRequests || e.Status >= 500:
		return chat.ErrNetwork
	}
	return nil
}
