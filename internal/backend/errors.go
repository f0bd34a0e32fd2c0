package backend

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// Error is a non-success response from the vendor API. It carries the status
// and body so callers can decide whether to refresh, back off, or give up.
type Error struct {
	Op         string
	StatusCode int
	Body       string
	Message    string
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = truncate(e.Body, 256)
	}
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("backend: %s: status %d: %s", e.Op, e.StatusCode, msg)
}

// HTTPStatus implements the status coder interface used by the HTTP layer.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// NewError builds an Error from a status and raw body.
func NewError(op string, status int, body []byte) *Error {
	return &Error{
		Op:         op,
		StatusCode: status,
		Body:       string(body),
		Message:    errorMessage(body),
	}
}

// parseError reads a bounded prefix of resp's body into an *Error. The
// caller closes the body.
func parseError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return NewError(op, resp.StatusCode, body)
}

// errorMessage extracts a human message from the vendor error shapes:
// {"detail": "..."}, {"message": "..."}, {"error": {"message": "..."}},
// {"data": {"details": "..."}}.
func errorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	for _, path := range []string{"error.message", "detail", "message", "data.details", "msg"} {
		if v := gjson.GetBytes(body, path); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
