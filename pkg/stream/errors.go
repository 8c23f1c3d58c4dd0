package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// ErrNoStream is reported when a response carries no body to read.
var ErrNoStream = errors.New("no readable stream")

// maxErrorBody caps how much of a failed response is read for its detail.
const maxErrorBody = 64 * 1024

// StatusError describes a non-2xx upstream response.
type StatusError struct {
	StatusCode int
	Status     string
	Detail     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream request failed: %s\ndetail: %s", e.Status, e.Detail)
}

// IsUnauthorized reports whether err is a 401 StatusError.
func IsUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized
}

// NewStatusError builds a StatusError from resp, reading the error payload
// from its body. The body is not closed.
func NewStatusError(resp *http.Response) *StatusError {
	status := resp.Status
	if status == "" {
		status = strings.TrimSpace(strconv.Itoa(resp.StatusCode) + " " + http.StatusText(resp.StatusCode))
	}

	detail := "unknown error"
	if resp.Body != nil {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if msg := errorDetail(raw); msg != "" {
			detail = msg
		}
	}

	return &StatusError{
		StatusCode: resp.StatusCode,
		Status:     status,
		Detail:     detail,
	}
}

// errorDetail pulls error.message, falling back to a top-level message.
func errorDetail(raw []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ""
	}

	if inner, ok := payload["error"].(map[string]any); ok {
		if msg, ok := inner["message"].(string); ok && msg != "" {
			return msg
		}
	}

	if msg, ok := payload["message"].(string); ok && msg != "" {
		return msg
	}

	return ""
}
