package asset

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error is the single error shape for asset API calls. Status 0 marks a
// transport failure (timeout, DNS, TLS, refused connection).
type Error struct {
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return "transport error: " + e.Message
	}
	return fmt.Sprintf("asset api error: status=%d message=%s", e.Status, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Transport reports whether the request never produced an HTTP response.
func (e *Error) Transport() bool { return e.Status == 0 }

// IsTransport reports whether err is an asset transport failure.
func IsTransport(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Transport()
}

// IsAPI reports whether err is an asset error carrying an HTTP status.
func IsAPI(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && !ae.Transport()
}

// MessageOf returns the normalized message of an asset error, or err.Error().
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return err.Error()
}

func transportError(err error) *Error {
	return &Error{Status: 0, Message: err.Error(), Err: err}
}

type errorEnvelope struct {
	Message   string          `json:"message"`
	Exception *struct {
		Message string `json:"Message"`
	} `json:"Exception"`
	Error   json.RawMessage `json:"error"`
	Details json.RawMessage `json:"details"`
}

// parseError maps the known error bodies onto Error. statusLine is the
// response status line ("404 Not Found") used when the body is unrecognized.
func parseError(status int, statusLine string, body []byte) *Error {
	msg := errorMessage(body)
	if msg == "" {
		msg = strings.TrimSpace(statusLine)
		if msg == "" || msg == fmt.Sprint(status) {
			msg = fmt.Sprintf("%d %s", status, http.StatusText(status))
		}
	}
	return &Error{Status: status, Message: msg}
}

func errorMessage(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return ""
	}
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return ""
	}
	if m := strings.TrimSpace(env.Message); m != "" {
		return m
	}
	if env.Exception != nil && strings.TrimSpace(env.Exception.Message) != "" {
		return strings.TrimSpace(env.Exception.Message)
	}
	head := rawText(env.Error)
	if head == "" {
		return ""
	}
	if details := rawText(env.Details); details != "" {
		return head + ": " + details
	}
	return head
}

func rawText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return string(raw)
}
