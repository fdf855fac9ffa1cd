package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrAuthExpired means a 401 survived the refresh-and-retry attempt (or
	// no refresh was possible). The credential store has been cleared.
	ErrAuthExpired = errors.New("api: authentication expired")

	// ErrValidation is the target for errors.Is on both server 400/422
	// responses and locally rejected input.
	ErrValidation = errors.New("api: validation failed")
)

// Error is a non-2xx response from the backend. Callers can use errors.As
// to extract it:
//
//	var apiErr *api.Error
//	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound { ... }
type Error struct {
	StatusCode int
	// Detail is the server's human-readable reason, taken from FastAPI's
	// {"detail": ...} body when present.
	Detail string
	Method string
	Path   string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("api: %s %s: %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("api: %s %s: %d: %s", e.Method, e.Path, e.StatusCode, e.Detail)
}

func (e *Error) Is(target error) bool {
	if target == ErrValidation {
		return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity
	}
	return false
}

// InvalidInputError is input rejected before any request was sent.
type InvalidInputError struct {
	Message string
}

func (e *InvalidInputError) Error() string { return "api: invalid input: " + e.Message }

func (e *InvalidInputError) Unwrap() error { return ErrValidation }

// Invalid returns an *InvalidInputError with the given message.
func Invalid(message string) error {
	return &InvalidInputError{Message: message}
}

// ErrorKind is the user-facing error taxonomy.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindAuthExpired
	KindValidation
	KindNotFound
	KindCanceled
	KindNetwork
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindAuthExpired:
		return "auth_expired"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindCanceled:
		return "canceled"
	default:
		return "network"
	}
}

func Kind(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, ErrAuthExpired) {
		return KindAuthExpired
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, ErrValidation) {
		return KindValidation
	}
	if IsStatus(err, http.StatusNotFound) {
		return KindNotFound
	}
	return KindNetwork
}

// IsStatus reports whether err carries an *Error with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == status
	}
	return false
}

const (
	NoticeAuthExpired = "Your session has expired. Please log in again."
	NoticeNotFound    = "Not found."
	NoticeNetwork     = "Something went wrong. Please check your connection and try again."
)

// Notice converts err into the message shown to the user. Canceled
// requests produce an empty notice.
func Notice(err error) string {
	switch Kind(err) {
	case KindNone, KindCanceled:
		return ""
	case KindAuthExpired:
		return NoticeAuthExpired
	case KindValidation:
		var invalid *InvalidInputError
		if errors.As(err, &invalid) {
			return invalid.Message
		}
		var apiErr *Error
		if errors.As(err, &apiErr) && apiErr.Detail != "" {
			return apiErr.Detail
		}
		return "The request was rejected."
	case KindNotFound:
		var apiErr *Error
		if errors.As(err, &apiErr) && apiErr.Detail != "" {
			return apiErr.Detail
		}
		return NoticeNotFound
	default:
		return NoticeNetwork
	}
}

// decodeDetail pulls a readable reason out of an error body. FastAPI uses
// {"detail": "text"} for HTTPException and {"detail": [{"msg": ...}]} for
// request validation.
func decodeDetail(body []byte) string {
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Detail) == 0 {
		return strings.TrimSpace(string(body))
	}

	var text string
	if err := json.Unmarshal(envelope.Detail, &text); err == nil {
		return text
	}

	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(envelope.Detail, &items); err == nil {
		msgs := make([]string, 0, len(items))
		for _, item := range items {
			if item.Msg != "" {
				msgs = append(msgs, item.Msg)
			}
		}
		if len(msgs) > 0 {
			return strings.Join(msgs, "; ")
		}
	}
	return strings.TrimSpace(string(envelope.Detail))
}
