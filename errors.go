package chatsync

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrNotFound is matched by errors.Is for responses reporting a missing resource,
// such as a conversation deleted server-side.
var ErrNotFound = errors.New("chatsync: not found")

// ErrClosed is returned for operations on a closed engine or session.
var ErrClosed = errors.New("chatsync: closed")

// APIError represents an API error.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.Message, e.Status)
	}
	return e.Code + ": " + e.Message
}

// Is makes errors.Is(err, ErrNotFound) hold for 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && (e.Status == http.StatusNotFound || e.Code == "NOT_FOUND")
}

// Temporary reports whether the request may succeed when retried.
func (e *APIError) Temporary() bool {
	if e.Status >= 500 || e.Status == http.StatusTooManyRequests {
		return true
	}
	return strings.Contains(e.Code, "TIMEOUT") || strings.Contains(e.Code, "NETWORK")
}

// ValidationError rejects user input before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Reason
}

// SendError reports a failed send. Content and Kind hold what the user wrote so
// it can be restored for a retry.
type SendError struct {
	ConversationID string
	Content        string
	Kind           MessageKind

	// Attachment holds the validated file of a failed attachment send so it can
	// be retried without reading it again. Nil for text.
	Attachment *Attachment
	Err        error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s failed: %v", e.ConversationID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable transport failure.
// Not-found and validation errors are never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) {
		return false
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}
