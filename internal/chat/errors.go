package chat

import (
	"errors"
	"strings"
)

var (
	// ErrNetwork marks a transport failure talking to the backend.
	ErrNetwork = errors.New("network error")
	// ErrAuth marks an expired or invalid token. It is never retried.
	ErrAuth = errors.New("authentication required")
	// ErrNotOwner is returned when a non-sender edits or deletes a message.
	ErrNotOwner = errors.New("not the message sender")
	// ErrAttachmentLimitExceeded is returned when staging past the per-message cap.
	ErrAttachmentLimitExceeded = errors.New("attachment limit exceeded")
	// ErrEmptyMessage is returned for a send with no text and no attachments.
	ErrEmptyMessage = NewValidationError("message is empty", "body")
	// ErrNotFound is returned for an unknown message or conversation.
	ErrNotFound = errors.New("not found")
)

// ValidationError reports rejected input, naming the offending fields.
type ValidationError struct {
	Msg    string
	Fields []string
}

// NewValidationError builds a ValidationError for the given fields.
func NewValidationError(msg string, fields ...string) *ValidationError {
	return &ValidationError{Msg: msg, Fields: fields}
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation: " + e.Msg
	}
	return "validation: " + e.Msg + " (" + strings.Join(e.Fields, ", ") + ")"
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
