package errors

import (
	"fmt"
)

// New returns an error formatted according to the format specifier.
func New(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

type contextError struct {
	context string
	err     error
}

// WithContext wraps `err` with a description of what the caller was doing
// when it occurred. The resulting message is "context: cause".
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return contextError{context: context, err: err}
}

func (err contextError) Error() string {
	return fmt.Sprintf("%s: %s", err.context, err.err)
}

func (err contextError) Unwrap() error {
	return err.err
}

// RootCause returns the innermost error wrapped by WithContext.
func RootCause(err error) error {
	for {
		ctxErr, ok := err.(contextError)
		if !ok {
			return err
		}
		err = ctxErr.err
	}
}

// FriendlyError is an error whose message is meant to be shown to the user
// as-is, without the context trail.
type FriendlyError struct {
	msg string
}

// NewFriendlyError creates a FriendlyError.
func NewFriendlyError(format string, args ...interface{}) error {
	return FriendlyError{fmt.Sprintf(format, args...)}
}

func (err FriendlyError) Error() string {
	return err.msg
}

// FriendlyMessage returns the message shown to the user.
func (err FriendlyError) FriendlyMessage() string {
	return err.msg
}

type friendlyMessager interface {
	FriendlyMessage() string
}

// GetPrintableMessage returns the message that should be printed for `err`.
// If the root cause knows how to describe itself to a user, that message is
// used. Otherwise the full context trail is returned.
func GetPrintableMessage(err error) string {
	if friendly, ok := RootCause(err).(friendlyMessager); ok {
		return friendly.FriendlyMessage()
	}
	return err.Error()
}
