// Package errdefs defines the two error kinds the runtime distinguishes:
// errors whose text is shown to the end user, and errors that are logged
// in full while the user sees a generic message.
package errdefs

import (
	"errors"
	"fmt"
)

// UserVisible marks an error whose message is safe and useful to present
// verbatim to the end user (context-window overflow, bad credentials,
// missing server script, invalid configuration).
type UserVisible struct {
	msg string
	err error
}

func (e *UserVisible) Error() string { return e.msg }
func (e *UserVisible) Unwrap() error { return e.err }

// LogOnly marks an error that is logged with full detail while the user
// sees a generic failure message (transport, decode, and protocol errors).
type LogOnly struct {
	msg string
	err error
}

func (e *LogOnly) Error() string { return e.msg }
func (e *LogOnly) Unwrap() error { return e.err }

// UserVisiblef formats a user-visible error.
func UserVisiblef(format string, args ...interface{}) error {
	return &UserVisible{msg: fmt.Sprintf(format, args...)}
}

// WrapUserVisible wraps err, keeping it reachable via errors.Is/As.
func WrapUserVisible(err error, format string, args ...interface{}) error {
	return &UserVisible{msg: fmt.Sprintf(format, args...), err: err}
}

// LogOnlyf formats a log-only error.
func LogOnlyf(format string, args ...interface{}) error {
	return &LogOnly{msg: fmt.Sprintf(format, args...)}
}

// WrapLogOnly wraps err, keeping it reachable via errors.Is/As.
func WrapLogOnly(err error, format string, args ...interface{}) error {
	return &LogOnly{msg: fmt.Sprintf(format, args...), err: err}
}

// IsUserVisible reports whether any error in the chain is user-visible.
func IsUserVisible(err error) bool {
	var uv *UserVisible
	return errors.As(err, &uv)
}

// IsLogOnly reports whether any error in the chain is log-only.
func IsLogOnly(err error) bool {
	var lo *LogOnly
	return errors.As(err, &lo)
}
