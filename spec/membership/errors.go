package membership

import (
	"context"
	"errors"
	"fmt"

	"go.miragespace.co/conclave/spec/transport"
)

var (
	ErrTimeout       = errorDef("membership: operation timed out waiting for peers", true)
	ErrRedirected    = errorDef("membership: request was sent to a process that is not the coordinator", true)
	ErrProtocolAbort = errorDef("membership: view change aborted by a newer view", true)
	ErrNoCoordinator = errorDef("membership: coordinator could not be located", true)

	ErrAuthenticationFailed = errorDef("membership: credentials were rejected", false)
	ErrStaleView            = errorDef("membership: message refers to an outdated view", false)
	ErrDuplicateRequest     = errorDef("membership: join request was already processed", false)
	ErrJoinFailed           = errorDef("membership: failed to join the cluster", false)
	ErrInvalidState         = errorDef("membership: operation is not valid in the current state", false)
	ErrNotStarted           = errorDef("membership: process is not a member of any cluster", false)
	ErrInvalidRequest       = errorDef("membership: malformed request", false)

	ErrUnreachable = transport.ErrUnreachable
)

func init() {
	retryableMap[transport.ErrUnreachable] = true
}

// ErrorIsRetryable reports whether err, or any error it wraps, is a transient
// failure worth retrying.
func ErrorIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if retryable, ok := retryableMap[err]; ok {
		return retryable
	}
	for known, retryable := range retryableMap {
		if retryable && errors.Is(err, known) {
			return true
		}
	}
	return false
}

var retryableMap map[error]bool = map[error]bool{
	context.DeadlineExceeded: true,
}

func errorDef(str string, retryable bool) error {
	err := errors.New(str)
	retryableMap[err] = retryable
	return err
}

// JoinError is returned by a failed join. It matches ErrJoinFailed and the
// underlying cause with errors.Is.
type JoinError struct {
	Cause    error
	Attempts uint
}

var _ error = (*JoinError)(nil)

func (e *JoinError) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %v", ErrJoinFailed, e.Attempts, e.Cause)
}

func (e *JoinError) Unwrap() []error {
	return []error{ErrJoinFailed, e.Cause}
}
