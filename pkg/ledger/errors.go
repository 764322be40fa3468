package ledger

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnauthenticated is matched by every *AuthenticationError.
var ErrUnauthenticated = errors.New("unauthenticated")

// TransportError reports a failed ledger call. The ledger state after a
// failed append is indeterminate; callers verify before retrying.
type TransportError struct {
	Op      string
	Channel string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Channel == "" {
		return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ledger %s %s: %v", e.Op, e.Channel, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthenticationError reports a rejected identity or missing session. It is
// fatal for the session.
type AuthenticationError struct {
	IdentityID string
	Reason     string
}

func (e *AuthenticationError) Error() string {
	if e.IdentityID == "" {
		return "ledger authentication failed: " + e.Reason
	}
	return fmt.Sprintf("ledger authentication failed for %s: %s", e.IdentityID, e.Reason)
}

func (e *AuthenticationError) Is(target error) bool {
	return target == ErrUnauthenticated
}

// IsRetryable reports whether err is a transport failure the caller may
// retry. Cancellation by the caller is not retryable.
func IsRetryable(err error) bool {
	var te *TransportError
	if !errors.As(err, &te) {
		return false
	}
	return !errors.Is(te.Err, context.Canceled)
}

func transport(op, channel string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Channel: channel, Err: err}
}
