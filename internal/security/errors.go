package security

import (
	"errors"
	"fmt"
)

var (
	// ErrServiceUnavailable signals that an authorization decision cannot currently be made.
	// Callers must treat it as a deny unless they explicitly opt otherwise.
	ErrServiceUnavailable = errors.New("security: authorization service unavailable")
	// ErrUserNotFound indicates the subject user does not exist.
	ErrUserNotFound = errors.New("security: user not found")
)

// UnavailableError wraps a storage or cache failure hit while computing a decision.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("security: %s: authorization service unavailable", e.Op)
	}
	return fmt.Sprintf("security: %s: authorization service unavailable: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrServiceUnavailable.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrServiceUnavailable
}

// unavailable wraps err unless it already carries the unavailable condition.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	var ue *UnavailableError
	if errors.As(err, &ue) {
		return err
	}
	return &UnavailableError{Op: op, Err: err}
}
