package errors

import (
	"errors"
	"fmt"
)

// Error taxonomy for the gateway. Sentinel errors are wrapped with context
// via Wrapf and checked with Is at the component boundaries, where they are
// translated into negative-status wire responses.
var (
	// Auth-phase errors; all of these are fatal to the connection.
	ErrProtocolViolation  = errors.New("protocol violation")
	ErrCredentialRejected = errors.New("credentials rejected")
	ErrSecondFactorFailed = errors.New("second factor failed")
	ErrTokenInvalid       = errors.New("invalid token")
	ErrSessionExpired     = errors.New("session expired")

	// Adapter errors. Fatal during auth, recoverable during a search.
	ErrAutomationFault = errors.New("automation fault")
	ErrSessionDead     = errors.New("portal session dead")
	ErrNoSections      = errors.New("no sections found")

	// Dispatcher errors; the connection stays open.
	ErrCommandError = errors.New("command error")

	// Store errors
	ErrSessionNotFound = errors.New("session not found")
	ErrCourseNotFound  = errors.New("course not found")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
