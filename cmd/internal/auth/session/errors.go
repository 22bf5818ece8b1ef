package session

import "errors"

var (
	// ErrUnauthorized covers bad credentials and missing, malformed or
	// expired tokens alike. Callers cannot tell these cases apart.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrConflict is returned by Register when the email is already taken.
	ErrConflict = errors.New("conflict")

	// ErrInvalidInput is returned for malformed emails and passwords that
	// fail the password policy.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")

	// ErrTokenCollision is returned when every insert attempt hit an
	// existing token digest. It indicates a broken random source.
	ErrTokenCollision = errors.New("session token collision")
)
