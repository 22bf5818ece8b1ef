package profile

import "errors"

var (
	// ErrNotFound is returned when the user does not exist.
	ErrNotFound = errors.New("user not found")

	// ErrConflict is returned when a new email is already taken.
	ErrConflict = errors.New("email already in use")

	// ErrInvalidReference is returned when avatar_hash names no stored asset.
	ErrInvalidReference = errors.New("invalid reference")

	// ErrBadRequest is returned for malformed patch values.
	ErrBadRequest = errors.New("bad request")
)
