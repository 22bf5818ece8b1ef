package assets

import "errors"

var (
	// ErrNotFound is returned for unknown or malformed hashes.
	ErrNotFound = errors.New("asset not found")

	// ErrPayloadTooLarge is returned when data exceeds Config.MaxBytes.
	ErrPayloadTooLarge = errors.New("asset too large")

	// ErrBadRequest is returned for missing content types.
	ErrBadRequest = errors.New("bad asset request")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)
