package service

import "errors"

// Sentinel errors separating caller mistakes from backend failures; the API
// layer maps them onto HTTP status codes.
var (
	// ErrNotFound: the dataset id is not registered (never opened, closed,
	// or evicted).
	ErrNotFound = errors.New("dataset not found")

	// ErrOpenFailure: the source path could not be opened, typically a file
	// deleted or corrupted after registration.
	ErrOpenFailure = errors.New("failed to open dataset")

	// ErrReadFailure: the native read or reprojection failed on an open
	// dataset.
	ErrReadFailure = errors.New("failed to read raster data")

	// ErrEncodeFailure: the rendered tile could not be encoded.
	ErrEncodeFailure = errors.New("failed to encode tile")

	// ErrInvalidRequest: malformed parameters (band out of range, bad
	// stretch, invalid tile address, wrong display mode arity).
	ErrInvalidRequest = errors.New("invalid request")
)
