package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist or has been soft deleted
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when a unique column would be violated
	ErrDuplicate = errors.New("duplicate record")

	// ErrTokenInvalid is returned when a refresh token is unknown or expired
	ErrTokenInvalid = errors.New("refresh token invalid or expired")
)
