package auth

import "errors"

var (
	// ErrInvalidCredentials is returned when an email/password pair does not match
	ErrInvalidCredentials = errors.New("invalid email or password")

	// ErrTokenExpired is returned when a token was valid but its expiry has passed
	ErrTokenExpired = errors.New("session expired")

	// ErrTokenInvalid is returned for malformed or tampered tokens
	ErrTokenInvalid = errors.New("invalid token")

	// ErrInactiveUser is returned when an INACTIVE user tries to sign in
	ErrInactiveUser = errors.New("user is inactive")

	// ErrEmailTaken is returned when signing up with an email that already has an account
	ErrEmailTaken = errors.New("email already registered")

	// ErrWeakPassword is returned when a password is shorter than MinPasswordLength
	ErrWeakPassword = errors.New("password too short")
)
