package notify

import "errors"

var (
	// ErrChannelNotConfigured is returned when a rule asks for a channel that has no settings
	ErrChannelNotConfigured = errors.New("notification channel not configured")

	// ErrUnexpectedStatus is returned when a notification endpoint answers with a non-2xx status
	ErrUnexpectedStatus = errors.New("unexpected status from notification endpoint")
)
