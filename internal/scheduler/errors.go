package scheduler

import "errors"

var (
	// ErrJobAlreadyScheduled is returned when a job name is registered twice
	ErrJobAlreadyScheduled = errors.New("job already scheduled")

	// ErrJobNotFound is returned when a job is not registered
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidExpression is returned when a cron expression cannot be parsed
	ErrInvalidExpression = errors.New("invalid cron expression")

	// ErrMaxRetriesExceeded is returned when max retries are exceeded
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)
