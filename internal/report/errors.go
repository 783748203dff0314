package report

import "errors"

var (
	// ErrNoData is returned when there is nothing to put in a report
	ErrNoData = errors.New("no data for report")

	// ErrUnknownKind is returned for a report kind other than summary, process or alert
	ErrUnknownKind = errors.New("unknown report kind")

	// ErrUnknownFormat is returned for an export format other than pdf or png
	ErrUnknownFormat = errors.New("unknown report format")
)
