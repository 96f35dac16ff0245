package thumbnailer

import "errors"

var (
	// ErrServiceUnavailable is returned when there is no usable connection to the thumbnailing service
	ErrServiceUnavailable = errors.New("thumbnailing service is unavailable")

	// ErrNoEligibleFiles is returned when none of the submitted files can be thumbnailed
	ErrNoEligibleFiles = errors.New("no eligible files")

	// ErrClosed is returned after Shutdown
	ErrClosed = errors.New("thumbnail request manager is closed")
)
