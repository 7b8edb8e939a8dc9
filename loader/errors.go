package loader

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNetworkFailure is wrapped by every transport failure, including non-success statuses.
	ErrNetworkFailure = errors.New("network failure")
	// ErrEmptyPayload is returned when a request for a non-empty range answers no bytes.
	ErrEmptyPayload = errors.New("empty payload")
	// ErrLoaderUnavailable is returned when loading a node of a dataset without a loader.
	ErrLoaderUnavailable = errors.New("loader not initialized")
	// ErrUnsupportedFormat is returned for metadata this package cannot load.
	ErrUnsupportedFormat = errors.New("unsupported point cloud format")
)

// NetworkError is a request that answered a non-success status.
type NetworkError struct {
	URL        string
	StatusCode int
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %s answered status %d", ErrNetworkFailure, e.URL, e.StatusCode)
}

// Unwrap makes errors.Is(err, ErrNetworkFailure) hold.
func (e *NetworkError) Unwrap() error {
	return ErrNetworkFailure
}
