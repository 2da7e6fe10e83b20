package broker

import (
	"errors"
	"fmt"
)

// ErrOrderNotFound is returned by FetchStatus/CancelOrder when the venue has
// no order with the given ID.
var ErrOrderNotFound = errors.New("broker: order not found")

// NetworkError marks a transient transport failure. It is the only error
// class the orchestrator retries; everything else ends the submission.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("broker: network failure during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err is (or wraps) a NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
