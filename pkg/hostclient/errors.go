package hostclient

import (
	"errors"
	"strconv"
)

var (
	// ErrConnection is returned when the underlying transport fails to
	// reach the host service (dial failure, connection reset, DNS error).
	ErrConnection = errors.New("host service connection error")

	// ErrTimeout is returned when a request exceeds its deadline.
	ErrTimeout = errors.New("host service timeout")

	// ErrServiceUnavailable is returned when the circuit breaker is open
	// and a call is rejected without reaching the network.
	ErrServiceUnavailable = errors.New("host service circuit breaker open")
)

// ServiceError wraps a non-2xx HTTP response from a host service. It is
// never retried — only ErrConnection/ErrTimeout are.
type ServiceError struct {
	ServiceName string
	StatusCode  int
	Body        string
}

func (e *ServiceError) Error() string {
	if e.StatusCode == 0 {
		return e.ServiceName + ": " + e.Body
	}
	return e.ServiceName + ": unexpected status " + strconv.Itoa(e.StatusCode)
}
