package apiclient

import (
	"errors"
	"fmt"
)

// ErrNoServer is returned when no configured server answered.
var ErrNoServer = errors.New("apiclient: no reachable server")

// APIError is a 4xx answer. It is final and never retried on another server.
type APIError struct {
	Server  string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("apiclient: %s returned %d: %s", e.Server, e.Status, e.Message)
}
