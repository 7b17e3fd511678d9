package hma

import "fmt"

type ErrorClass string

const (
	ClassTransport      ErrorClass = "TRANSPORT"
	ClassUpstreamStatus ErrorClass = "UPSTREAM_STATUS"
	ClassFileNotFound   ErrorClass = "FILE_NOT_FOUND"
	ClassMatchAPI       ErrorClass = "MATCH_API_ERROR"
	ClassProcessing     ErrorClass = "PROCESSING_ERROR"
)

// BridgeError is returned once the retry budget for a bridge call is
// exhausted. Body carries the last upstream response for diagnostics.
type BridgeError struct {
	Class  ErrorClass
	Status int
	Body   string
	Err    error
}

func (e *BridgeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("bridge: %s (status %d): %s", e.Class, e.Status, e.Body)
	}
	if e.Err != nil {
		return fmt.Sprintf("bridge: %s: %v", e.Class, e.Err)
	}
	return fmt.Sprintf("bridge: %s", e.Class)
}

func (e *BridgeError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is worth another attempt:
// transport errors and 5xx responses are, anything the upstream
// answered deliberately is not.
func (e *BridgeError) Retryable() bool {
	return e.Class == ClassTransport || (e.Status >= 500 && e.Status <= 599)
}
