package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mbd888/alswitch/internal/fspiop"
)

// StatusError is a non-2xx answer from a downstream hop.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: http %d", e.Method, e.URL, e.StatusCode)
}

// ErrorCode maps the status to a scheme code. A 4xx answer that carries an
// FSPIOP errorInformation keeps the downstream code.
func (e *StatusError) ErrorCode() fspiop.ErrorCode {
	if e.StatusCode >= 500 {
		return fspiop.ErrDestinationCommunication
	}
	if code := bodyErrorCode(e.Body); code != "" {
		return code
	}
	switch e.StatusCode {
	case http.StatusNotFound:
		return fspiop.ErrIDNotFound
	case http.StatusBadRequest:
		return fspiop.ErrGenericValidation
	default:
		return fspiop.ErrGenericClient
	}
}

// NotFound reports whether the hop answered 404.
func (e *StatusError) NotFound() bool { return e.StatusCode == http.StatusNotFound }

func bodyErrorCode(body []byte) fspiop.ErrorCode {
	if len(body) == 0 {
		return ""
	}
	var obj fspiop.ErrorInformationObject
	if err := json.Unmarshal(body, &obj); err != nil {
		return ""
	}
	code := obj.ErrorInformation.ErrorCode
	if len(code) != 4 {
		return ""
	}
	return fspiop.ErrorCode(code)
}

// TimeoutError is returned when a hop does not answer within its deadline.
type TimeoutError struct {
	Method string
	URL    string
	Err    error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s: timed out: %v", e.Method, e.URL, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

func (e *TimeoutError) ErrorCode() fspiop.ErrorCode { return fspiop.ErrServerTimedOut }

// CommunicationError covers connection failures and open circuits.
type CommunicationError struct {
	Method string
	URL    string
	Err    error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *CommunicationError) Unwrap() error { return e.Err }

func (e *CommunicationError) ErrorCode() fspiop.ErrorCode {
	return fspiop.ErrDestinationCommunication
}

// IsRetryable reports whether a failed hop is worth repeating: timeouts,
// connection failures and 5xx answers are; 4xx answers and open circuits
// are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	var ce *CommunicationError
	if errors.As(err, &ce) {
		return !isOpenCircuit(ce.Err)
	}
	return false
}

// countsAgainstHost decides which failures feed the circuit breaker.
func countsAgainstHost(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}
	return true
}
