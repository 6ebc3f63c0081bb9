package fspiop

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode is a four digit FSPIOP error code.
type ErrorCode string

const (
	ErrCommunication            ErrorCode = "1000"
	ErrDestinationCommunication ErrorCode = "1001"
	ErrGenericServer            ErrorCode = "2000"
	ErrInternalServer           ErrorCode = "2001"
	ErrNotImplemented           ErrorCode = "2002"
	ErrServiceUnavailable       ErrorCode = "2003"
	ErrServerTimedOut           ErrorCode = "2004"
	ErrGenericClient            ErrorCode = "3000"
	ErrUnknownURI               ErrorCode = "3002"
	ErrAddPartyInfo             ErrorCode = "3003"
	ErrDeletePartyInfo          ErrorCode = "3040"
	ErrGenericValidation        ErrorCode = "3100"
	ErrMalformedSyntax          ErrorCode = "3101"
	ErrMissingElement           ErrorCode = "3102"
	ErrIDNotFound               ErrorCode = "3200"
	ErrDestinationFSP           ErrorCode = "3201"
	ErrPartyNotFound            ErrorCode = "3204"
	ErrExpired                  ErrorCode = "3300"
)

var descriptions = map[ErrorCode]string{
	ErrCommunication:            "Communication error",
	ErrDestinationCommunication: "Destination communication error",
	ErrGenericServer:            "Generic server error",
	ErrInternalServer:           "Internal server error",
	ErrNotImplemented:           "Not implemented",
	ErrServiceUnavailable:       "Service currently unavailable",
	ErrServerTimedOut:           "Server timed out",
	ErrGenericClient:            "Generic client error",
	ErrUnknownURI:               "Unknown URI",
	ErrAddPartyInfo:             "Add Party information error",
	ErrDeletePartyInfo:          "Delete Party information error",
	ErrGenericValidation:        "Generic validation error",
	ErrMalformedSyntax:          "Malformed syntax",
	ErrMissingElement:           "Missing mandatory element",
	ErrIDNotFound:               "Generic ID not found",
	ErrDestinationFSP:           "Destination FSP Error",
	ErrPartyNotFound:            "Party not found",
	ErrExpired:                  "Generic expired error",
}

// Description returns the scheme's fixed description for the code.
func (c ErrorCode) Description() string {
	if d, ok := descriptions[c]; ok {
		return d
	}
	return descriptions[ErrGenericServer]
}

// Extension is one key/value entry of an FSPIOP extension list.
type Extension struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Error is a scheme-level error. It is what eventually ends up in an error
// callback, whatever the wire format.
type Error struct {
	Code       ErrorCode
	Detail     string
	Extensions []Extension
	Cause      error
}

// NewError builds an Error for code with an optional human readable detail.
func NewError(code ErrorCode, detail string) *Error {
	return &Error{Code: code, Detail: detail}
}

// WrapError builds an Error that keeps cause for errors.Is/As.
func WrapError(code ErrorCode, detail string, cause error) *Error {
	return &Error{Code: code, Detail: detail, Cause: cause}
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("fspiop %s: %s", e.Code, e.Code.Description())
	}
	return fmt.Sprintf("fspiop %s: %s - %s", e.Code, e.Code.Description(), e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

// ErrorCode implements Coder.
func (e *Error) ErrorCode() ErrorCode { return e.Code }

// Description is the text sent as errorDescription.
func (e *Error) Description() string {
	if e.Detail == "" {
		return e.Code.Description()
	}
	return e.Code.Description() + " - " + e.Detail
}

// Coder is implemented by errors that know which scheme code they map to.
type Coder interface {
	ErrorCode() ErrorCode
}

// FromError converts any error into a scheme error. Errors that already carry
// a code keep it; deadline overruns become 2004 and the rest 2001.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	var c Coder
	if errors.As(err, &c) {
		return WrapError(c.ErrorCode(), err.Error(), err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapError(ErrServerTimedOut, err.Error(), err)
	}
	return WrapError(ErrInternalServer, err.Error(), err)
}

// IsCode reports whether err converts to the given scheme code.
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	return FromError(err).Code == code
}
