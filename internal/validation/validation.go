// Package validation rejects malformed inbound FSPIOP requests with a
// synchronous 400 before they reach the asynchronous discovery services.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/alswitch/internal/fspiop"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxIDLength bounds party identifiers and sub-ids.
const MaxIDLength = 128

var (
	fspIDRegex    = regexp.MustCompile(`^[A-Za-z0-9_.\-]{1,32}$`)
	currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidFSPID checks an FSP (participant) identifier.
func IsValidFSPID(id string) bool {
	return fspIDRegex.MatchString(id)
}

// IsValidCurrency checks an ISO 4217 alphabetic code.
func IsValidCurrency(c string) bool {
	return currencyRegex.MatchString(c)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	// Code is the scheme error code reported for the failure.
	Code fspiop.ErrorCode `json:"-"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// FSPIOPError reports the first failure as a scheme error.
func (e ValidationErrors) FSPIOPError() *fspiop.Error {
	if len(e) == 0 {
		return fspiop.NewError(fspiop.ErrGenericValidation, "")
	}
	code := e[0].Code
	if code == "" {
		code = fspiop.ErrGenericValidation
	}
	return fspiop.NewError(code, e.Error())
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required", Code: fspiop.ErrMissingElement}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length", Code: fspiop.ErrMalformedSyntax}
		}
		return nil
	}
}

// ValidFSPID checks an FSP identifier header or field. Empty passes; use
// Required for mandatory ones.
func ValidFSPID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !IsValidFSPID(value) {
			return &ValidationError{Field: field, Message: "must be a valid FSP identifier", Code: fspiop.ErrMalformedSyntax}
		}
		return nil
	}
}

// ValidCurrency checks an optional currency.
func ValidCurrency(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !IsValidCurrency(value) {
			return &ValidationError{Field: field, Message: "must be an ISO 4217 currency code", Code: fspiop.ErrMalformedSyntax}
		}
		return nil
	}
}

// ValidPartyIDType checks a party identifier type.
func ValidPartyIDType(field string, t fspiop.PartyIDType) func() *ValidationError {
	return func() *ValidationError {
		if !t.Valid() {
			return &ValidationError{Field: field, Message: "unsupported party identifier type", Code: fspiop.ErrMalformedSyntax}
		}
		return nil
	}
}

// ValidDate checks the Date header. Empty passes.
func ValidDate(value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, err := fspiop.ParseDate(value); err != nil {
			return &ValidationError{Field: fspiop.HeaderDate, Message: "must be an RFC 7231 date", Code: fspiop.ErrMalformedSyntax}
		}
		return nil
	}
}

// Headers validates the FSPIOP headers of an inbound request. Destination is
// mandatory on callbacks (PUT).
func Headers(h http.Header, requireDestination bool) ValidationErrors {
	source := h.Get(fspiop.HeaderSource)
	destination := h.Get(fspiop.HeaderDestination)
	checks := []func() *ValidationError{
		Required(fspiop.HeaderSource, source),
		ValidFSPID(fspiop.HeaderSource, source),
		ValidFSPID(fspiop.HeaderDestination, destination),
		ValidFSPID(fspiop.HeaderProxy, h.Get(fspiop.HeaderProxy)),
		Required(fspiop.HeaderDate, h.Get(fspiop.HeaderDate)),
		ValidDate(h.Get(fspiop.HeaderDate)),
	}
	if requireDestination {
		checks = append(checks, Required(fspiop.HeaderDestination, destination))
	}
	return Validate(checks...)
}

// PartyParams reads and validates the Type, ID and SubId path parameters.
func PartyParams(c *gin.Context) (fspiop.Params, ValidationErrors) {
	p := fspiop.Params{
		Type:  fspiop.PartyIDType(c.Param("Type")),
		ID:    c.Param("ID"),
		SubID: c.Param("SubId"),
	}
	return p, Validate(
		ValidPartyIDType("Type", p.Type),
		Required("ID", p.ID),
		MaxLength("ID", p.ID, MaxIDLength),
		MaxLength("SubId", p.SubID, MaxIDLength),
	)
}

// Abort answers 400 with an FSPIOP error body.
func Abort(c *gin.Context, errs ValidationErrors) {
	fe := errs.FSPIOPError()
	c.AbortWithStatusJSON(http.StatusBadRequest, fspiop.ErrorInformationObject{ErrorInformation: fe.Information()})
}
