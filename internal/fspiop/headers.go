// Package fspiop holds the wire vocabulary shared by every part of the switch:
// header names, party identifier types, callback endpoint types and the
// scheme-level error representation.
package fspiop

import (
	"net/http"
	"strings"
	"time"
)

// Header names used on every FSPIOP request and callback.
const (
	HeaderSource      = "FSPIOP-Source"
	HeaderDestination = "FSPIOP-Destination"
	HeaderProxy       = "FSPIOP-Proxy"
	HeaderSignature   = "FSPIOP-Signature"
	HeaderHTTPMethod  = "FSPIOP-HTTP-Method"
	HeaderURI         = "FSPIOP-URI"
	HeaderDate        = "Date"
	HeaderContentType = "Content-Type"
	HeaderAccept      = "Accept"
	HeaderTraceparent = "traceparent"
)

// hopHeaders are never copied onto an outbound hop.
var hopHeaders = []string{
	"Host",
	"Connection",
	"Content-Length",
	"Accept-Encoding",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"X-Request-Id",
}

// ForwardHeaders copies src without hop-specific headers. Date is kept when
// present and regenerated otherwise.
func ForwardHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = http.Header{}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
	if dst.Get(HeaderDate) == "" {
		dst.Set(HeaderDate, FormatDate(time.Now()))
	}
	return dst
}

// FormatDate renders t the way FSPIOP Date headers are written.
func FormatDate(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

// ParseDate parses an FSPIOP Date header.
func ParseDate(v string) (time.Time, error) {
	return http.ParseTime(strings.TrimSpace(v))
}
