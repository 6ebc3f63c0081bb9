package fspiop

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type codedErr struct{ code ErrorCode }

func (e codedErr) Error() string { return "coded" }
func (e codedErr) ErrorCode() ErrorCode { return e.code }

func TestFromError(t *testing.T) {
	assert.Nil(t, FromError(nil))

	fe := NewError(ErrPartyNotFound, "")
	assert.Same(t, fe, FromError(fmt.Errorf("wrapped: %w", fe)))

	assert.Equal(t, ErrIDNotFound, FromError(fmt.Errorf("x: %w", codedErr{ErrIDNotFound})).Code)
	assert.Equal(t, ErrServerTimedOut, FromError(fmt.Errorf("x: %w", context.DeadlineExceeded)).Code)
	assert.Equal(t, ErrInternalServer, FromError(errors.New("boom")).Code)

	assert.True(t, IsCode(fe, ErrPartyNotFound))
	assert.False(t, IsCode(nil, ErrPartyNotFound))
}

func TestError_Information(t *testing.T) {
	e := NewError(ErrExpired, "")
	info := e.Information()
	assert.Equal(t, "3300", info.ErrorCode)
	assert.Equal(t, "Generic expired error", info.ErrorDescription)
	assert.Nil(t, info.ExtensionList)

	e = NewError(ErrIDNotFound, "dfspX")
	e.Extensions = []Extension{{Key: "system", Value: "als"}}
	info = e.Information()
	assert.Equal(t, "Generic ID not found - dfspX", info.ErrorDescription)
	require.NotNil(t, info.ExtensionList)
	assert.Equal(t, "system", info.ExtensionList.Extension[0].Key)
}

func TestForwardHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Host", "als.local")
	h.Set("Content-Length", "12")
	h.Set(HeaderSource, "dfspA")
	out := ForwardHeaders(h)

	assert.Empty(t, out.Get("Host"))
	assert.Empty(t, out.Get("Content-Length"))
	assert.Equal(t, "dfspA", out.Get(HeaderSource))
	_, err := ParseDate(out.Get(HeaderDate))
	assert.NoError(t, err, "date should be regenerated")
	assert.Equal(t, "als.local", h.Get("Host"), "input must not be mutated")

	date := FormatDate(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	h.Set(HeaderDate, date)
	assert.Equal(t, date, ForwardHeaders(h).Get(HeaderDate))
}

func TestTemplateRender(t *testing.T) {
	v := TemplateValues{Params: Params{Type: PartyMSISDN, ID: "123"}, RequestID: "req-1"}
	assert.Equal(t, "http://fsp/parties/MSISDN/123", v.Render("http://fsp/parties/{{partyIdType}}/{{partyIdentifier}}"))
	assert.Equal(t, "http://fsp/parties/MSISDN/123", v.Render("http://fsp/parties/{{partyIdType}}/{{partyIdentifier}}/{{partySubIdOrType}}"))
	assert.Equal(t, "http://fsp/participants/req-1", v.Render("http://fsp/participants/{{requestId}}"))
}

func TestEndpointsForParams(t *testing.T) {
	get, put, putErr := PartiesEndpoints(Params{Type: PartyMSISDN, ID: "1"})
	assert.Equal(t, EndpointPartiesGet, get)
	assert.Equal(t, EndpointPartiesPut, put)
	assert.Equal(t, EndpointPartiesPutError, putErr)

	get, _, _ = PartiesEndpoints(Params{Type: PartyMSISDN, ID: "1", SubID: "home"})
	assert.Equal(t, EndpointPartiesSubIDGet, get)

	put, putErr = ParticipantsEndpoints(Params{Type: PartyMSISDN, ID: "1", SubID: "home"})
	assert.Equal(t, EndpointParticipantSubIDPut, put)
	assert.Equal(t, EndpointParticipantSubIDPutErr, putErr)
}

func TestPartyIDType_ValidAndContentType(t *testing.T) {
	assert.True(t, PartyMSISDN.Valid())
	assert.False(t, PartyIDType("PHONE").Valid())
	assert.Equal(t, "application/vnd.interoperability.parties+json;version=1.1", APIFSPIOP.ContentType(ResourceParties))
	assert.Equal(t, "application/vnd.interoperability.iso20022.participants+json;version=2.0", APIISO20022.ContentType(ResourceParticipants))
}
