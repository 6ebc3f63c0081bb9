package fspiop

import (
	"net/http"
	"strings"
)

// PartyIDType enumerates the identifier types the scheme routes on.
type PartyIDType string

const (
	PartyMSISDN         PartyIDType = "MSISDN"
	PartyEmail          PartyIDType = "EMAIL"
	PartyPersonalID     PartyIDType = "PERSONAL_ID"
	PartyBusiness       PartyIDType = "BUSINESS"
	PartyDevice         PartyIDType = "DEVICE"
	PartyAccountID      PartyIDType = "ACCOUNT_ID"
	PartyIBAN           PartyIDType = "IBAN"
	PartyAlias          PartyIDType = "ALIAS"
	PartyConsent        PartyIDType = "CONSENT"
	PartyThirdPartyLink PartyIDType = "THIRD_PARTY_LINK"
)

var partyIDTypes = map[PartyIDType]bool{
	PartyMSISDN:         true,
	PartyEmail:          true,
	PartyPersonalID:     true,
	PartyBusiness:       true,
	PartyDevice:         true,
	PartyAccountID:      true,
	PartyIBAN:           true,
	PartyAlias:          true,
	PartyConsent:        true,
	PartyThirdPartyLink: true,
}

// Valid reports whether t is a known party identifier type.
func (t PartyIDType) Valid() bool {
	return partyIDTypes[t]
}

// Params are the path values of a parties or participants resource.
type Params struct {
	Type  PartyIDType
	ID    string
	SubID string
}

// HasSubID reports whether the resource addresses a sub-id.
func (p Params) HasSubID() bool {
	return p.SubID != ""
}

// Path renders Type/ID[/SubID], the resource identity used in ISO20022
// OrgnlId fields and in cache keys.
func (p Params) Path() string {
	if p.SubID == "" {
		return string(p.Type) + "/" + p.ID
	}
	return string(p.Type) + "/" + p.ID + "/" + p.SubID
}

// Resource names a top-level API resource.
type Resource string

const (
	ResourceParties      Resource = "parties"
	ResourceParticipants Resource = "participants"
)

// APIType selects the payload convention of callbacks built by the switch.
type APIType string

const (
	APIFSPIOP   APIType = "fspiop"
	APIISO20022 APIType = "iso20022"
)

// ContentType returns the versioned media type for resource in this API type.
func (a APIType) ContentType(resource Resource) string {
	if a == APIISO20022 {
		return "application/vnd.interoperability.iso20022." + string(resource) + "+json;version=2.0"
	}
	return "application/vnd.interoperability." + string(resource) + "+json;version=1.1"
}

// RequestHeaders gives typed access to the routing headers of an inbound
// request.
type RequestHeaders struct {
	Source      string
	Destination string
	Proxy       string
}

// RoutingHeaders extracts source, destination and proxy from h.
func RoutingHeaders(h http.Header) RequestHeaders {
	return RequestHeaders{
		Source:      strings.TrimSpace(h.Get(HeaderSource)),
		Destination: strings.TrimSpace(h.Get(HeaderDestination)),
		Proxy:       strings.TrimSpace(h.Get(HeaderProxy)),
	}
}

// PartyIDInfo identifies a party and, optionally, its owning FSP.
type PartyIDInfo struct {
	PartyIDType      PartyIDType    `json:"partyIdType"`
	PartyIdentifier  string         `json:"partyIdentifier"`
	PartySubIDOrType string         `json:"partySubIdOrType,omitempty"`
	FspID            string         `json:"fspId,omitempty"`
	ExtensionList    *ExtensionList `json:"extensionList,omitempty"`
}

// ExtensionList wraps extensions the way FSPIOP payloads nest them.
type ExtensionList struct {
	Extension []Extension `json:"extension"`
}

// ErrorInformation is the FSPIOP error object.
type ErrorInformation struct {
	ErrorCode        string         `json:"errorCode"`
	ErrorDescription string         `json:"errorDescription"`
	ExtensionList    *ExtensionList `json:"extensionList,omitempty"`
}

// ErrorInformationObject is the body of every FSPIOP error callback.
type ErrorInformationObject struct {
	ErrorInformation ErrorInformation `json:"errorInformation"`
}

// Information renders e as an FSPIOP errorInformation object.
func (e *Error) Information() ErrorInformation {
	info := ErrorInformation{
		ErrorCode:        string(e.Code),
		ErrorDescription: e.Description(),
	}
	if len(e.Extensions) > 0 {
		info.ExtensionList = &ExtensionList{Extension: e.Extensions}
	}
	return info
}
