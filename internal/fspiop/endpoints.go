package fspiop

import "strings"

// EndpointType names one registered callback URL of a participant.
type EndpointType string

const (
	EndpointPartiesGet             EndpointType = "FSPIOP_CALLBACK_URL_PARTIES_GET"
	EndpointPartiesPut             EndpointType = "FSPIOP_CALLBACK_URL_PARTIES_PUT"
	EndpointPartiesPutError        EndpointType = "FSPIOP_CALLBACK_URL_PARTIES_PUT_ERROR"
	EndpointPartiesSubIDGet        EndpointType = "FSPIOP_CALLBACK_URL_PARTIES_SUB_ID_GET"
	EndpointPartiesSubIDPut        EndpointType = "FSPIOP_CALLBACK_URL_PARTIES_SUB_ID_PUT"
	EndpointPartiesSubIDPutError   EndpointType = "FSPIOP_CALLBACK_URL_PARTIES_SUB_ID_PUT_ERROR"
	EndpointParticipantPut         EndpointType = "FSPIOP_CALLBACK_URL_PARTICIPANT_PUT"
	EndpointParticipantPutError    EndpointType = "FSPIOP_CALLBACK_URL_PARTICIPANT_PUT_ERROR"
	EndpointParticipantSubIDPut    EndpointType = "FSPIOP_CALLBACK_URL_PARTICIPANT_SUB_ID_PUT"
	EndpointParticipantSubIDPutErr EndpointType = "FSPIOP_CALLBACK_URL_PARTICIPANT_SUB_ID_PUT_ERROR"
	EndpointParticipantBatchPut    EndpointType = "FSPIOP_CALLBACK_URL_PARTICIPANT_BATCH_PUT"
	EndpointParticipantBatchPutErr EndpointType = "FSPIOP_CALLBACK_URL_PARTICIPANT_BATCH_PUT_ERROR"
)

// PartiesEndpoints returns the GET, PUT and PUT error endpoint types for the
// parties resource, picking the sub-id variants when p has one.
func PartiesEndpoints(p Params) (get, put, putErr EndpointType) {
	if p.HasSubID() {
		return EndpointPartiesSubIDGet, EndpointPartiesSubIDPut, EndpointPartiesSubIDPutError
	}
	return EndpointPartiesGet, EndpointPartiesPut, EndpointPartiesPutError
}

// ParticipantsEndpoints returns the PUT and PUT error endpoint types for the
// participants resource.
func ParticipantsEndpoints(p Params) (put, putErr EndpointType) {
	if p.HasSubID() {
		return EndpointParticipantSubIDPut, EndpointParticipantSubIDPutErr
	}
	return EndpointParticipantPut, EndpointParticipantPutError
}

// TemplateValues are substituted into registered endpoint templates such as
// "http://fsp/parties/{{partyIdType}}/{{partyIdentifier}}".
type TemplateValues struct {
	Params    Params
	RequestID string
	FSP       string
}

// Render substitutes the template placeholders in tmpl.
func (v TemplateValues) Render(tmpl string) string {
	r := strings.NewReplacer(
		"{{partyIdType}}", string(v.Params.Type),
		"{{partyIdentifier}}", v.Params.ID,
		"{{partySubIdOrType}}", v.Params.SubID,
		"{{requestId}}", v.RequestID,
		"{{fsp}}", v.FSP,
	)
	return strings.TrimSuffix(r.Replace(tmpl), "/")
}
