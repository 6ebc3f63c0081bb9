package callback

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/alswitch/internal/endpoints"
	"github.com/mbd888/alswitch/internal/fspiop"
	"github.com/mbd888/alswitch/internal/logging"
	"github.com/mbd888/alswitch/internal/participant"
	"github.com/mbd888/alswitch/internal/transport"
)

type received struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

type fakeFSP struct {
	mu     sync.Mutex
	got    []received
	status int
	srv    *httptest.Server
}

func newFakeFSP(t *testing.T) *fakeFSP {
	f := &fakeFSP{status: http.StatusOK}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.got = append(f.got, received{r.Method, r.URL.Path, r.Header.Clone(), body})
		status := f.status
		f.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeFSP) requests() []received {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]received(nil), f.got...)
}

func setup(t *testing.T, api fspiop.APIType) (*Dispatcher, *fakeFSP) {
	fsp := newFakeFSP(t)
	reg := participant.NewMemoryRegistry()
	for _, name := range []string{"dfspA", "proxyX"} {
		reg.Add(participant.Participant{Name: name, IsActive: true})
		reg.AddEndpoint(name, participant.Endpoint{
			Type:  fspiop.EndpointPartiesPut,
			Value: fsp.srv.URL + "/" + name + "/parties/{{partyIdType}}/{{partyIdentifier}}",
		})
		reg.AddEndpoint(name, participant.Endpoint{
			Type:  fspiop.EndpointPartiesPutError,
			Value: fsp.srv.URL + "/" + name + "/parties/{{partyIdType}}/{{partyIdentifier}}/error",
		})
	}
	d := NewDispatcher(
		endpoints.NewResolver(reg, time.Minute),
		transport.New(2*time.Second, nil),
		NewFormatter(api),
		"Hub",
		logging.Discard(),
	)
	return d, fsp
}

var params = fspiop.Params{Type: fspiop.PartyMSISDN, ID: "123456789"}

func TestSendErrorCallback_FSPIOP(t *testing.T) {
	d, fsp := setup(t, fspiop.APIFSPIOP)
	h := http.Header{}
	h.Set(fspiop.HeaderSource, "dfspA")
	h.Set(fspiop.HeaderAccept, "application/json")

	err := d.SendErrorCallback(context.Background(), Callback{
		Destination: "dfspA",
		Endpoint:    fspiop.EndpointPartiesPutError,
		Values:      fspiop.TemplateValues{Params: params},
		Resource:    fspiop.ResourceParties,
		Header:      h,
	}, fspiop.NewError(fspiop.ErrPartyNotFound, ""))
	require.NoError(t, err)

	got := fsp.requests()
	require.Len(t, got, 1)
	assert.Equal(t, http.MethodPut, got[0].Method)
	assert.Equal(t, "/dfspA/parties/MSISDN/123456789/error", got[0].Path)
	assert.Equal(t, "Hub", got[0].Header.Get(fspiop.HeaderSource))
	assert.Equal(t, "dfspA", got[0].Header.Get(fspiop.HeaderDestination))
	assert.Empty(t, got[0].Header.Get(fspiop.HeaderAccept))
	assert.Equal(t, "application/vnd.interoperability.parties+json;version=1.1", got[0].Header.Get(fspiop.HeaderContentType))
	assert.Equal(t, "/dfspA/parties/MSISDN/123456789/error", got[0].Header.Get(fspiop.HeaderURI))

	var body fspiop.ErrorInformationObject
	require.NoError(t, json.Unmarshal(got[0].Body, &body))
	assert.Equal(t, "3204", body.ErrorInformation.ErrorCode)
	assert.Equal(t, "Party not found", body.ErrorInformation.ErrorDescription)
}

func TestSendErrorCallback_ISO20022(t *testing.T) {
	d, fsp := setup(t, fspiop.APIISO20022)

	err := d.SendErrorCallback(context.Background(), Callback{
		Destination: "dfspA",
		Endpoint:    fspiop.EndpointPartiesPutError,
		Values:      fspiop.TemplateValues{Params: params},
		Resource:    fspiop.ResourceParties,
	}, fspiop.NewError(fspiop.ErrExpired, ""))
	require.NoError(t, err)

	got := fsp.requests()
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Header.Get(fspiop.HeaderContentType), "iso20022")

	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(got[0].Body, &body))
	assert.Equal(t, "MSISDN/123456789", body["Rpt"]["OrgnlId"])
	assert.Equal(t, false, body["Rpt"]["Vrfctn"])
	assert.Equal(t, map[string]any{"Cd": "3300"}, body["Rpt"]["Rsn"])
	assert.Len(t, body["Assgnmt"]["MsgId"], 32)
}

func TestRelay_ViaProxyKeepsSource(t *testing.T) {
	d, fsp := setup(t, fspiop.APIFSPIOP)
	h := http.Header{}
	h.Set(fspiop.HeaderSource, "dfspB")
	h.Set(fspiop.HeaderContentType, "application/vnd.interoperability.parties+json;version=1.1")

	err := d.Relay(context.Background(), Callback{
		Destination: "remoteDfsp",
		Via:         "proxyX",
		Endpoint:    fspiop.EndpointPartiesPut,
		Values:      fspiop.TemplateValues{Params: params},
		Header:      h,
		Body:        []byte(`{"party":{}}`),
	})
	require.NoError(t, err)

	got := fsp.requests()
	require.Len(t, got, 1)
	assert.Equal(t, "/proxyX/parties/MSISDN/123456789", got[0].Path)
	assert.Equal(t, "dfspB", got[0].Header.Get(fspiop.HeaderSource))
	assert.Equal(t, "remoteDfsp", got[0].Header.Get(fspiop.HeaderDestination))
	assert.Equal(t, `{"party":{}}`, string(got[0].Body))
}

func TestSend_Failures(t *testing.T) {
	d, fsp := setup(t, fspiop.APIFSPIOP)

	err := d.SendSuccessCallback(context.Background(), Callback{
		Destination: "unknown",
		Endpoint:    fspiop.EndpointPartiesPut,
		Values:      fspiop.TemplateValues{Params: params},
	})
	var nf *endpoints.NotFoundError
	assert.ErrorAs(t, err, &nf)

	fsp.mu.Lock()
	fsp.status = http.StatusServiceUnavailable
	fsp.mu.Unlock()
	err = d.SendSuccessCallback(context.Background(), Callback{
		Destination: "dfspA",
		Endpoint:    fspiop.EndpointPartiesPut,
		Values:      fspiop.TemplateValues{Params: params},
	})
	assert.Equal(t, fspiop.ErrDestinationCommunication, fspiop.FromError(err).Code)
	assert.Len(t, fsp.requests(), 1, "no retry")
}

func TestISO20022Formatter_ParticipantBody(t *testing.T) {
	f := &ISO20022Formatter{now: func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }}
	raw, err := f.ParticipantBody("dfspB", Subject{Params: params, Assigner: "Hub", Assignee: "dfspA"})
	require.NoError(t, err)

	var msg isoMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, "2026-01-02T03:04:05.000Z", msg.Assgnmt.CreDtTm)
	assert.Equal(t, "Hub", msg.Assgnmt.Assgnr.Agt.FinInstnID.Othr.ID)
	assert.Equal(t, "dfspA", msg.Assgnmt.Assgne.Agt.FinInstnID.Othr.ID)
	assert.True(t, msg.Rpt.Vrfctn)
	require.NotNil(t, msg.Rpt.UpdtdPtyAndAcctID)
	assert.Equal(t, "dfspB", msg.Rpt.UpdtdPtyAndAcctID.Agt.FinInstnID.Othr.ID)
	assert.Equal(t, "MSISDN", msg.Rpt.UpdtdPtyAndAcctID.Pty.ID.OrgID.Othr.SchmeNm.Prtry)
}
