package endpoints

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/alswitch/internal/fspiop"
	"github.com/mbd888/alswitch/internal/participant"
)

type countingSource struct {
	inner participant.Registry
	calls int
	err   error
}

func (s *countingSource) Endpoints(ctx context.Context, name string) ([]participant.Endpoint, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.inner.Endpoints(ctx, name)
}

func newSource() *countingSource {
	reg := participant.NewMemoryRegistry()
	reg.Add(participant.Participant{Name: "dfspB", IsActive: true})
	reg.AddEndpoint("dfspB", participant.Endpoint{
		Type:  fspiop.EndpointPartiesGet,
		Value: "http://dfspb/parties/{{partyIdType}}/{{partyIdentifier}}",
	})
	return &countingSource{inner: reg}
}

func TestResolver_ReadThrough(t *testing.T) {
	src := newSource()
	r := NewResolver(src, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		url, err := r.GetEndpoint(ctx, "dfspB", fspiop.EndpointPartiesGet)
		require.NoError(t, err)
		assert.Equal(t, "http://dfspb/parties/{{partyIdType}}/{{partyIdentifier}}", url)
	}
	assert.Equal(t, 1, src.calls)

	r.DropCache()
	_, err := r.GetEndpoint(ctx, "dfspB", fspiop.EndpointPartiesGet)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestResolver_Resolve(t *testing.T) {
	r := NewResolver(newSource(), time.Minute)
	url, err := r.Resolve(context.Background(), "dfspB", fspiop.EndpointPartiesGet, fspiop.TemplateValues{
		Params: fspiop.Params{Type: fspiop.PartyMSISDN, ID: "123456789"},
	})
	require.NoError(t, err)
	assert.Equal(t, "http://dfspb/parties/MSISDN/123456789", url)
}

func TestResolver_NotFound(t *testing.T) {
	r := NewResolver(newSource(), time.Minute)
	ctx := context.Background()

	_, err := r.GetEndpoint(ctx, "dfspB", fspiop.EndpointPartiesPutError)
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, fspiop.EndpointPartiesPutError, nf.Type)
	assert.Equal(t, fspiop.ErrIDNotFound, fspiop.FromError(err).Code)

	_, err = r.GetEndpoint(ctx, "ghost", fspiop.EndpointPartiesGet)
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "ghost", nf.ID)
}

func TestResolver_SourceErrorNotCached(t *testing.T) {
	src := newSource()
	src.err = errors.New("ledger down")
	r := NewResolver(src, time.Minute)
	ctx := context.Background()

	_, err := r.GetEndpoint(ctx, "dfspB", fspiop.EndpointPartiesGet)
	require.Error(t, err)

	src.err = nil
	_, err = r.GetEndpoint(ctx, "dfspB", fspiop.EndpointPartiesGet)
	require.NoError(t, err)
}
