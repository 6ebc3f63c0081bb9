package participant

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/alswitch/internal/fspiop"
	"github.com/mbd888/alswitch/internal/transport"
)

func ledger(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/participants/dfspA", func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		assert.Equal(t, "Hub", r.Header.Get(fspiop.HeaderSource))
		_, _ = w.Write([]byte(`{"name":"dfspA","isActive":1}`))
	})
	mux.HandleFunc("/participants/dfspOff", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name":"dfspOff","isActive":0}`))
	})
	mux.HandleFunc("/participants/dfspA/endpoints", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"type":"FSPIOP_CALLBACK_URL_PARTIES_GET","value":"http://dfspa/parties/{{partyIdType}}/{{partyIdentifier}}"}]`))
	})
	mux.HandleFunc("/participants", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("isProxy"))
		_, _ = w.Write([]byte(`[{"name":"proxyX","isActive":true,"isProxy":true},{"name":"proxyOff","isActive":false,"isProxy":true},{"name":"dfspA","isActive":1}]`))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	return httptest.NewServer(mux)
}

func TestHTTPRegistry_ValidateParticipant(t *testing.T) {
	srv := ledger(t, nil)
	defer srv.Close()
	reg := NewHTTPRegistry(srv.URL, "Hub", transport.New(time.Second, nil))
	ctx := context.Background()

	p, err := reg.ValidateParticipant(ctx, "dfspA")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "dfspA", p.Name)
	assert.True(t, p.Active())

	p, err = reg.ValidateParticipant(ctx, "dfspOff")
	require.NoError(t, err)
	assert.Nil(t, p, "inactive participant is not valid")

	p, err = reg.ValidateParticipant(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestHTTPRegistry_EndpointsAndProxies(t *testing.T) {
	srv := ledger(t, nil)
	defer srv.Close()
	reg := NewHTTPRegistry(srv.URL, "Hub", transport.New(time.Second, nil))
	ctx := context.Background()

	eps, err := reg.Endpoints(ctx, "dfspA")
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, fspiop.EndpointPartiesGet, eps[0].Type)

	_, err = reg.Endpoints(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	proxies, err := reg.ListProxies(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"proxyX"}, proxies)
}

func TestHTTPRegistry_UnreachableIsError(t *testing.T) {
	srv := ledger(t, nil)
	addr := srv.URL
	srv.Close()

	reg := NewHTTPRegistry(addr, "Hub", transport.New(time.Second, nil))
	reg.policy.BaseDelay = time.Millisecond
	p, err := reg.ValidateParticipant(context.Background(), "dfspA")
	assert.Nil(t, p)
	require.Error(t, err)
	assert.Equal(t, fspiop.ErrDestinationCommunication, fspiop.FromError(err).Code)
}

func TestCachedRegistry(t *testing.T) {
	var hits atomic.Int32
	srv := ledger(t, &hits)
	defer srv.Close()
	reg := NewCachedRegistry(NewHTTPRegistry(srv.URL, "Hub", transport.New(time.Second, nil)), time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, err := reg.ValidateParticipant(ctx, "dfspA")
		require.NoError(t, err)
		require.NotNil(t, p)
	}
	assert.Equal(t, int32(1), hits.Load())

	reg.DropCache()
	_, err := reg.ValidateParticipant(ctx, "dfspA")
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestMemoryRegistry(t *testing.T) {
	reg := NewMemoryRegistry()
	reg.Add(Participant{Name: "dfspA", IsActive: true})
	reg.Add(Participant{Name: "proxyB", IsActive: true, IsProxy: true})
	reg.AddEndpoint("dfspA", Endpoint{Type: fspiop.EndpointPartiesPut, Value: "http://a/1"})
	reg.AddEndpoint("dfspA", Endpoint{Type: fspiop.EndpointPartiesPut, Value: "http://a/2"})
	ctx := context.Background()

	p, err := reg.ValidateParticipant(ctx, "dfspA")
	require.NoError(t, err)
	assert.Equal(t, "dfspA", p.Name)

	eps, err := reg.Endpoints(ctx, "dfspA")
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, "http://a/2", eps[0].Value)

	proxies, _ := reg.ListProxies(ctx)
	assert.Equal(t, []string{"proxyB"}, proxies)
}
