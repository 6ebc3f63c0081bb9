package parties

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/alswitch/internal/discovery/discoverytest"
	"github.com/mbd888/alswitch/internal/fspiop"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(f *fixture) *gin.Engine {
	r := gin.New()
	NewHandler(f.svc).RegisterRoutes(r)
	return r
}

func do(r http.Handler, method, path, body string, kv ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range hdr(kv...) {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func bodyCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body fspiop.ErrorInformationObject
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.ErrorInformation.ErrorCode
}

func TestHandler_GetAccepted(t *testing.T) {
	f := newFixture(t)
	f.oracleOwns("dfspB")
	r := newRouter(f)

	w := do(r, http.MethodGet, partyPath, "", fspiop.HeaderSource, "dfspA")
	assert.Equal(t, http.StatusAccepted, w.Code)

	f.runner.Stop()
	fwd := f.Hops.Matching(http.MethodGet, discoverytest.URL("dfspB"))
	require.Len(t, fwd, 1)
	assert.Equal(t, discoverytest.URL("dfspB")+partyPath, fwd[0].URL)
}

func TestHandler_Rejects(t *testing.T) {
	f := newFixture(t)
	r := newRouter(f)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		kv     []string
		code   string
	}{
		{"unknown type", http.MethodGet, "/parties/PHONE/1", "", []string{fspiop.HeaderSource, "dfspA"}, string(fspiop.ErrMalformedSyntax)},
		{"missing source", http.MethodGet, partyPath, "", nil, string(fspiop.ErrMissingElement)},
		{"put without destination", http.MethodPut, partyPath, `{}`, []string{fspiop.HeaderSource, "dfspB"}, string(fspiop.ErrMissingElement)},
		{"put without body", http.MethodPut, partyPath, "", []string{fspiop.HeaderSource, "dfspB", fspiop.HeaderDestination, "dfspA"}, string(fspiop.ErrMalformedSyntax)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, tt.method, tt.path, tt.body, tt.kv...)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.code, bodyCode(t, w))
		})
	}
	f.runner.Stop()
	assert.Empty(t, f.Hops.Requests())
}

func TestHandler_ErrorSuffixRoutesToPutError(t *testing.T) {
	f := newFixture(t)
	r := newRouter(f)
	body := `{"errorInformation":{"errorCode":"3200","errorDescription":"Generic ID not found"}}`

	w := do(r, http.MethodPut, partyPath+"/error", body,
		fspiop.HeaderSource, "dfspB", fspiop.HeaderDestination, "dfspA")
	assert.Equal(t, http.StatusOK, w.Code)

	f.runner.Stop()
	relayed := f.Hops.Matching(http.MethodPut, discoverytest.URL("dfspA"))
	require.Len(t, relayed, 1)
	assert.Equal(t, discoverytest.URL("dfspA")+partyPath+"/error", relayed[0].URL)
	assert.JSONEq(t, body, string(relayed[0].Body))
}

func TestHandler_StoppedRunnerIsUnavailable(t *testing.T) {
	f := newFixture(t)
	r := newRouter(f)
	f.runner.Stop()

	w := do(r, http.MethodGet, partyPath, "", fspiop.HeaderSource, "dfspA")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, string(fspiop.ErrServiceUnavailable), bodyCode(t, w))
}
