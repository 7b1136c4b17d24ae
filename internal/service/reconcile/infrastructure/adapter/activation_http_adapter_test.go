package adapter

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"vigil/internal/pkg/httpclient"
)

func newActivationAdapter(t *testing.T, handler http.HandlerFunc) *ActivationHTTPAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := httpclient.NewClient(noop.NewTracerProvider().Tracer("test"))
	return NewActivationHTTPAdapter(client, srv.URL)
}

func TestActivationAdapter_Activate(t *testing.T) {
	a := newActivationAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/licenses/activate", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		var req map[string]string
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "dev-1", req["deviceId"])
		w.WriteHeader(http.StatusCreated)
	})

	result, err := a.Activate(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestActivationAdapter_ConflictMeansAlreadyActivated(t *testing.T) {
	a := newActivationAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	result, err := a.Activate(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.True(t, result.Success, "repeat activation of the same device is idempotent success")
}

func TestActivationAdapter_RejectionCarriesReason(t *testing.T) {
	a := newActivationAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"reason": "device blocked"})
	})

	result, err := a.Activate(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "device blocked", result.Reason)
}

func TestActivationAdapter_NetworkErrorIsReturned(t *testing.T) {
	client := httpclient.NewClient(noop.NewTracerProvider().Tracer("test"))
	a := NewActivationHTTPAdapter(client, "http://127.0.0.1:1")

	_, err := a.Activate(context.Background(), "dev-1")
	assert.Error(t, err)
}
