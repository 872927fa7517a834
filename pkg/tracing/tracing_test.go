package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTracingService_Disabled(t *testing.T) {
	ts, err := NewTracingService(&Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, ts)

	ctx, span := ts.StartRequestSpan(context.Background(), "session_upload", "high")
	defer span.End()
	assert.NotNil(t, ctx)

	assert.NoError(t, ts.Shutdown(context.Background()))
}

func TestInstrumentHTTPClient_DisabledLeavesClientUntouched(t *testing.T) {
	ts, err := NewTracingService(&Config{Enabled: false})
	require.NoError(t, err)

	client := &http.Client{}
	instrumented := ts.InstrumentHTTPClient(client)
	assert.Nil(t, instrumented.Transport)
}

func TestTracingTransport_RoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	ts, err := NewTracingService(&Config{Enabled: false})
	require.NoError(t, err)

	client := &http.Client{Transport: &tracingTransport{base: http.DefaultTransport, service: ts}}
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestGetTraceID_NoSpan(t *testing.T) {
	assert.Empty(t, GetTraceID(context.Background()))
	assert.Empty(t, GetSpanID(context.Background()))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "telemetry-relay", cfg.ServiceName)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 1.0, cfg.SamplingRate)
}
