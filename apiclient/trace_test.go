package apiclient

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestErrorType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"cancelled", context.Canceled, "cancelled"},
		{"client error", &ClientError{Status: 404}, "client_error"},
		{"server error", &ServerError{Status: 502}, "server_error"},
		{"rate limited", &RateLimitedError{}, "rate_limited"},
		{"circuit open", &CircuitOpenError{}, "circuit_open"},
		{"exhausted wins over inner type", &RetryExhaustedError{Last: &ServerError{Status: 500}}, "retry_exhausted"},
		{"timeout", context.DeadlineExceeded, "timeout"},
		{"network", errDNS, "network_error"},
		{"unknown", errors.New("mystery"), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorType(tt.err))
		})
	}
}

func newSpanRecorder(t *testing.T) (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return recorder, provider
}

func spanAttr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestClient_RequestSpanSuccess(t *testing.T) {
	t.Parallel()

	recorder, provider := newSpanRecorder(t)

	mock := NewMockTransport()
	mock.StubPath("/widgets", http.StatusOK, `{"ok":true}`)

	client, err := New(newTestConfig(), WithMockTransport(mock), WithTracerProvider(provider))
	require.NoError(t, err)

	_, err = client.Get(context.Background(), "/widgets", nil)
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]

	assert.Equal(t, "GET /widgets", span.Name())
	assert.Equal(t, codes.Unset, span.Status().Code)

	source, ok := spanAttr(span, "source")
	require.True(t, ok)
	assert.Equal(t, "testsource", source.AsString())
}

func TestClient_RequestSpanFailure(t *testing.T) {
	t.Parallel()

	recorder, provider := newSpanRecorder(t)

	mock := NewMockTransport()
	mock.StubPath("/widgets", http.StatusNotFound, `{"error":"gone"}`)

	client, err := New(newTestConfig(), WithMockTransport(mock), WithTracerProvider(provider))
	require.NoError(t, err)

	_, err = client.Get(context.Background(), "/widgets", nil)
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]

	assert.Equal(t, codes.Error, span.Status().Code)

	errType, ok := spanAttr(span, "error.type")
	require.True(t, ok)
	assert.Equal(t, "retry_exhausted", errType.AsString())
}

func TestClient_RequestSpanRetryEvents(t *testing.T) {
	t.Parallel()

	recorder, provider := newSpanRecorder(t)

	mock := NewMockTransport()
	mock.StubSequencePath("/widgets", NewStubSequence().
		Respond(http.StatusInternalServerError, `{"error":"boom"}`).
		Respond(http.StatusOK, `{"ok":true}`))

	cfg := newTestConfig()
	cfg.RetryTotal = 2
	client, err := New(cfg, WithMockTransport(mock), WithTracerProvider(provider))
	require.NoError(t, err)

	_, err = client.Get(context.Background(), "/widgets", nil)
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)

	var retries int
	for _, ev := range spans[0].Events() {
		if ev.Name == "retry" {
			retries++
		}
	}
	assert.Equal(t, 1, retries)
}
