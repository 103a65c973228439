package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func tracedContext(t *testing.T) context.Context {
	t.Helper()
	tid, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	sid, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled})
	return trace.ContextWithSpanContext(context.Background(), sc)
}

func TestWithTraceLogger_AddsSessionAndTrace(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	r := mux.NewRouter()
	r.Use(WithTraceLogger(base))
	r.HandleFunc("/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		LoggerFromRequest(r, zap.NewNop()).Info("handled")
	})

	req := httptest.NewRequest(http.MethodGet, "/sessions/abc", nil).WithContext(tracedContext(t))
	r.ServeHTTP(httptest.NewRecorder(), req)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "abc", fields["session_id"])
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", fields["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", fields["span_id"])
}

func TestLoggerFromContext_Fallback(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	fallback := zap.New(core)

	LoggerFromContext(context.Background(), fallback).Info("plain")
	LoggerFromContext(tracedContext(t), fallback).Info("traced")

	require.Equal(t, 2, logs.Len())
	assert.Empty(t, logs.All()[0].ContextMap())
	assert.Equal(t, "00f067aa0ba902b7", logs.All()[1].ContextMap()["span_id"])
}
