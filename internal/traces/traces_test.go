package traces

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func TestStartSpanRecordsAttributes(t *testing.T) {
	rec := recordSpans(t)

	_, span := StartSpan(context.Background(), "swap.step",
		SwapID("5f0c"), SwapState("btc_locked"), TxID("ab12"))
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "swap.step", ended[0].Name())

	attrs := map[string]string{}
	for _, kv := range ended[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, map[string]string{
		"swap.id":      "5f0c",
		"swap.state":   "btc_locked",
		"bitcoin.txid": "ab12",
	}, attrs)
}

func TestFail(t *testing.T) {
	rec := recordSpans(t)

	_, ok := StartSpan(context.Background(), "transport.call")
	Fail(ok, nil, "unused")
	ok.End()

	_, failed := StartSpan(context.Background(), "transport.call")
	Fail(failed, errors.New("connection reset"), "peer call failed")
	failed.End()

	ended := rec.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, codes.Unset, ended[0].Status().Code)
	assert.Empty(t, ended[0].Events())
	assert.Equal(t, codes.Error, ended[1].Status().Code)
	assert.Equal(t, "peer call failed", ended[1].Status().Description)
	require.Len(t, ended[1].Events(), 1)
	assert.Equal(t, "exception", ended[1].Events()[0].Name)
}
