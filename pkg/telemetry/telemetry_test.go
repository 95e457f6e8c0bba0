// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_NilContext(t *testing.T) {
	_, err := Init(nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestInit_Noop(t *testing.T) {
	shutdown, err := Init(context.Background(), DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_UnknownExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "zipkin"
	_, err := Init(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrUnknownExporter)

	cfg = DefaultConfig()
	cfg.MetricExporter = "statsd"
	_, err = Init(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrUnknownExporter)
}

func TestInit_PrometheusServesMetrics(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MetricExporter = "prometheus"
	shutdown, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	defer shutdown(context.Background())

	m, err := NewMetrics(otel.Meter("telemetry_test"))
	require.NoError(t, err)
	m.TurnFinished(context.Background(), "completed", time.Second)

	h := MetricsHandler()
	require.NotNil(t, h)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vigil_turns")
}

func TestMetrics_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp.Meter("telemetry_test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.StreamOpened(ctx)
	m.RecordReceived(ctx, "message")
	m.RecordReceived(ctx, "message")
	m.RecordMalformed(ctx)
	m.StreamClosed(ctx, "done", 2*time.Second)
	m.UploadFinished(ctx, false, time.Millisecond)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if s, ok := md.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range s.DataPoints {
					sums[md.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(2), sums["vigil_stream_records_total"])
	assert.Equal(t, int64(1), sums["vigil_stream_malformed_records_total"])
	assert.Equal(t, int64(1), sums["vigil_streams_total"])
	assert.Equal(t, int64(0), sums["vigil_active_streams"])
	assert.Equal(t, int64(1), sums["vigil_uploads_total"])
}

func TestStartSpan_EndRecordsError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	ctx, span := StartSpan(context.Background(), TracerChat, "chat.send")
	assert.NotEmpty(t, TraceID(ctx))
	End(span, errors.New("boom"))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "chat.send", spans[0].Name())
	assert.Equal(t, "boom", spans[0].Status().Description)
	assert.Empty(t, TraceID(context.Background()))
}

func TestInjectContext_WritesTraceparent(t *testing.T) {
	installPropagator()
	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("telemetry_test").Start(context.Background(), "outgoing")
	defer span.End()

	h := http.Header{}
	InjectContext(ctx, h)
	assert.Contains(t, h.Get("traceparent"), span.SpanContext().TraceID().String())

	empty := http.Header{}
	InjectContext(context.Background(), empty)
	assert.Empty(t, empty.Get("traceparent"))
}
