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
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the vigil instruments. It satisfies the observer
// interfaces of the transport and chat packages.
type Metrics struct {
	// Streams
	StreamsTotal     metric.Int64Counter
	StreamDuration   metric.Float64Histogram
	ActiveStreams    metric.Int64UpDownCounter
	RecordsTotal     metric.Int64Counter
	MalformedRecords metric.Int64Counter
	UploadsTotal     metric.Int64Counter
	UploadDuration   metric.Float64Histogram

	// Turns
	TurnsTotal   metric.Int64Counter
	TurnDuration metric.Float64Histogram
}

// NewMetrics creates every instrument on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.StreamsTotal, err = meter.Int64Counter(
		"vigil_streams_total",
		metric.WithDescription("Chat streams by outcome"),
		metric.WithUnit("{stream}"),
	); err != nil {
		return nil, fmt.Errorf("create streams_total: %w", err)
	}

	if m.StreamDuration, err = meter.Float64Histogram(
		"vigil_stream_duration_seconds",
		metric.WithDescription("Chat stream duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	); err != nil {
		return nil, fmt.Errorf("create stream_duration: %w", err)
	}

	if m.ActiveStreams, err = meter.Int64UpDownCounter(
		"vigil_active_streams",
		metric.WithDescription("Currently open chat streams"),
		metric.WithUnit("{stream}"),
	); err != nil {
		return nil, fmt.Errorf("create active_streams: %w", err)
	}

	if m.RecordsTotal, err = meter.Int64Counter(
		"vigil_stream_records_total",
		metric.WithDescription("Workflow records received by kind"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, fmt.Errorf("create stream_records_total: %w", err)
	}

	if m.MalformedRecords, err = meter.Int64Counter(
		"vigil_stream_malformed_records_total",
		metric.WithDescription("Stream records skipped because they could not be decoded"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, fmt.Errorf("create malformed_records_total: %w", err)
	}

	if m.UploadsTotal, err = meter.Int64Counter(
		"vigil_uploads_total",
		metric.WithDescription("File uploads by result"),
		metric.WithUnit("{upload}"),
	); err != nil {
		return nil, fmt.Errorf("create uploads_total: %w", err)
	}

	if m.UploadDuration, err = meter.Float64Histogram(
		"vigil_upload_duration_seconds",
		metric.WithDescription("File upload duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return nil, fmt.Errorf("create upload_duration: %w", err)
	}

	if m.TurnsTotal, err = meter.Int64Counter(
		"vigil_turns_total",
		metric.WithDescription("Chat turns by outcome"),
		metric.WithUnit("{turn}"),
	); err != nil {
		return nil, fmt.Errorf("create turns_total: %w", err)
	}

	if m.TurnDuration, err = meter.Float64Histogram(
		"vigil_turn_duration_seconds",
		metric.WithDescription("Time from send to the end of the turn"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	); err != nil {
		return nil, fmt.Errorf("create turn_duration: %w", err)
	}

	return m, nil
}

// StreamOpened records a new stream.
func (m *Metrics) StreamOpened(ctx context.Context) {
	m.ActiveStreams.Add(ctx, 1)
}

// RecordReceived counts one decoded record.
func (m *Metrics) RecordReceived(ctx context.Context, kind string) {
	m.RecordsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordMalformed counts one skipped record.
func (m *Metrics) RecordMalformed(ctx context.Context) {
	m.MalformedRecords.Add(ctx, 1)
}

// StreamClosed records the end of a stream.
func (m *Metrics) StreamClosed(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.ActiveStreams.Add(ctx, -1)
	m.StreamsTotal.Add(ctx, 1, attrs)
	m.StreamDuration.Record(ctx, d.Seconds(), attrs)
}

// UploadFinished records one upload attempt.
func (m *Metrics) UploadFinished(ctx context.Context, ok bool, d time.Duration) {
	result := "ok"
	if !ok {
		result = "error"
	}
	attrs := metric.WithAttributes(attribute.String("result", result))
	m.UploadsTotal.Add(ctx, 1, attrs)
	m.UploadDuration.Record(ctx, d.Seconds(), attrs)
}

// TurnFinished records the end of a chat turn.
func (m *Metrics) TurnFinished(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.TurnsTotal.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, d.Seconds(), attrs)
}
