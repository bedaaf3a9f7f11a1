// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observability wires tracing spans and Prometheus metrics around
// tool execution and turn processing. It is deliberately smaller than a
// full APM layer: one tracer, one metrics set, no exporter-selection
// machinery beyond a stdout trace exporter for local development.
package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "steer-sub001/runtime"

// tracerName identifies spans emitted by this package in exported traces.
var tracerName = instrumentationName

// Tracer returns the tracer this package's spans are recorded under. It is
// a thin wrapper over the global otel tracer provider so callers never need
// to thread a *sdktrace.TracerProvider through the executor/runtime.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// NewStdoutTracerProvider builds a TracerProvider that writes spans to the
// given io.Writer via the stdout exporter, for local development and tests.
// Production embedders are expected to install their own provider (OTLP,
// Jaeger, etc.) with otel.SetTracerProvider before constructing a Runtime.
func NewStdoutTracerProvider(exporter sdktrace.SpanExporter) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
}

// Metrics holds the Prometheus collectors for tool-call counts, durations,
// and approval outcomes.
type Metrics struct {
	toolCalls         *prometheus.CounterVec
	toolDuration      *prometheus.HistogramVec
	approvalDecisions *prometheus.CounterVec
}

// NewMetrics registers the collectors against reg. Passing
// prometheus.NewRegistry() (rather than the global DefaultRegisterer) keeps
// tests isolated from each other's collector registrations.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "steer",
			Subsystem: "tool",
			Name:      "calls_total",
			Help:      "Tool executions by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "steer",
			Subsystem: "tool",
			Name:      "duration_seconds",
			Help:      "Tool execution latency by tool name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		approvalDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "steer",
			Subsystem: "approval",
			Name:      "decisions_total",
			Help:      "Approval decisions by outcome.",
		}, []string{"decision"}),
	}
	for _, c := range []prometheus.Collector{m.toolCalls, m.toolDuration, m.approvalDecisions} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordToolExecution records one tool call's outcome and latency.
func (m *Metrics) RecordToolExecution(toolName string, duration time.Duration, isError bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if isError {
		outcome = "error"
	}
	m.toolCalls.WithLabelValues(toolName, outcome).Inc()
	m.toolDuration.WithLabelValues(toolName).Observe(duration.Seconds())
}

// RecordApprovalDecision records one approval-policy outcome.
func (m *Metrics) RecordApprovalDecision(decision string) {
	if m == nil {
		return
	}
	m.approvalDecisions.WithLabelValues(decision).Inc()
}

// StartToolSpan starts a span around one tool execution, tagged with the
// tool name and session/tool-call identifiers.
func StartToolSpan(ctx context.Context, toolName, sessionID, toolCallID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("tool.name", toolName),
		attribute.String("session.id", sessionID),
		attribute.String("tool_call.id", toolCallID),
	))
}

// EndToolSpan records the outcome of a tool execution on span and closes it.
func EndToolSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
