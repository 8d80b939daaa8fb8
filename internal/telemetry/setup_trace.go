// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package telemetry provides utilities for setting up and configuring
// application observability, including logging, tracing, and metrics.
// This file initializes the OpenTelemetry SDK. The exporter is selected by
// `application.telemetry_exporter`:
//   - "gcp": Cloud Trace and Cloud Monitoring.
//   - "stdout": pretty-printed spans on stdout.
//   - "otlp": OTLP over HTTP to `application.otlp_endpoint`.
//   - "none": propagators only; the no-op global providers stay in place.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	mexporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/metric"
	telemetryexporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"go.opentelemetry.io/contrib/detectors/gcp"
	"go.opentelemetry.io/contrib/propagators/autoprop"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/cloud"
)

// SetupOpenTelemetry configures tracing and metrics for the whole process.
//
// Inputs:
//   - ctx: The parent context, used for initialization of clients.
//   - config: The application configuration (service name, project, exporter).
//
// Outputs:
//   - shutdown: Flushes and stops every provider; call it on exit.
//   - err: An error if any part of the setup fails.
func SetupOpenTelemetry(ctx context.Context, config *cloud.Config) (shutdown func(context.Context) error, err error) {
	var shutdownFuncs []func(context.Context) error
	shutdown = func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}

	otel.SetTextMapPropagator(autoprop.NewTextMapPropagator())

	exporter := config.Application.TelemetryExporter
	if exporter == "" || exporter == "none" {
		return shutdown, nil
	}

	res, err := resource.New(ctx,
		resource.WithDetectors(gcp.NewDetector()),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.Application.Name),
		),
	)
	if errors.Is(err, resource.ErrPartialResource) || errors.Is(err, resource.ErrSchemaURLConflict) {
		slog.Warn("partial resource detection", "error", err)
	} else if err != nil {
		return nil, fmt.Errorf("resource detection: %w", err)
	}

	var spanExporter sdktrace.SpanExporter
	switch exporter {
	case "gcp":
		spanExporter, err = telemetryexporter.New(telemetryexporter.WithProjectID(config.Application.GoogleProjectId))
	case "stdout":
		spanExporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		opts := []otlptracehttp.Option{}
		if config.Application.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(config.Application.OTLPEndpoint), otlptracehttp.WithInsecure())
		}
		spanExporter, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown telemetry exporter %q", exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to set up %s trace exporter: %w", exporter, err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spanExporter),
		sdktrace.WithResource(res),
	)
	shutdownFuncs = append(shutdownFuncs, tp.Shutdown)
	otel.SetTracerProvider(tp)

	// Cloud Monitoring is the only metric backend; other exporters keep the no-op meter.
	if exporter == "gcp" {
		mExporter, err := mexporter.New(mexporter.WithProjectID(config.Application.GoogleProjectId))
		if err != nil {
			return nil, errors.Join(fmt.Errorf("failed to create metric exporter: %w", err), shutdown(ctx))
		}
		mProvider := metric.NewMeterProvider(
			metric.WithReader(metric.NewPeriodicReader(mExporter)),
			metric.WithResource(res),
		)
		shutdownFuncs = append(shutdownFuncs, mProvider.Shutdown)
		otel.SetMeterProvider(mProvider)
	}

	return shutdown, nil
}
