// Copyright 2025 Open Parachute PBC
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

package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics builds the Prometheus-backed metrics recorder. Disabled
// metrics yield an empty, nil-safe recorder.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*PrometheusMetrics, error) {
	if !cfg.Enabled {
		return &PrometheusMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)
	meter := meterProvider.Meter(cfg.Namespace)
	name := func(suffix string) string { return cfg.Namespace + "_" + suffix }

	execDuration, err := meter.Float64Histogram(
		name("execution_duration_seconds"),
		metric.WithDescription("Agent execution duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create execution duration histogram: %w", err)
	}

	execTotal, err := meter.Int64Counter(
		name("executions_total"),
		metric.WithDescription("Total agent executions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create executions counter: %w", err)
	}

	execErrors, err := meter.Int64Counter(
		name("execution_errors_total"),
		metric.WithDescription("Total failed agent executions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create execution errors counter: %w", err)
	}

	spawnsTotal, err := meter.Int64Counter(
		name("spawns_total"),
		metric.WithDescription("Total child agents spawned"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create spawns counter: %w", err)
	}

	toolDuration, err := meter.Float64Histogram(
		name("tool_execution_duration_seconds"),
		metric.WithDescription("Tool execution duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}

	toolCalls, err := meter.Int64Counter(
		name("tool_calls_total"),
		metric.WithDescription("Total tool calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}

	toolErrors, err := meter.Int64Counter(
		name("tool_errors_total"),
		metric.WithDescription("Total tool errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool errors counter: %w", err)
	}

	llmDuration, err := meter.Float64Histogram(
		name("llm_request_duration_seconds"),
		metric.WithDescription("Upstream LLM request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}

	llmInputTokens, err := meter.Int64Counter(
		name("llm_tokens_input_total"),
		metric.WithDescription("Total input tokens sent upstream"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm input tokens counter: %w", err)
	}

	llmOutputTokens, err := meter.Int64Counter(
		name("llm_tokens_output_total"),
		metric.WithDescription("Total output tokens received from upstream"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm output tokens counter: %w", err)
	}

	llmErrors, err := meter.Int64Counter(
		name("llm_errors_total"),
		metric.WithDescription("Total upstream LLM errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	return &PrometheusMetrics{
		execDuration:    execDuration,
		execTotal:       execTotal,
		execErrors:      execErrors,
		spawnsTotal:     spawnsTotal,
		toolDuration:    toolDuration,
		toolCalls:       toolCalls,
		toolErrors:      toolErrors,
		llmDuration:     llmDuration,
		llmInputTokens:  llmInputTokens,
		llmOutputTokens: llmOutputTokens,
		llmErrors:       llmErrors,
	}, nil
}
