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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}
	cfg.SetDefaults()

	assert.Equal(t, "parachute-agent", cfg.Tracing.ServiceName)
	assert.Equal(t, "otlp", cfg.Tracing.Exporter)
	assert.Equal(t, 1.0, cfg.Tracing.SamplingRate)
	assert.True(t, cfg.Tracing.IsInsecure())
	assert.Equal(t, "/metrics", cfg.Metrics.Endpoint)
	assert.Equal(t, "parachute", cfg.Metrics.Namespace)
	require.NoError(t, cfg.Validate())
}

func TestConfig_RejectsBadSamplingRate(t *testing.T) {
	cfg := Config{Tracing: TracingConfig{Enabled: true, SamplingRate: 2.0}}
	cfg.SetDefaults()
	// SetDefaults leaves an explicit non-zero rate alone.
	require.Error(t, cfg.Validate())
}

func TestDisabledManager_IsNoop(t *testing.T) {
	m := NoopManager()
	require.NoError(t, m.Initialize(context.Background()))

	// Recording through a disabled manager must not panic.
	rec := m.Metrics()
	rec.RecordExecution(context.Background(), "agents/helper.md", 100*time.Millisecond, 1, nil)
	rec.RecordToolExecution(context.Background(), "write", 50*time.Millisecond, nil)
	rec.RecordLLMCall(context.Background(), "test-model", time.Second, 10, 5, nil)

	assert.False(t, m.MetricsEnabled())
	assert.NotNil(t, m.Tracer("test"))
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestNilRecorder_IsSafe(t *testing.T) {
	var rec *PrometheusMetrics
	rec.RecordExecution(context.Background(), "agents/helper.md", time.Millisecond, 0, nil)
	rec.RecordToolExecution(context.Background(), "read", time.Millisecond, nil)
	rec.RecordLLMCall(context.Background(), "m", time.Millisecond, 1, 1, nil)
}
