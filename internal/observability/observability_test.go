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

package observability

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestRecordToolExecutionIncrementsCounterAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.RecordToolExecution("bash", 10*time.Millisecond, false)
	m.RecordToolExecution("bash", 20*time.Millisecond, true)

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "steer_tool_calls_total" {
			found = true
			require.Len(t, f.Metric, 2)
		}
	}
	require.True(t, found, "expected steer_tool_calls_total to be registered")
}

func TestRecordApprovalDecisionIncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.RecordApprovalDecision("allow")
	m.RecordApprovalDecision("allow")
	m.RecordApprovalDecision("deny")

	families, err := reg.Gather()
	require.NoError(t, err)

	var metrics []*dto.Metric
	for _, f := range families {
		if f.GetName() == "steer_approval_decisions_total" {
			metrics = f.Metric
		}
	}
	require.Len(t, metrics, 2)
}

func TestStartAndEndToolSpanDoesNotPanicWithoutProvider(t *testing.T) {
	ctx, span := StartToolSpan(context.Background(), "bash", "sess1", "tc1")
	require.NotNil(t, ctx)
	EndToolSpan(span, nil)
}

func TestNilMetricsRecordIsANoop(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.RecordToolExecution("bash", time.Millisecond, false)
		m.RecordApprovalDecision("allow")
	})
}
