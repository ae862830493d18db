package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := NewCollector("test", zap.NewNop())

	assert.NotNil(t, collector.Registry())
	assert.NotNil(t, collector.stageSelections)
	assert.NotNil(t, collector.escalations)
	assert.NotNil(t, collector.checkpointSaves)
	assert.NotNil(t, collector.stepDuration)
}

func TestNewCollector_SeparateRegistries(t *testing.T) {
	// 同一 namespace 在不同 Registry 上不会重复注册 panic
	assert.NotPanics(t, func() {
		NewCollector("dup", nil)
		NewCollector("dup", nil)
	})
}

func TestCollector_RecordStageSelection(t *testing.T) {
	collector := NewCollector("test", zap.NewNop())

	collector.RecordStageSelection("stage")
	collector.RecordStageSelection("stage")
	collector.RecordStageSelection("done")

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.stageSelections.WithLabelValues("stage")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.stageSelections.WithLabelValues("done")))
}

func TestCollector_EscalationLifecycle(t *testing.T) {
	collector := NewCollector("test", zap.NewNop())

	collector.RecordEscalation("material_checkpoint")
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.awaitingInput))

	collector.RecordAnswer("material_checkpoint", "reask")
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.awaitingInput))

	collector.RecordAnswer("material_checkpoint", "accepted")
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.awaitingInput))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.escalations.WithLabelValues("material_checkpoint")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.askUserAnswers.WithLabelValues("material_checkpoint", "reask")))
}

func TestCollector_RecordCheckpointSave(t *testing.T) {
	collector := NewCollector("test", zap.NewNop())

	collector.RecordCheckpointSave("awaiting_input", nil)
	collector.RecordCheckpointSave("awaiting_input", errors.New("disk full"))

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.checkpointSaves.WithLabelValues("awaiting_input", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.checkpointSaves.WithLabelValues("awaiting_input", "error")))
}

func TestCollector_Durations(t *testing.T) {
	collector := NewCollector("test", zap.NewNop())

	collector.RecordStep("design", 200*time.Millisecond)
	collector.RecordCollaborator("designer", time.Second, nil)
	collector.RecordCollaborator("designer", time.Second, assert.AnError)

	assert.Equal(t, 1, testutil.CollectAndCount(collector.stepDuration))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.collaborators))
}

func TestCollector_Gather(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollectorWithRegistry("reproflow", reg, nil)

	collector.RecordSupervisorVerdict("ok_continue")
	collector.RecordBacktrack("applied")
	collector.RecordGateExceeded("code_review")
	collector.RecordRunFinished("all stages complete")

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["reproflow_supervisor_verdicts_total"])
	assert.True(t, names["reproflow_backtracks_total"])
	assert.True(t, names["reproflow_revision_gate_exceeded_total"])
	assert.True(t, names["reproflow_runs_finished_total"])
}

func TestCollector_NilSafe(t *testing.T) {
	var collector *Collector
	assert.NotPanics(t, func() {
		collector.RecordStageSelection("stage")
		collector.RecordEscalation("x")
		collector.RecordAnswer("x", "accepted")
		collector.RecordCheckpointSave("x", nil)
		collector.RecordStep("x", time.Second)
		collector.RecordCollaborator("x", time.Second, nil)
		collector.RecordRunFinished("x")
		collector.RecordSupervisorVerdict("x")
		collector.RecordBacktrack("x")
		collector.RecordGateExceeded("x")
	})
}
