// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 工作流指标收集器。nil *Collector 上的 Record* 调用为空操作.
type Collector struct {
	registry *prometheus.Registry

	// 调度与监督
	stageSelections    *prometheus.CounterVec
	supervisorVerdicts *prometheus.CounterVec
	backtracks         *prometheus.CounterVec
	gateExceeded       *prometheus.CounterVec

	// 人工介入
	escalations     *prometheus.CounterVec
	askUserAnswers  *prometheus.CounterVec
	awaitingInput   prometheus.Gauge

	// 检查点
	checkpointSaves *prometheus.CounterVec

	// 执行
	stepDuration  *prometheus.HistogramVec
	collaborators *prometheus.HistogramVec
	runsFinished  *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 在新的 Registry 上创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegistry(namespace, prometheus.NewRegistry(), logger)
}

// NewCollectorWithRegistry 在指定 Registry 上注册指标
func NewCollectorWithRegistry(namespace string, reg *prometheus.Registry, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.stageSelections = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_selections_total",
			Help:      "Scheduler outcomes by kind",
		},
		[]string{"kind"},
	)

	c.supervisorVerdicts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supervisor_verdicts_total",
			Help:      "Supervisor decisions by verdict",
		},
		[]string{"verdict"},
	)

	c.backtracks = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backtracks_total",
			Help:      "Backtracks by outcome (applied, rejected)",
		},
		[]string{"outcome"},
	)

	c.gateExceeded = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revision_gate_exceeded_total",
			Help:      "Revision gates that hit their limit",
		},
		[]string{"gate"},
	)

	c.escalations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Human escalations by trigger",
		},
		[]string{"trigger"},
	)

	c.askUserAnswers = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ask_user_answers_total",
			Help:      "Processed answers by trigger and result (accepted, reask, forced)",
		},
		[]string{"trigger", "result"},
	)

	c.awaitingInput = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "awaiting_input",
			Help:      "1 while the run is suspended waiting for input",
		},
	)

	c.checkpointSaves = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_saves_total",
			Help:      "Checkpoint saves by label and status",
		},
		[]string{"label", "status"},
	)

	c.stepDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Runner step duration by phase",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
		},
		[]string{"phase"},
	)

	c.collaborators = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collaborator_duration_seconds",
			Help:      "Collaborator call duration",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"collaborator", "status"},
	)

	c.runsFinished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Finished runs by reason",
		},
		[]string{"reason"},
	)

	return c
}

// Registry 返回承载指标的 Registry，供 /metrics 暴露
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// =============================================================================
// 📝 记录方法
// =============================================================================

// RecordStageSelection 记录一次调度结果
func (c *Collector) RecordStageSelection(kind string) {
	if c == nil {
		return
	}
	c.stageSelections.WithLabelValues(kind).Inc()
}

// RecordSupervisorVerdict 记录监督决策
func (c *Collector) RecordSupervisorVerdict(verdict string) {
	if c == nil {
		return
	}
	c.supervisorVerdicts.WithLabelValues(verdict).Inc()
}

// RecordBacktrack 记录回溯（applied / rejected）
func (c *Collector) RecordBacktrack(outcome string) {
	if c == nil {
		return
	}
	c.backtracks.WithLabelValues(outcome).Inc()
}

// RecordGateExceeded 记录修订闸门耗尽
func (c *Collector) RecordGateExceeded(gate string) {
	if c == nil {
		return
	}
	c.gateExceeded.WithLabelValues(gate).Inc()
}

// RecordEscalation 记录人工升级并置位等待指标
func (c *Collector) RecordEscalation(trigger string) {
	if c == nil {
		return
	}
	c.escalations.WithLabelValues(trigger).Inc()
	c.awaitingInput.Set(1)
}

// RecordAnswer 记录答案处理结果
func (c *Collector) RecordAnswer(trigger, result string) {
	if c == nil {
		return
	}
	c.askUserAnswers.WithLabelValues(trigger, result).Inc()
	if result != "reask" {
		c.awaitingInput.Set(0)
	}
}

// RecordCheckpointSave 记录检查点写入
func (c *Collector) RecordCheckpointSave(label string, err error) {
	if c == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.checkpointSaves.WithLabelValues(label, status).Inc()
}

// RecordStep 记录一次 Step 的耗时
func (c *Collector) RecordStep(phase string, duration time.Duration) {
	if c == nil {
		return
	}
	c.stepDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordCollaborator 记录协作者调用
func (c *Collector) RecordCollaborator(name string, duration time.Duration, err error) {
	if c == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.collaborators.WithLabelValues(name, status).Observe(duration.Seconds())
}

// RecordRunFinished 记录运行结束
func (c *Collector) RecordRunFinished(reason string) {
	if c == nil {
		return
	}
	c.runsFinished.WithLabelValues(reason).Inc()
	c.awaitingInput.Set(0)
}
