package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/simplesurance/forksyncd/internal/logfields"
)

const metricNamespace = "forksyncd"

const (
	runsMetricName    = "pipeline_runs_total"
	buildsMetricName  = "image_builds_total"
	deploysMetricName = "deployments_total"
	phaseMetricName   = "pipeline_phase"
)

const resultLabel = "result"

type resultLabelVal string

const (
	resultLabelSuccessVal  resultLabelVal = "success"
	resultLabelNoChangeVal resultLabelVal = "nochange"
	resultLabelFailureVal  resultLabelVal = "failure"
	resultLabelConflictVal resultLabelVal = "conflict"
)

type metricCollector struct {
	logger  *zap.Logger
	runs    *prometheus.CounterVec
	builds  prometheus.Counter
	deploys *prometheus.CounterVec
	phase   prometheus.Gauge
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		logger: zap.L().Named(loggerName).Named("metrics"),
		runs: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      runsMetricName,
				Help:      "count of pipeline runs by result",
			},
			[]string{resultLabel},
		),
		builds: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      buildsMetricName,
				Help:      "count of executed image builds",
			},
		),
		deploys: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      deploysMetricName,
				Help:      "count of deployments by result",
			},
			[]string{resultLabel},
		),
		phase: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      phaseMetricName,
				Help:      "current pipeline phase, 0=idle 1=merging 2=reconciling 3=building 4=deploying 5=blocked",
			},
		),
	}
}

func (m *metricCollector) logGetMetricFailed(metricName string, err error) {
	m.logger.Warn(
		"could not record metric",
		zap.String("metric", metricName),
		logfields.Event("recording_metric_failed"),
		zap.Error(err),
	)
}

func (m *metricCollector) RunsInc(result resultLabelVal) {
	cnt, err := m.runs.GetMetricWith(prometheus.Labels{resultLabel: string(result)})
	if err != nil {
		m.logGetMetricFailed(runsMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) BuildsInc() {
	m.builds.Inc()
}

func (m *metricCollector) DeploysInc(result resultLabelVal) {
	cnt, err := m.deploys.GetMetricWith(prometheus.Labels{resultLabel: string(result)})
	if err != nil {
		m.logGetMetricFailed(deploysMetricName, err)
		return
	}

	cnt.Inc()
}

var phaseGaugeVals = map[string]float64{
	"idle":        0,
	"merging":     1,
	"reconciling": 2,
	"building":    3,
	"deploying":   4,
	"blocked":     5,
}

func (m *metricCollector) SetPhase(phase string) {
	m.phase.Set(phaseGaugeVals[phase])
}
