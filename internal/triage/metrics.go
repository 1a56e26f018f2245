package triage

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"

	"github.com/simplesurance/automerge/internal/logfields"
)

const metricNamespace = "automerge"

const metricsJobName = "automerge"

const (
	prsClassifiedMetricName = "pull_requests_classified_total"
	actionsMetricName       = "actions_total"
	failuresMetricName      = "pull_request_failures_total"
	runDurationMetricName   = "run_duration_seconds"
	lastRunMetricName       = "last_run_timestamp_seconds"
)

const (
	repositoryLabel = "repository"
	stateLabel      = "state"
	actionLabel     = "action"
	kindLabel       = "kind"
)

type failureKindLabelVal string

const (
	failureKindTransient failureKindLabelVal = "transient"
	failureKindPermanent failureKindLabelVal = "permanent"
)

type metricCollector struct {
	logger        *zap.Logger
	registry      *prometheus.Registry
	prsClassified *prometheus.CounterVec
	actions       *prometheus.CounterVec
	failures      *prometheus.CounterVec
	runDuration   prometheus.Gauge
	lastRun       prometheus.Gauge
}

func newMetricCollector() *metricCollector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &metricCollector{
		logger:   zap.L().Named(loggerName).Named("metrics"),
		registry: registry,
		prsClassified: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      prsClassifiedMetricName,
				Help:      "count of classified pull requests",
			},
			[]string{repositoryLabel, stateLabel},
		),
		actions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      actionsMetricName,
				Help:      "count of write operations done on pull requests",
			},
			[]string{repositoryLabel, actionLabel},
		),
		failures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      failuresMetricName,
				Help:      "count of pull requests whose processing failed",
			},
			[]string{repositoryLabel, kindLabel},
		),
		runDuration: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      runDurationMetricName,
				Help:      "duration of the last triage run",
			},
		),
		lastRun: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      lastRunMetricName,
				Help:      "unix time when the last triage run finished",
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

func repositoryLabelVal(owner, repo string) string {
	return fmt.Sprintf("%s/%s", owner, repo)
}

func (m *metricCollector) ClassifiedInc(owner, repo string, state State) {
	cnt, err := m.prsClassified.GetMetricWith(prometheus.Labels{
		repositoryLabel: repositoryLabelVal(owner, repo),
		stateLabel:      string(state),
	})
	if err != nil {
		m.logGetMetricFailed(prsClassifiedMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) ActionsInc(owner, repo string, actions []Action) {
	for _, a := range actions {
		cnt, err := m.actions.GetMetricWith(prometheus.Labels{
			repositoryLabel: repositoryLabelVal(owner, repo),
			actionLabel:     string(a),
		})
		if err != nil {
			m.logGetMetricFailed(actionsMetricName, err)
			return
		}

		cnt.Inc()
	}
}

func (m *metricCollector) FailuresInc(owner, repo string, kind failureKindLabelVal) {
	cnt, err := m.failures.GetMetricWith(prometheus.Labels{
		repositoryLabel: repositoryLabelVal(owner, repo),
		kindLabel:       string(kind),
	})
	if err != nil {
		m.logGetMetricFailed(failuresMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) RunFinished(report *RunReport) {
	m.runDuration.Set(report.EndTime.Sub(report.StartTime).Seconds())
	m.lastRun.Set(float64(report.EndTime.Unix()))
}

// Push sends the metrics to a Prometheus Pushgateway.
func (m *metricCollector) Push(ctx context.Context, pushgatewayURL string) error {
	return push.New(pushgatewayURL, metricsJobName).Gatherer(m.registry).PushContext(ctx)
}
