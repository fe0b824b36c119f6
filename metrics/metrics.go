package metrics

import (
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsNamespace = "coordinator"
)

var (
	nonAlphanumericRegex = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	requestsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "requests_finished_total",
		Help:      "Count of finished requests by kind and terminal status",
	}, []string{
		"kind",
		"status",
	})

	requestDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "request_duration_seconds",
		Help:      "Duration of the most recent finished request",
	}, []string{
		"kind",
	})

	testCasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "test_cases_total",
		Help:      "Count of executed test cases by outcome",
	}, []string{
		"result",
	})

	pollTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "poll_ticks_total",
		Help:      "Count of background poller ticks",
	})

	pollErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "poll_errors_total",
		Help:      "Count of poller ticks that failed",
	})

	dispatchBusy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "dispatch_busy",
		Help:      "Whether the dispatcher is currently executing a request of this kind",
	}, []string{
		"kind",
	})

	consoleLogsCaptured = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "console_logs_captured_total",
		Help:      "Count of console log events captured",
	}, []string{
		"level",
	})

	consoleLogsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "console_logs_dropped_total",
		Help:      "Count of console log events dropped by queue backpressure",
	})

	orphansRecovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "orphans_recovered_total",
		Help:      "Count of orphaned running rows resolved after a restart",
	}, []string{
		"kind",
		"resolution",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	RecordError(label + "." + errToLabel(err))
}

func RecordRequestFinished(kind, status string, duration time.Duration) {
	requestsFinished.WithLabelValues(kind, status).Inc()
	requestDuration.WithLabelValues(kind).Set(duration.Seconds())
}

func RecordTestCases(passed, failed, skipped int) {
	testCasesTotal.WithLabelValues("passed").Add(float64(passed))
	testCasesTotal.WithLabelValues("failed").Add(float64(failed))
	testCasesTotal.WithLabelValues("skipped").Add(float64(skipped))
}

func RecordPollTick() {
	pollTicksTotal.Inc()
}

func RecordPollError(err error) {
	pollErrorsTotal.Inc()
	RecordErrorDetails("poll_tick", err)
}

func RecordDispatchBusy(kind string, busy bool) {
	v := 0.0
	if busy {
		v = 1.0
	}
	dispatchBusy.WithLabelValues(kind).Set(v)
}

func RecordConsoleLogCaptured(level string) {
	consoleLogsCaptured.WithLabelValues(level).Inc()
}

func RecordConsoleLogsDropped(n int) {
	consoleLogsDropped.Add(float64(n))
}

func RecordOrphanRecovered(kind, resolution string) {
	orphansRecovered.WithLabelValues(kind, resolution).Inc()
}
