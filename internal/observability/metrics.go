package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricBrowserLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browserkit",
		Name:      "browser_launches_total",
		Help:      "Browser processes spawned, by family and outcome.",
	}, []string{"family", "outcome"})
	metricTargetCrashes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browserkit",
		Name:      "target_crashes_total",
		Help:      "Crashes of the primary target surfaced to the caller.",
	}, []string{"browser"})
	metricProtocolReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "browserkit",
		Name:      "protocol_reconnects_total",
		Help:      "Successful re-establishments of a dropped protocol connection.",
	})
	metricInflightRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "browserkit",
		Name:      "protocol_inflight_requests",
		Help:      "Protocol commands awaiting a response.",
	})
	metricDownloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browserkit",
		Name:      "downloads_total",
		Help:      "Downloads observed, by terminal state.",
	}, []string{"state"})
)

// RecordLaunch counts a launch attempt.
func RecordLaunch(family string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metricBrowserLaunches.WithLabelValues(family, outcome).Inc()
}

func RecordCrash(browser string) {
	metricTargetCrashes.WithLabelValues(browser).Inc()
}

func RecordReconnect() {
	metricProtocolReconnects.Inc()
}

// TrackInflight adjusts the in-flight request gauge by delta.
func TrackInflight(delta int) {
	metricInflightRequests.Add(float64(delta))
}

func RecordDownload(state string) {
	metricDownloads.WithLabelValues(state).Inc()
}
