package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CheckInsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rollcall", Name: "checkins_accepted_total", Help: "Accepted check-ins",
	})
	CheckInsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rollcall", Name: "checkins_rejected_total", Help: "Rejected check-ins by reason",
	}, []string{"reason"})
	SessionsClosed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rollcall", Name: "sessions_closed_total", Help: "Sessions transitioned to closed",
	})
	AbsentBackfilled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rollcall", Name: "absent_records_backfilled_total", Help: "Absent rows inserted at close",
	})
	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rollcall", Name: "sweep_seconds", Help: "Expiry sweep latency",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(CheckInsAccepted, CheckInsRejected, SessionsClosed, AbsentBackfilled, SweepDuration)
}

func Handler() http.Handler { return promhttp.Handler() }

func ObserveSweep(d time.Duration) { SweepDuration.Observe(d.Seconds()) }
