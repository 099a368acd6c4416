package location

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	registry   *prometheus.Registry
	proofs     *prometheus.CounterVec
	reports    *prometheus.CounterVec
	certified  prometheus.Counter
	nonces     *prometheus.CounterVec
	suspicions prometheus.Counter
	epoch      prometheus.Gauge
}

// newMetrics registers the metrics of an engine. Every engine has its own
// registry so that several of them can run in one process.
func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &metrics{
		registry: reg,
		proofs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hdlt_proofs_total",
			Help: "Witness proofs submitted, by result.",
		}, []string{"result"}),
		reports: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hdlt_reports_total",
			Help: "Location reports submitted, by result.",
		}, []string{"result"}),
		certified: f.NewCounter(prometheus.CounterOpts{
			Name: "hdlt_certified_total",
			Help: "Location reports certified.",
		}),
		nonces: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hdlt_nonces_issued_total",
			Help: "Nonces handed out, by channel.",
		}, []string{"channel"}),
		suspicions: f.NewCounter(prometheus.CounterOpts{
			Name: "hdlt_audit_suspicions_total",
			Help: "Witnesses found suspicious by the audit of closed epochs.",
		}),
		epoch: f.NewGauge(prometheus.GaugeOpts{
			Name: "hdlt_epoch",
			Help: "Current epoch.",
		}),
	}
}
