// Package metrics exposes Prometheus instrumentation for the lending services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "shelfkey"

// Metrics holds the collectors updated by the services
type Metrics struct {
	DevicesRegistered   prometheus.Counter
	DevicesDeactivated  prometheus.Counter
	LoansCreated        *prometheus.CounterVec
	LoansEnded          *prometheus.CounterVec
	CapRejections       *prometheus.CounterVec
	LicensesIssued      prometheus.Counter
	LicensesRenewed     *prometheus.CounterVec
	LicensesRevoked     prometheus.Counter
	SweepRuns           prometheus.Counter
	SweepFailures       prometheus.Counter
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers the collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DevicesRegistered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "devices_registered_total",
			Help: "Devices registered.",
		}),
		DevicesDeactivated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "devices_deactivated_total",
			Help: "Devices deactivated by their owners.",
		}),
		LoansCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "loans_created_total",
			Help: "Loans created, by loan type.",
		}, []string{"loan_type"}),
		LoansEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "loans_ended_total",
			Help: "Loans that reached a terminal state, by outcome.",
		}, []string{"outcome"}),
		CapRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cap_rejections_total",
			Help: "Requests rejected by a per-user cap or uniqueness rule.",
		}, []string{"rule"}),
		LicensesIssued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "licenses_issued_total",
			Help: "New licenses issued.",
		}),
		LicensesRenewed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "licenses_renewed_total",
			Help: "License renewals, by trigger.",
		}, []string{"trigger"}),
		LicensesRevoked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "licenses_revoked_total",
			Help: "Licenses revoked when their loan ended.",
		}),
		SweepRuns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "renewal_sweep_runs_total",
			Help: "Renewal sweep passes.",
		}),
		SweepFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "renewal_sweep_failures_total",
			Help: "Licenses the renewal sweep could not renew.",
		}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}
