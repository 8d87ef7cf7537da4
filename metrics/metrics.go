// Package metrics exposes booking engine counters to Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/booking-engine/generic"
)

// Recorder holds the engine's collectors. A nil *Recorder records nothing.
type Recorder struct {
	gatherer prometheus.Gatherer

	bookingsCreated   *prometheus.CounterVec
	admissionRejected *prometheus.CounterVec
	compensations     *prometheus.CounterVec
	choicesPending    prometheus.Gauge
	admissionDuration prometheus.Histogram
}

// New registers the collectors on a fresh registry.
func New() *Recorder {
	return NewWithRegistry(prometheus.NewRegistry())
}

func NewWithRegistry(reg *prometheus.Registry) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		gatherer: reg,
		bookingsCreated: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookings_created_total",
				Help: "Bookings admitted, by payment method",
			},
			[]string{"payment_method"},
		),
		admissionRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "booking_admission_rejections_total",
				Help: "Booking requests rejected, by reason",
			},
			[]string{"reason"},
		),
		compensations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "booking_compensations_total",
				Help: "Cancelled bookings compensated, by outcome",
			},
			[]string{"outcome"},
		),
		choicesPending: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "booking_choices_pending",
				Help: "Bookings of cancelled sessions waiting for the user's choice",
			},
		),
		admissionDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "booking_admission_duration_seconds",
				Help:    "Duration of the admission transaction",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
		),
	}
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

func (r *Recorder) BookingCreated(method generic.PaymentMethod) {
	if r == nil {
		return
	}
	r.bookingsCreated.WithLabelValues(string(method)).Inc()
}

func (r *Recorder) AdmissionRejected(reason string) {
	if r == nil {
		return
	}
	r.admissionRejected.WithLabelValues(reason).Inc()
}

func (r *Recorder) Compensated(outcome generic.Outcome) {
	if r == nil {
		return
	}
	r.compensations.WithLabelValues(string(outcome)).Inc()
}

// ChoicesPending moves the pending-choice gauge by delta.
func (r *Recorder) ChoicesPending(delta int) {
	if r == nil {
		return
	}
	r.choicesPending.Add(float64(delta))
}

func (r *Recorder) ObserveAdmission(d time.Duration) {
	if r == nil {
		return
	}
	r.admissionDuration.Observe(d.Seconds())
}

// RejectionReason maps an admission error to a low-cardinality label.
func RejectionReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, generic.ErrCapacityExceeded):
		return "capacity"
	case errors.Is(err, generic.ErrSessionCancelled):
		return "session_cancelled"
	case generic.IsEntitlementError(err):
		return "entitlement"
	case generic.IsNotFound(err):
		return "not_found"
	case generic.IsClientError(err):
		return "invalid"
	}
	return "error"
}
