package app

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dkeye/sfucore/internal/domain"
)

// Metrics holds the per-media-type collectors. One instance per Manager.
type Metrics struct {
	Sessions prometheus.GaugeFunc
	Requests prometheus.Counter
	Errors   *prometheus.CounterVec
}

func NewMetrics(media domain.MediaType, reg prometheus.Registerer, sessionCount func() float64) *Metrics {
	m := &Metrics{
		Sessions: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: fmt.Sprintf("sfu_%s_sessions", media),
			Help: "Number of live sessions.",
		}, sessionCount),
		Requests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("sfu_%s_reqs_total", media),
			Help: "Inbound bus messages processed.",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("sfu_%s_errors_total", media),
			Help: "Errors surfaced to clients.",
		}, []string{"method", "errorCode"}),
	}
	if reg != nil {
		reg.MustRegister(m.Sessions, m.Requests, m.Errors)
	}
	return m
}

// CountError increments the labelled error counter.
func (m *Metrics) CountError(method string, code int) {
	m.Errors.WithLabelValues(method, fmt.Sprintf("%d", code)).Inc()
}
