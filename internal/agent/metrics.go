package agent

import (
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/temoto/guardian/internal/link"
	"github.com/temoto/guardian/internal/upload"
)

// Metrics of the telemetry loop. Nil *Metrics is valid and records nothing.
type Metrics struct {
	Uploads        *prometheus.CounterVec
	UploadDuration prometheus.Histogram
	Failures       prometheus.Gauge
	Escalations    prometheus.Counter
	LinkState      prometheus.Gauge
	ReadErrors     *prometheus.CounterVec
	LogErrors      prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_agent_uploads_total",
			Help: "Upload attempts by outcome.",
		}, []string{"outcome"}),
		UploadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "guardian_agent_upload_duration_seconds",
			Help:    "Duration of one upload attempt.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		Failures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guardian_agent_consecutive_failures",
			Help: "Upload failures since last success or forced reconnect.",
		}),
		Escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guardian_agent_escalations_total",
			Help: "Forced link resets after sustained upload failure.",
		}),
		LinkState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guardian_agent_link_state",
			Help: "Link state: 0 down, 1 connecting, 2 up.",
		}),
		ReadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_agent_sensor_read_errors_total",
			Help: "Sensor readings replaced by sentinel.",
		}, []string{"metric"}),
		LogErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guardian_agent_log_errors_total",
			Help: "Errors written to log.",
		}),
	}
	for _, c := range []prometheus.Collector{m.Uploads, m.UploadDuration, m.Failures, m.Escalations, m.LinkState, m.ReadErrors, m.LogErrors} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Annotate(err, "agent metrics register")
		}
	}
	return m, nil
}

func (self *Metrics) ObserveUpload(o upload.Outcome, d time.Duration) {
	if self == nil {
		return
	}
	label := upload.TransportError.String()
	switch {
	case o.Success():
		label = "success"
	case o.Kind == upload.Rejected:
		label = upload.Rejected.String()
	}
	self.Uploads.WithLabelValues(label).Inc()
	self.UploadDuration.Observe(d.Seconds())
}

func (self *Metrics) SetFailures(n int) {
	if self == nil {
		return
	}
	self.Failures.Set(float64(n))
}

func (self *Metrics) IncEscalations() {
	if self == nil {
		return
	}
	self.Escalations.Inc()
}

func (self *Metrics) SetLinkState(s link.State) {
	if self == nil {
		return
	}
	self.LinkState.Set(float64(s))
}

func (self *Metrics) IncReadError(metric string) {
	if self == nil {
		return
	}
	self.ReadErrors.WithLabelValues(metric).Inc()
}

func (self *Metrics) IncLogErrors(error) {
	if self == nil {
		return
	}
	self.LogErrors.Inc()
}
