// Package collector receives device readings, stores them and reports safety status.
//
// HTTP API:
// - POST /api/readings: 201 {"message","alerts"}, 400 invalid body, 500 store failure
// - GET /api/readings/latest: 404 when empty
// - GET /api/readings/history?hours=24: oldest first
// - GET /api/status: scores, alerts, Safe|Warning|Danger
// - GET /metrics
package collector

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/temoto/guardian/helpers"
	"github.com/temoto/guardian/log2"
)

const (
	maxBodyBytes        = 64 << 10
	DefaultHistoryHours = 24
)

type Server struct {
	log        *log2.Log
	store      *Store
	thresholds []Threshold
	now        func() time.Time
	mux        *http.ServeMux

	readings prometheus.Counter
	received prometheus.Counter
	alerts   *prometheus.CounterVec
}

// NewServer registers collector metrics in reg and serves reg at /metrics.
func NewServer(log *log2.Log, store *Store, thresholds []Threshold, reg *prometheus.Registry) (*Server, error) {
	self := &Server{
		log:        log,
		store:      store,
		thresholds: thresholds,
		now:        time.Now,
		mux:        http.NewServeMux(),
		readings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guardian_collector_readings_total",
			Help: "Readings stored.",
		}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guardian_collector_received_bytes_total",
			Help: "Request body bytes read by readings endpoint.",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_collector_alerts_total",
			Help: "Alerts raised by received readings.",
		}, []string{"type"}),
	}
	for _, c := range []prometheus.Collector{self.readings, self.received, self.alerts} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Annotate(err, "collector metrics register")
		}
	}

	self.mux.HandleFunc("POST /api/readings", self.handlePost)
	self.mux.HandleFunc("GET /api/readings/latest", self.handleLatest)
	self.mux.HandleFunc("GET /api/readings/history", self.handleHistory)
	self.mux.HandleFunc("GET /api/status", self.handleStatus)
	self.mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return self, nil
}

// SetClock is for tests.
func (self *Server) SetClock(now func() time.Time) { self.now = now }

func (self *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// dashboard is served from elsewhere
	w.Header().Set("Access-Control-Allow-Origin", "*")
	self.mux.ServeHTTP(w, r)
}

type postResponse struct {
	Message string  `json:"message"`
	Alerts  []Alert `json:"alerts"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type statusResponse struct {
	Timestamp time.Time `json:"timestamp"`
	DeviceId  string    `json:"device_id"`
	Scores    Scores    `json:"scores"`
	Alerts    []Alert   `json:"alerts"`
	Status    string    `json:"status"`
}

func (self *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(helpers.NewStatReader(io.LimitReader(r.Body, maxBodyBytes), self.received))
	if err != nil {
		self.writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return
	}
	reading, err := ParseReading(body, self.now())
	if err != nil {
		self.writeError(w, http.StatusBadRequest, "Invalid reading", err)
		return
	}
	if err = self.store.Put(reading); err != nil {
		self.writeError(w, http.StatusInternalServerError, "Failed to save reading", err)
		return
	}
	self.readings.Inc()

	alerts := CheckAlerts(reading, self.thresholds)
	for _, a := range alerts {
		self.alerts.WithLabelValues(a.Type).Inc()
		self.log.Infof("alert device=%s type=%s severity=%s", reading.DeviceId, a.Type, a.Severity)
	}
	self.log.Debugf("reading device=%s uptime=%d metrics=%d", reading.DeviceId, reading.Uptime, len(reading.Metrics))
	self.writeJSON(w, http.StatusCreated, postResponse{Message: "Reading saved successfully", Alerts: alerts})
}

func (self *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	reading, ok := self.latest(w, "Failed to fetch latest reading")
	if !ok {
		return
	}
	self.writeJSON(w, http.StatusOK, reading)
}

func (self *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	hours := float64(DefaultHistoryHours)
	if s := r.URL.Query().Get("hours"); s != "" {
		h, err := strconv.ParseFloat(s, 64)
		if err != nil || h <= 0 {
			self.writeError(w, http.StatusBadRequest, "Invalid hours", errors.NotValidf("hours=%s", s))
			return
		}
		hours = h
	}
	since := self.now().Add(-time.Duration(hours * float64(time.Hour)))
	rs, err := self.store.Since(since)
	if err != nil {
		self.writeError(w, http.StatusInternalServerError, "Failed to fetch historical readings", err)
		return
	}
	self.writeJSON(w, http.StatusOK, rs)
}

func (self *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	reading, ok := self.latest(w, "Failed to calculate status")
	if !ok {
		return
	}
	scores := ScoreReading(reading)
	self.writeJSON(w, http.StatusOK, statusResponse{
		Timestamp: reading.Received.UTC(),
		DeviceId:  reading.DeviceId,
		Scores:    scores,
		Alerts:    CheckAlerts(reading, self.thresholds),
		Status:    scores.Status(),
	})
}

func (self *Server) latest(w http.ResponseWriter, failMsg string) (*Reading, bool) {
	reading, err := self.store.Latest()
	switch {
	case errors.IsNotFound(err):
		self.writeJSON(w, http.StatusNotFound, errorResponse{Error: "No readings available"})
		return nil, false
	case err != nil:
		self.writeError(w, http.StatusInternalServerError, failMsg, err)
		return nil, false
	}
	return reading, true
}

func (self *Server) writeError(w http.ResponseWriter, code int, msg string, err error) {
	if code >= 500 {
		self.log.Errorf("%s err=%v", msg, errors.ErrorStack(err))
	} else {
		self.log.Debugf("%s err=%v", msg, err)
	}
	self.writeJSON(w, code, errorResponse{Error: msg})
}

func (self *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		self.log.Errorf("response marshal err=%v", err)
		code = http.StatusInternalServerError
		b = []byte(`{"error":"Internal error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
}
