// Package metrics exports acquisition activity to Prometheus
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nasa-jpl/modscope/acquisition"
)

// Namespace prefixes every metric name
const Namespace = "modscope"

// Collector holds the acquisition metrics.  It is an acquisition.Observer.
type Collector struct {
	acquisition.NopObserver

	FramesCaptured prometheus.Counter
	FramesStored   prometheus.Counter
	CaptureHalts   prometheus.Counter
	Sessions       *prometheus.CounterVec
	State          *prometheus.GaugeVec
	Progress       prometheus.GaugeFunc

	reg *prometheus.Registry
}

// New creates the collectors and registers them on a private registry.
// progress is sampled at scrape time.
func New(progress func() float64) *Collector {
	c := &Collector{
		FramesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "frames_captured_total",
			Help:      "Frames received from the camera",
		}),
		FramesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "frames_stored_total",
			Help:      "Frames written to datasets",
		}),
		CaptureHalts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "capture_halts_total",
			Help:      "Times capture was halted to protect unsaved ring slots",
		}),
		Sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "sessions_total",
			Help:      "Finished acquisition sessions",
		}, []string{"mode", "outcome"}),
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "state",
			Help:      "1 for the current controller state, 0 otherwise",
		}, []string{"state"}),
		Progress: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "progress_percent",
			Help:      "Progress of the running or last session",
		}, progress),
		reg: prometheus.NewRegistry(),
	}
	c.reg.MustRegister(c.FramesCaptured, c.FramesStored, c.CaptureHalts, c.Sessions, c.State, c.Progress)
	c.StateChanged("", acquisition.Idle)
	return c
}

// Registry is the registry holding the collectors
func (c *Collector) Registry() *prometheus.Registry {
	return c.reg
}

// Handler serves the metrics in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// StateChanged implements acquisition.Observer
func (c *Collector) StateChanged(from, to acquisition.State) {
	for _, s := range acquisition.States {
		v := 0.
		if s == to {
			v = 1
		}
		c.State.WithLabelValues(string(s)).Set(v)
	}
}

// FrameCaptured implements acquisition.Observer
func (c *Collector) FrameCaptured(acquisition.Session) {
	c.FramesCaptured.Inc()
}

// FrameStored implements acquisition.Observer
func (c *Collector) FrameStored(acquisition.Session, int) {
	c.FramesStored.Inc()
}

// CaptureHalted implements acquisition.Observer
func (c *Collector) CaptureHalted(acquisition.Session) {
	c.CaptureHalts.Inc()
}

// SessionEnded implements acquisition.Observer
func (c *Collector) SessionEnded(r acquisition.Report) {
	c.Sessions.WithLabelValues(r.Mode.String(), string(r.Outcome)).Inc()
}
