// Package metrics holds the Prometheus collectors of the presence service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	scans          *prometheus.CounterVec
	toggles        *prometheus.CounterVec
	autoCheckouts  prometheus.Counter
	registrations  *prometheus.CounterVec
	deviceErrors   prometheus.Counter
	scannerRunning prometheus.Gauge
}

// New registers the collectors with reg. Use prometheus.DefaultRegisterer to
// expose them on the default /metrics handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		scans: f.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_scans_total",
			Help: "Tag scans by resolution.",
		}, []string{"outcome"}),
		toggles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_toggles_total",
			Help: "Presence flips by resulting action.",
		}, []string{"action"}),
		autoCheckouts: f.NewCounter(prometheus.CounterOpts{
			Name: "presence_auto_checkouts_total",
			Help: "Sessions closed by the auto-checkout sweep.",
		}),
		registrations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_registrations_total",
			Help: "Tag registrations by result.",
		}, []string{"result"}),
		deviceErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "presence_device_errors_total",
			Help: "Reader errors seen by the scan loop.",
		}),
		scannerRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "presence_scanner_running",
			Help: "1 while the scan loop is running.",
		}),
	}
}

func (m *Metrics) Scan(outcome string) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Toggle(action string) {
	if m == nil {
		return
	}
	m.toggles.WithLabelValues(action).Inc()
}

func (m *Metrics) AutoCheckouts(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.autoCheckouts.Add(float64(n))
}

func (m *Metrics) Registration(result string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(result).Inc()
}

func (m *Metrics) DeviceError() {
	if m == nil {
		return
	}
	m.deviceErrors.Inc()
}

func (m *Metrics) ScannerRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.scannerRunning.Set(1)
	} else {
		m.scannerRunning.Set(0)
	}
}
