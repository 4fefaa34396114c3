package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Scan("toggled")
	m.Scan("toggled")
	m.Scan("unknown")
	m.Toggle("in")
	m.AutoCheckouts(3)
	m.AutoCheckouts(0)
	m.Registration("ok")
	m.DeviceError()
	m.ScannerRunning(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.scans.WithLabelValues("toggled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.scans.WithLabelValues("unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toggles.WithLabelValues("in")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.autoCheckouts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.registrations.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deviceErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.scannerRunning))

	m.ScannerRunning(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.scannerRunning))

	n, err := testutil.GatherAndCount(reg)
	assert.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Scan("toggled")
		m.Toggle("out")
		m.AutoCheckouts(1)
		m.Registration("failed")
		m.DeviceError()
		m.ScannerRunning(true)
	})
}
