package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalibrateBounds(t *testing.T) {
	cal := Calibrate(0, 0)

	assert.Greater(t, cal.AutoGcThresholdBytes, uint64(0))
	assert.Greater(t, cal.MaxAllowedBytes, uint64(0))
	assert.GreaterOrEqual(t, cal.PoolWorkers, 1)
	assert.Equal(t, cal.PoolWorkers*4, cal.BatchSize)
}

func TestCalibrateExplicitValuesWin(t *testing.T) {
	cal := Calibrate(128, 256)

	assert.Equal(t, uint64(128)<<20, cal.AutoGcThresholdBytes)
	assert.Equal(t, uint64(256)<<20, cal.MaxAllowedBytes)
	// 256MB at 64MB per worker caps the pool at four workers.
	assert.LessOrEqual(t, cal.PoolWorkers, 4)
}

func TestMonitorSamplesAndStops(t *testing.T) {
	mon, err := NewMonitor(10*time.Millisecond, Calibrate(0, 0))
	require.NoError(t, err)

	mon.Start()
	time.Sleep(50 * time.Millisecond)

	assert.True(t, mon.Stop(time.Second), "monitor should join within the bound")

	assert.Greater(t, mon.Peak(), uint64(0))
	assert.Greater(t, mon.Mean(), uint64(0))
	assert.LessOrEqual(t, mon.Mean(), mon.Peak())
	assert.NotEmpty(t, mon.Samples())
	assert.False(t, mon.Exceeded())
}

func TestMonitorStopIsIdempotent(t *testing.T) {
	mon, err := NewMonitor(10*time.Millisecond, Calibrate(0, 0))
	require.NoError(t, err)

	mon.Start()
	assert.True(t, mon.Stop(time.Second))
	assert.True(t, mon.Stop(time.Second))
}
