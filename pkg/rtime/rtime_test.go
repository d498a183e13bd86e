package rtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounter(t *testing.T) {
	var c Counter
	c.Inc()
	c.Inc()
	c.Add(3)
	require.EqualValues(t, 5, c.Load())
	require.EqualValues(t, 5, c.Reset())
	require.EqualValues(t, 0, c.Load())
}

func TestAccumStatAvg(t *testing.T) {
	var s AccumStat
	assert.EqualValues(t, 0, s.Avg(), "average of no samples must be 0, not divide-by-zero")

	s.Add(10)
	s.Add(20)
	s.Add(30)
	assert.EqualValues(t, 3, s.Count())
	assert.EqualValues(t, 60, s.Total())
	assert.EqualValues(t, 20, s.Avg())

	s.Reset()
	assert.EqualValues(t, 0, s.Count())
	assert.EqualValues(t, 0, s.Avg())
}

func TestEWMAMaxNeverDecreases(t *testing.T) {
	var e EWMAMax
	e.Observe(100)
	e.Observe(50)
	assert.EqualValues(t, 100, e.Value(), "stored maximum must never decrease within an epoch")
	e.Observe(250)
	assert.EqualValues(t, 250, e.Value())
	assert.EqualValues(t, 250, e.Reset())
	assert.EqualValues(t, 0, e.Value())
}

func TestThroughput(t *testing.T) {
	CPUFreqMHz = 1000
	defer func() { CPUFreqMHz = 2100 }()

	// 1,000,000,000 cycles at 1000MHz == 1 second, so 1000 pages over
	// that window is 1000 pages/sec.
	got := Throughput(1000, 1_000_000_000)
	assert.EqualValues(t, 1000, got)

	// Half the window, double the rate.
	assert.EqualValues(t, 2000, Throughput(1000, 500_000_000))

	assert.Zero(t, Throughput(1000, 0), "zero elapsed cycles must not divide by zero")
}
