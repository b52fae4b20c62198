package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProgressTracker_Blocks(t *testing.T) {
	tracker := NewProgressTracker(10 * time.Second)

	lines := []string{
		"frame=0",
		"out_time_us=N/A",
		"progress=continue",
		"frame=75",
		"out_time_us=2500000",
		"speed=1.98x",
		"progress=continue",
		"out_time=00:00:07.500000",
		"progress=continue",
		"out_time_ms=12000000",
		"progress=continue",
		"progress=end",
	}

	var reported []float64
	for _, line := range lines {
		if v, ok := tracker.Parse(line); ok {
			reported = append(reported, v)
		}
	}

	assert.Equal(t, []float64{Indeterminate, 0.25, 0.75, 1, 1}, reported)
	assert.Equal(t, int64(75), tracker.Frame())
	assert.InDelta(t, 1.98, tracker.Speed(), 0.001)
}

func TestProgressTracker_UnknownDuration(t *testing.T) {
	tracker := NewProgressTracker(0)

	_, ok := tracker.Parse("out_time_us=1000000")
	assert.False(t, ok)

	v, ok := tracker.Parse("progress=continue")
	assert.True(t, ok)
	assert.Equal(t, Indeterminate, v)

	v, ok = tracker.Parse("progress=end")
	assert.True(t, ok)
	assert.Equal(t, 1.0, v)
}

func TestIsProgressLine(t *testing.T) {
	assert.True(t, IsProgressLine("out_time_us=100"))
	assert.True(t, IsProgressLine("stream_0_0_q=23.0"))
	assert.True(t, IsProgressLine("progress=end"))
	assert.False(t, IsProgressLine("[h264 @ 0x55] error while decoding MB 1 2"))
	assert.False(t, IsProgressLine("Conversion failed!"))
}

func TestParseTimestamp(t *testing.T) {
	d, ok := parseTimestamp("01:02:03.500000")
	assert.True(t, ok)
	assert.Equal(t, time.Hour+2*time.Minute+3*time.Second+500*time.Millisecond, d)

	_, ok = parseTimestamp("N/A")
	assert.False(t, ok)
}
