package engine

import (
	"strconv"
	"strings"
	"time"
)

// ProgressTracker converts ffmpeg's -progress key=value output into a
// completion fraction.
//
// ffmpeg emits a block of keys per update, terminated by "progress=continue"
// or "progress=end":
//
//	frame=120
//	out_time_us=4004000
//	speed=2.01x
//	progress=continue
type ProgressTracker struct {
	total   time.Duration
	outTime time.Duration
	known   bool
	speed   float64
	frame   int64
}

// NewProgressTracker creates a tracker for an output of the given expected
// duration. A zero duration keeps progress indeterminate until the end.
func NewProgressTracker(total time.Duration) *ProgressTracker {
	return &ProgressTracker{total: total}
}

// IsProgressLine reports whether line belongs to the -progress stream.
func IsProgressLine(line string) bool {
	key, _, ok := strings.Cut(line, "=")
	if !ok {
		return false
	}
	switch key {
	case "frame", "fps", "bitrate", "total_size", "out_time_us", "out_time_ms", "out_time",
		"dup_frames", "drop_frames", "speed", "progress":
		return true
	}
	return strings.HasPrefix(key, "stream_")
}

// Parse consumes one line. When the line completes an update block it returns
// the current progress and true.
func (t *ProgressTracker) Parse(line string) (float64, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return 0, false
	}

	switch key {
	case "out_time_us", "out_time_ms":
		// out_time_ms is also in microseconds; ffmpeg kept the misnamed key
		if us, err := strconv.ParseInt(value, 10, 64); err == nil && us >= 0 {
			t.outTime = time.Duration(us) * time.Microsecond
			t.known = true
		}
	case "out_time":
		if d, ok := parseTimestamp(value); ok {
			t.outTime = d
			t.known = true
		}
	case "speed":
		if s, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(value), "x"), 64); err == nil {
			t.speed = s
		}
	case "frame":
		if f, err := strconv.ParseInt(value, 10, 64); err == nil {
			t.frame = f
		}
	case "progress":
		if value == "end" {
			return 1, true
		}
		return t.Value(), true
	}
	return 0, false
}

// Value returns the current progress in [0, 1], or Indeterminate.
func (t *ProgressTracker) Value() float64 {
	if t.total <= 0 || !t.known {
		return Indeterminate
	}
	p := float64(t.outTime) / float64(t.total)
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}

// Speed returns the last reported encoding speed relative to real time.
func (t *ProgressTracker) Speed() float64 { return t.speed }

// Frame returns the last reported output frame number.
func (t *ProgressTracker) Frame() int64 { return t.frame }

// parseTimestamp parses HH:MM:SS.micro.
func parseTimestamp(s string) (time.Duration, bool) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0, false
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil || hours < 0 {
		return 0, false
	}
	mins, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, false
	}
	secs, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(hours)*time.Hour +
		time.Duration(mins)*time.Minute +
		time.Duration(secs*float64(time.Second)), true
}
