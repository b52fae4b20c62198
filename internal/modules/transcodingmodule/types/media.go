package types

import "time"

// TrackKind identifies the type of a media track.
type TrackKind string

const (
	TrackKindVideo TrackKind = "video"
	TrackKindAudio TrackKind = "audio"
)

// TrackFormat describes one track of a probed input or a resolved output.
type TrackFormat struct {
	Kind      TrackKind `json:"kind"`
	Codec     string    `json:"codec,omitempty"`
	Geometry  Geometry  `json:"geometry,omitempty"`
	FrameRate float64   `json:"frame_rate,omitempty"`
	Rotation  int       `json:"rotation,omitempty"` // display rotation in degrees
	BitRate   int64     `json:"bit_rate,omitempty"`

	// Audio only
	SampleRate int `json:"sample_rate,omitempty"`
	Channels   int `json:"channels,omitempty"`
}

// DisplayGeometry returns the geometry as shown to the viewer, taking the
// track's own rotation metadata into account.
func (t TrackFormat) DisplayGeometry() Geometry {
	if t.Rotation == 90 || t.Rotation == 270 {
		return t.Geometry.Swap()
	}
	return t.Geometry
}

// MediaInfo is what a source provider reports for one input.
type MediaInfo struct {
	Source   string        `json:"source"`
	Duration time.Duration `json:"duration"`
	Size     int64         `json:"size,omitempty"`
	Video    *TrackFormat  `json:"video,omitempty"`
	Audio    *TrackFormat  `json:"audio,omitempty"`
}

// HasVideo reports whether the input carries a usable video track.
func (m *MediaInfo) HasVideo() bool {
	return m != nil && m.Video != nil && m.Video.Geometry.Valid()
}

// HasAudio reports whether the input carries an audio track.
func (m *MediaInfo) HasAudio() bool {
	return m != nil && m.Audio != nil
}

// ValidRotation reports whether degrees is one of the supported output rotations.
func ValidRotation(degrees int) bool {
	switch degrees {
	case 0, 90, 180, 270:
		return true
	}
	return false
}
