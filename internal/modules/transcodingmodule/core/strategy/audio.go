package strategy

import (
	tcerrors "github.com/mantonx/reframe/internal/modules/transcodingmodule/errors"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/types"
)

// AudioStrategy decides what happens to the audio track. Audio is otherwise
// treated as an opaque parallel track.
type AudioStrategy string

const (
	// AudioKeep carries the audio through, retimed when the speed changes.
	AudioKeep AudioStrategy = "keep"
	// AudioDrop removes audio from the output.
	AudioDrop AudioStrategy = "drop"
)

// ParseAudioStrategy parses an audio strategy name. The empty string means AudioKeep.
func ParseAudioStrategy(s string) (AudioStrategy, error) {
	switch AudioStrategy(s) {
	case "", AudioKeep:
		return AudioKeep, nil
	case AudioDrop:
		return AudioDrop, nil
	}
	return "", tcerrors.ConfigurationError("parse_audio", "unknown audio strategy %q", s)
}

// Resolve returns the output audio track, or nil when the output has no audio.
func (a AudioStrategy) Resolve(input *types.TrackFormat) *types.TrackFormat {
	if input == nil || a == AudioDrop {
		return nil
	}
	out := *input
	out.Kind = types.TrackKindAudio
	return &out
}
