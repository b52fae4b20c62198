package controller

import (
	"fmt"
	"math"
	"strings"

	"github.com/mantonx/reframe/internal/modules/transcodingmodule/core/engine"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/core/sink"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/core/strategy"
	tcerrors "github.com/mantonx/reframe/internal/modules/transcodingmodule/errors"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/types"
)

// TranscodeRequest describes one transcode. The controller copies what it
// needs on Submit; the caller keeps ownership of the listener.
type TranscodeRequest struct {
	// Sources are concatenated in order. The first source's video geometry
	// drives strategy resolution.
	Sources []string
	Sink    sink.Sink

	Video *strategy.VideoStrategy
	// Audio defaults to keeping the audio track.
	Audio strategy.AudioStrategy

	// Rotation is clockwise, one of 0, 90, 180 or 270.
	Rotation int
	// Speed scales playback; 1.0 leaves it unchanged. Zero means 1.0.
	Speed float64
	// Container defaults to engine.DefaultContainer.
	Container engine.Container

	// Listener receives progress and exactly one terminal event. Nil
	// discards events.
	Listener Listener
}

// Validate checks the request without touching any collaborator.
func (r *TranscodeRequest) Validate() error {
	const op = "submit"

	if len(r.Sources) == 0 {
		return tcerrors.RequestError(op, "sources", "at least one source is required")
	}
	for i, s := range r.Sources {
		if strings.TrimSpace(s) == "" {
			return tcerrors.RequestError(op, "sources", fmt.Sprintf("source %d is empty", i))
		}
	}
	if r.Sink == nil {
		return tcerrors.RequestError(op, "sink", "an output sink is required")
	}
	if r.Video == nil {
		return tcerrors.RequestError(op, "video", "a video strategy is required")
	}
	if _, err := strategy.ParseAudioStrategy(string(r.Audio)); err != nil {
		return tcerrors.RequestError(op, "audio", err.Error())
	}
	if !types.ValidRotation(r.Rotation) {
		return tcerrors.RequestError(op, "rotation", fmt.Sprintf("rotation must be 0, 90, 180 or 270, got %d", r.Rotation))
	}
	if r.Speed < 0 || math.IsNaN(r.Speed) || math.IsInf(r.Speed, 0) {
		return tcerrors.RequestError(op, "speed", fmt.Sprintf("speed must be positive, got %v", r.Speed))
	}
	if _, err := engine.ParseContainer(string(r.Container)); err != nil {
		return tcerrors.RequestError(op, "container", err.Error())
	}
	return nil
}

// normalized returns a copy with defaults applied. It assumes Validate passed.
func (r *TranscodeRequest) normalized() *TranscodeRequest {
	out := *r
	out.Sources = append([]string(nil), r.Sources...)
	if out.Speed == 0 {
		out.Speed = 1
	}
	out.Audio, _ = strategy.ParseAudioStrategy(string(r.Audio))
	out.Container, _ = engine.ParseContainer(string(r.Container))
	if out.Listener == nil {
		out.Listener = ListenerFuncs{}
	}
	return &out
}
