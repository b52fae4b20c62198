// Package engine defines the media engine contract driven by the job
// controller, and an ffmpeg-backed implementation of it.
//
// An engine receives a fully resolved Plan: every track strategy has already
// been applied to the probed inputs, so the engine only has to honour the
// output geometry, frame rate, rotation and speed it is given. The finished
// container is written to the supplied io.Writer; the engine never opens or
// finalizes the destination itself.
package engine

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/mantonx/reframe/internal/modules/transcodingmodule/core/strategy"
	tcerrors "github.com/mantonx/reframe/internal/modules/transcodingmodule/errors"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/types"
)

// Indeterminate is reported while the engine cannot estimate completion,
// typically before the first output timestamp is known.
const Indeterminate = -1.0

// ProgressFunc receives progress in [0, 1], or a negative value while indeterminate.
type ProgressFunc func(progress float64)

// Engine transcodes a plan into out.
//
// Run blocks until the transcode ends. It returns nil on success, the
// context's error when ctx was canceled, and any other error on failure.
// Progress callbacks are made from the goroutine calling Run, in order.
type Engine interface {
	Run(ctx context.Context, plan *Plan, out io.Writer, progress ProgressFunc) error
}

// Container is an output container format.
type Container string

const (
	ContainerMP4  Container = "mp4"
	ContainerWebM Container = "webm"
	ContainerGIF  Container = "gif"
)

// DefaultContainer is used when a request does not name one.
const DefaultContainer = ContainerMP4

// ParseContainer parses a container name. The empty string means DefaultContainer.
func ParseContainer(s string) (Container, error) {
	switch Container(s) {
	case "":
		return DefaultContainer, nil
	case ContainerMP4, ContainerWebM, ContainerGIF:
		return Container(s), nil
	}
	return "", fmt.Errorf("unsupported container %q", s)
}

// Alignment returns the dimension multiple the container's encoder requires.
func (c Container) Alignment() int {
	switch c {
	case ContainerGIF:
		return 1
	default:
		return 2 // yuv420p
	}
}

// HasAudio reports whether the container can carry an audio track.
func (c Container) HasAudio() bool {
	return c != ContainerGIF
}

// MimeType returns the content type of the container.
func (c Container) MimeType() string {
	switch c {
	case ContainerWebM:
		return "video/webm"
	case ContainerGIF:
		return "image/gif"
	default:
		return "video/mp4"
	}
}

// Input is one probed source of a plan, in concatenation order.
type Input struct {
	Source string // caller-visible source identifier
	Info   *types.MediaInfo
}

// Plan is everything the engine needs to produce one output.
type Plan struct {
	JobID  string
	Inputs []Input

	// Video is the resolved output video track; the geometry is before rotation.
	Video            types.TrackFormat
	Fit              strategy.FitPolicy
	KeyFrameInterval int

	// Audio is the resolved output audio track, or nil to drop audio.
	Audio *types.TrackFormat

	Rotation  int
	Speed     float64
	Container Container
}

// Validate checks the plan for values no engine can honour.
func (p *Plan) Validate() error {
	if len(p.Inputs) == 0 {
		return tcerrors.RequestError("validate_plan", "inputs", "at least one input is required")
	}
	for i, in := range p.Inputs {
		if in.Info == nil || !in.Info.HasVideo() {
			return tcerrors.RequestError("validate_plan", "inputs", fmt.Sprintf("input %d has no video track", i))
		}
	}
	if !p.Video.Geometry.Valid() {
		return tcerrors.RequestError("validate_plan", "video", fmt.Sprintf("output geometry %s is not positive", p.Video.Geometry))
	}
	if p.Video.FrameRate <= 0 {
		return tcerrors.RequestError("validate_plan", "video", "frame rate must be positive")
	}
	if !types.ValidRotation(p.Rotation) {
		return tcerrors.RequestError("validate_plan", "rotation", fmt.Sprintf("unsupported rotation %d", p.Rotation))
	}
	if p.Speed <= 0 || math.IsNaN(p.Speed) || math.IsInf(p.Speed, 0) {
		return tcerrors.RequestError("validate_plan", "speed", fmt.Sprintf("speed must be positive, got %v", p.Speed))
	}
	if _, err := ParseContainer(string(p.Container)); err != nil {
		return tcerrors.RequestError("validate_plan", "container", err.Error())
	}
	return nil
}

// OutputGeometry returns the geometry of the encoded frames, after rotation.
func (p *Plan) OutputGeometry() types.Geometry {
	g := p.Video.Geometry
	if p.Rotation == 90 || p.Rotation == 270 {
		return g.Swap()
	}
	return g
}

// InputDuration returns the total duration of all inputs.
func (p *Plan) InputDuration() time.Duration {
	var total time.Duration
	for _, in := range p.Inputs {
		if in.Info != nil {
			total += in.Info.Duration
		}
	}
	return total
}

// ExpectedDuration returns the output duration after the speed change, or 0
// when any input duration is unknown.
func (p *Plan) ExpectedDuration() time.Duration {
	for _, in := range p.Inputs {
		if in.Info == nil || in.Info.Duration <= 0 {
			return 0
		}
	}
	speed := p.Speed
	if speed <= 0 {
		speed = 1
	}
	return time.Duration(float64(p.InputDuration()) / speed)
}

// KeepsAudio reports whether the output carries audio.
func (p *Plan) KeepsAudio() bool {
	return p.Audio != nil && p.Container.HasAudio()
}
