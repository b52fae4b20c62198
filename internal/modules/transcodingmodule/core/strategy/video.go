package strategy

import (
	"fmt"
	"strings"

	tcerrors "github.com/mantonx/reframe/internal/modules/transcodingmodule/errors"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/types"
)

const (
	// DefaultFrameRate is used when a builder is not given a frame rate.
	DefaultFrameRate = 30

	// MaxFrameRate bounds configured frame rates.
	MaxFrameRate = 240
)

// VideoStrategy is an immutable video policy: a resizer chain plus output
// frame rate and encoder hints. Build one with NewVideoBuilder.
type VideoStrategy struct {
	chain            Chain
	frameRate        int
	bitRate          int64
	keyFrameInterval int
}

// Resizers returns a copy of the resizer chain.
func (s *VideoStrategy) Resizers() Chain {
	out := make(Chain, len(s.chain))
	copy(out, s.chain)
	return out
}

// FrameRate returns the configured output frame rate.
func (s *VideoStrategy) FrameRate() int { return s.frameRate }

// BitRate returns the target bit rate in bits per second, or 0 for the encoder default.
func (s *VideoStrategy) BitRate() int64 { return s.bitRate }

// KeyFrameInterval returns the key frame interval in seconds, or 0 for the encoder default.
func (s *VideoStrategy) KeyFrameInterval() int { return s.keyFrameInterval }

// Fit returns the fit policy the engine should use when changing aspect ratio.
func (s *VideoStrategy) Fit() FitPolicy { return s.chain.Fit() }

// Resolve computes the output track format for an input video track. Only the
// geometry passes through the chain; the frame rate is reported as configured.
func (s *VideoStrategy) Resolve(input types.TrackFormat) (types.TrackFormat, error) {
	if !input.Geometry.Valid() {
		return types.TrackFormat{}, tcerrors.RequestError("resolve_video", "geometry",
			fmt.Sprintf("input geometry %s is not positive", input.Geometry))
	}

	return types.TrackFormat{
		Kind:      types.TrackKindVideo,
		Geometry:  s.chain.Resize(input.Geometry),
		FrameRate: float64(s.frameRate),
		BitRate:   s.bitRate,
	}, nil
}

func (s *VideoStrategy) String() string {
	parts := make([]string, 0, len(s.chain))
	for _, r := range s.chain {
		parts = append(parts, r.String())
	}
	return fmt.Sprintf("video[%s]@%dfps", strings.Join(parts, ","), s.frameRate)
}

// VideoBuilder accumulates a VideoStrategy. Errors are deferred to Build so
// calls can be chained.
type VideoBuilder struct {
	chain            Chain
	frameRate        int
	bitRate          int64
	keyFrameInterval int
	err              error
}

// NewVideoBuilder returns a builder with the default frame rate and an empty chain.
func NewVideoBuilder() *VideoBuilder {
	return &VideoBuilder{frameRate: DefaultFrameRate}
}

// AddResizer appends r to the chain.
func (b *VideoBuilder) AddResizer(r Resizer) *VideoBuilder {
	b.chain = append(b.chain, r)
	return b
}

// FrameRate sets the output frame rate.
func (b *VideoBuilder) FrameRate(fps int) *VideoBuilder {
	if fps <= 0 || fps > MaxFrameRate {
		b.setErr(tcerrors.ConfigurationError("frame_rate", "frame rate must be in [1, %d], got %d", MaxFrameRate, fps))
		return b
	}
	b.frameRate = fps
	return b
}

// BitRate sets the target bit rate in bits per second. Zero keeps the encoder default.
func (b *VideoBuilder) BitRate(bps int64) *VideoBuilder {
	if bps < 0 {
		b.setErr(tcerrors.ConfigurationError("bit_rate", "bit rate must not be negative, got %d", bps))
		return b
	}
	b.bitRate = bps
	return b
}

// KeyFrameInterval sets the key frame interval in seconds. Zero keeps the encoder default.
func (b *VideoBuilder) KeyFrameInterval(seconds int) *VideoBuilder {
	if seconds < 0 {
		b.setErr(tcerrors.ConfigurationError("key_frame_interval", "key frame interval must not be negative, got %d", seconds))
		return b
	}
	b.keyFrameInterval = seconds
	return b
}

// Build returns the strategy, or the first error recorded by the builder.
func (b *VideoBuilder) Build() (*VideoStrategy, error) {
	if b.err != nil {
		return nil, b.err
	}
	chain := make(Chain, len(b.chain))
	copy(chain, b.chain)

	return &VideoStrategy{
		chain:            chain,
		frameRate:        b.frameRate,
		bitRate:          b.bitRate,
		keyFrameInterval: b.keyFrameInterval,
	}, nil
}

func (b *VideoBuilder) setErr(err error) {
	if b.err == nil {
		b.err = err
	}
}
