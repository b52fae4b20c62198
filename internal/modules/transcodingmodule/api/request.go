package api

import (
	"fmt"
	"time"

	"github.com/mantonx/reframe/internal/modules/transcodingmodule/core/controller"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/core/engine"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/core/strategy"
	tcerrors "github.com/mantonx/reframe/internal/modules/transcodingmodule/errors"
)

// JobRequest is the body of POST /api/v1/jobs. Either Video or Preset may be
// given; with neither, the picture keeps its geometry rounded to even sizes.
type JobRequest struct {
	Sources     []string    `json:"sources" binding:"required,min=1"`
	Destination string      `json:"destination" binding:"required"`
	Container   string      `json:"container,omitempty"`
	Rotation    int         `json:"rotation,omitempty"`
	Speed       float64     `json:"speed,omitempty"`
	Audio       string      `json:"audio,omitempty"`
	Video       *VideoSpec  `json:"video,omitempty"`
	Preset      *PresetSpec `json:"preset,omitempty"`
}

// VideoSpec describes a custom video strategy.
type VideoSpec struct {
	FrameRate        int           `json:"frame_rate,omitempty"`
	BitRate          int64         `json:"bit_rate,omitempty"`
	KeyFrameInterval int           `json:"key_frame_interval,omitempty"`
	Resizers         []ResizerSpec `json:"resizers,omitempty"`
}

// ResizerSpec is one resizer in a chain. Type selects which fields apply:
//
//	passthrough
//	aspect    ratio or aspect ("16:9", "4:3", "1:1"), fit
//	fraction  factor
//	at_most   long, short
//	exact     width, height
//	multiple  multiple
type ResizerSpec struct {
	Type     string  `json:"type" binding:"required"`
	Ratio    float64 `json:"ratio,omitempty"`
	Aspect   string  `json:"aspect,omitempty"`
	Fit      string  `json:"fit,omitempty"`
	Factor   float64 `json:"factor,omitempty"`
	Width    int     `json:"width,omitempty"`
	Height   int     `json:"height,omitempty"`
	Long     int     `json:"long,omitempty"`
	Short    int     `json:"short,omitempty"`
	Multiple int     `json:"multiple,omitempty"`
}

// PresetSpec selects one of the stock aspect/fraction/frame rate combinations.
type PresetSpec struct {
	Aspect    string  `json:"aspect,omitempty"`
	Fit       string  `json:"fit,omitempty"`
	Fraction  float64 `json:"fraction,omitempty"`
	FrameRate int     `json:"frame_rate,omitempty"`
}

// Defaults fill in what a JobRequest leaves out.
type Defaults struct {
	FrameRate int
	Container engine.Container
	Fit       strategy.FitPolicy
}

// JobResponse is returned when a job is accepted.
type JobResponse struct {
	JobID     string    `json:"job_id"`
	State     string    `json:"state"`
	Strategy  string    `json:"strategy"`
	StartedAt time.Time `json:"started_at"`
}

func (d Defaults) videoStrategy(req *JobRequest) (*strategy.VideoStrategy, error) {
	switch {
	case req.Video != nil && req.Preset != nil:
		return nil, tcerrors.RequestError("submit", "video", "video and preset are mutually exclusive")

	case req.Video != nil:
		return d.customStrategy(req.Video)

	case req.Preset != nil:
		fit, err := d.fit(req.Preset.Fit)
		if err != nil {
			return nil, err
		}
		fraction := req.Preset.Fraction
		if fraction == 0 {
			fraction = 1
		}
		fps := req.Preset.FrameRate
		if fps == 0 {
			fps = d.FrameRate
		}
		return strategy.Preset(req.Preset.Aspect, fit, fraction, fps)
	}

	return strategy.Preset("none", d.Fit, 1, d.FrameRate)
}

func (d Defaults) customStrategy(spec *VideoSpec) (*strategy.VideoStrategy, error) {
	fps := spec.FrameRate
	if fps == 0 {
		fps = d.FrameRate
	}
	b := strategy.NewVideoBuilder().
		FrameRate(fps).
		BitRate(spec.BitRate).
		KeyFrameInterval(spec.KeyFrameInterval)

	for i, rs := range spec.Resizers {
		r, err := d.resizer(rs)
		if err != nil {
			return nil, fmt.Errorf("resizer %d: %w", i, err)
		}
		b.AddResizer(r)
	}
	return b.Build()
}

func (d Defaults) resizer(rs ResizerSpec) (strategy.Resizer, error) {
	switch strategy.ResizerKind(rs.Type) {
	case strategy.KindPassThrough:
		return strategy.PassThrough(), nil
	case strategy.KindAspectRatio:
		fit, err := d.fit(rs.Fit)
		if err != nil {
			return strategy.Resizer{}, err
		}
		if rs.Aspect != "" {
			return strategy.AspectPreset(rs.Aspect, fit)
		}
		return strategy.AspectRatio(rs.Ratio, fit)
	case strategy.KindFraction:
		return strategy.Fraction(rs.Factor)
	case strategy.KindAtMost:
		return strategy.AtMost(rs.Long, rs.Short)
	case strategy.KindExact:
		return strategy.Exact(rs.Width, rs.Height)
	case strategy.KindMultiple:
		return strategy.Multiple(rs.Multiple)
	}
	return strategy.Resizer{}, tcerrors.ConfigurationError("resizer", "unknown resizer type %q", rs.Type)
}

func (d Defaults) fit(name string) (strategy.FitPolicy, error) {
	if name == "" {
		return d.Fit, nil
	}
	return strategy.ParseFitPolicy(name)
}

// toTranscodeRequest converts the body; the sink is resolved by the caller.
func (d Defaults) toTranscodeRequest(req *JobRequest) (*controller.TranscodeRequest, error) {
	video, err := d.videoStrategy(req)
	if err != nil {
		return nil, err
	}

	container := engine.Container(req.Container)
	if container == "" {
		container = d.Container
	}

	return &controller.TranscodeRequest{
		Sources:   req.Sources,
		Video:     video,
		Audio:     strategy.AudioStrategy(req.Audio),
		Rotation:  req.Rotation,
		Speed:     req.Speed,
		Container: container,
	}, nil
}
