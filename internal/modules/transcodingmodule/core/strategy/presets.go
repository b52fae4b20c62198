package strategy

import (
	tcerrors "github.com/mantonx/reframe/internal/modules/transcodingmodule/errors"
)

// Frame rates offered to clients.
var PresetFrameRates = []int{24, 30, 60}

// Scale fractions offered to clients.
var PresetFractions = []float64{1, 1.0 / 2.0, 1.0 / 3.0}

// Aspect ratios offered to clients, keyed by their display name. The "none"
// preset means the picture keeps its aspect ratio.
var PresetAspectRatios = map[string]float64{
	"16:9": 16.0 / 9.0,
	"4:3":  4.0 / 3.0,
	"1:1":  1.0,
}

// AspectPreset returns the resizer for a named aspect ratio. "none" and the
// empty string return a pass-through.
func AspectPreset(name string, fit FitPolicy) (Resizer, error) {
	if name == "" || name == "none" {
		return PassThrough(), nil
	}
	ratio, ok := PresetAspectRatios[name]
	if !ok {
		return Resizer{}, tcerrors.ConfigurationError("aspect_preset", "unknown aspect preset %q", name)
	}
	return AspectRatio(ratio, fit)
}

// Preset builds the common aspect-then-shrink strategy: fit to aspect, scale
// by fraction, then align to even dimensions for 4:2:0 encoders.
func Preset(aspect string, fit FitPolicy, fraction float64, fps int) (*VideoStrategy, error) {
	ar, err := AspectPreset(aspect, fit)
	if err != nil {
		return nil, err
	}
	fr, err := Fraction(fraction)
	if err != nil {
		return nil, err
	}
	even, err := Multiple(2)
	if err != nil {
		return nil, err
	}

	return NewVideoBuilder().
		AddResizer(ar).
		AddResizer(fr).
		AddResizer(even).
		FrameRate(fps).
		Build()
}
