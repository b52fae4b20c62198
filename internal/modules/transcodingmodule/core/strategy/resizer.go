// Package strategy turns an input track format and a declared policy into the
// concrete output format of a transcode.
//
// Geometry policies are expressed as a chain of resizers. Each resizer is a
// small tagged value; a chain applies them left to right, every resizer
// consuming the geometry produced by its predecessor:
//
//	chain := strategy.Chain{
//	    strategy.MustAspectRatio(16.0/9.0, strategy.FitCrop),
//	    strategy.MustFraction(0.5),
//	}
//	out := chain.Resize(types.NewGeometry(1920, 1440)) // 960x540
//
// Resizers are validated when they are constructed, so resolving a chain can
// never produce a non-positive dimension.
package strategy

import (
	"fmt"
	"math"

	tcerrors "github.com/mantonx/reframe/internal/modules/transcodingmodule/errors"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/types"
)

// ResizerKind tags the variant held by a Resizer.
type ResizerKind string

const (
	KindPassThrough ResizerKind = "passthrough"
	KindAspectRatio ResizerKind = "aspect"
	KindFraction    ResizerKind = "fraction"
	KindAtMost      ResizerKind = "at_most"
	KindExact       ResizerKind = "exact"
	KindMultiple    ResizerKind = "multiple"
)

// FitPolicy decides how an aspect-ratio change is applied to the picture.
type FitPolicy string

const (
	// FitCrop shrinks the dimension that is too long; the engine crops.
	FitCrop FitPolicy = "crop"
	// FitPad grows the dimension that is too short; the engine letterboxes.
	FitPad FitPolicy = "pad"
	// FitStretch keeps the width and derives the height; the engine scales non-uniformly.
	FitStretch FitPolicy = "stretch"
)

// ParseFitPolicy parses a fit policy name. The empty string means FitCrop.
func ParseFitPolicy(s string) (FitPolicy, error) {
	switch FitPolicy(s) {
	case "", FitCrop:
		return FitCrop, nil
	case FitPad, FitStretch:
		return FitPolicy(s), nil
	}
	return "", tcerrors.ConfigurationError("parse_fit", "unknown fit policy %q", s)
}

// Resizer is a single geometry transformation. The zero value is a pass-through.
type Resizer struct {
	kind   ResizerKind
	ratio  float64
	fit    FitPolicy
	factor float64
	size   types.Geometry // exact size, or the at-most bounds as long x short
	n      int
}

// PassThrough returns the identity resizer.
func PassThrough() Resizer {
	return Resizer{kind: KindPassThrough}
}

// AspectRatio returns a resizer that moves the geometry to width/height == ratio.
func AspectRatio(ratio float64, fit FitPolicy) (Resizer, error) {
	if math.IsNaN(ratio) || math.IsInf(ratio, 0) || ratio <= 0 {
		return Resizer{}, tcerrors.ConfigurationError("new_aspect_ratio", "aspect ratio must be positive and finite, got %v", ratio)
	}
	if fit == "" {
		fit = FitCrop
	}
	if _, err := ParseFitPolicy(string(fit)); err != nil {
		return Resizer{}, err
	}
	return Resizer{kind: KindAspectRatio, ratio: ratio, fit: fit}, nil
}

// Fraction returns a resizer that scales both sides by factor, which must be in (0, 1].
func Fraction(factor float64) (Resizer, error) {
	if math.IsNaN(factor) || factor <= 0 || factor > 1 {
		return Resizer{}, tcerrors.ConfigurationError("new_fraction", "fraction must be in (0, 1], got %v", factor)
	}
	return Resizer{kind: KindFraction, factor: factor}, nil
}

// AtMost returns a resizer that downscales, keeping the aspect ratio, until the
// long side is at most long and the short side at most short.
func AtMost(long, short int) (Resizer, error) {
	if long <= 0 || short <= 0 {
		return Resizer{}, tcerrors.ConfigurationError("new_at_most", "bounds must be positive, got %dx%d", long, short)
	}
	if short > long {
		long, short = short, long
	}
	return Resizer{kind: KindAtMost, size: types.NewGeometry(long, short)}, nil
}

// Exact returns a resizer that always produces width x height.
func Exact(width, height int) (Resizer, error) {
	g := types.NewGeometry(width, height)
	if !g.Valid() {
		return Resizer{}, tcerrors.ConfigurationError("new_exact", "size must be positive, got %s", g)
	}
	return Resizer{kind: KindExact, size: g}, nil
}

// Multiple returns a resizer that rounds each side down to a multiple of n,
// never below n. Encoders working on 4:2:0 chroma typically need Multiple(2).
func Multiple(n int) (Resizer, error) {
	if n < 1 {
		return Resizer{}, tcerrors.ConfigurationError("new_multiple", "multiple must be at least 1, got %d", n)
	}
	return Resizer{kind: KindMultiple, n: n}, nil
}

// MustAspectRatio is like AspectRatio but panics on invalid input.
func MustAspectRatio(ratio float64, fit FitPolicy) Resizer {
	r, err := AspectRatio(ratio, fit)
	if err != nil {
		panic(err)
	}
	return r
}

// MustFraction is like Fraction but panics on invalid input.
func MustFraction(factor float64) Resizer {
	r, err := Fraction(factor)
	if err != nil {
		panic(err)
	}
	return r
}

// Kind returns the variant tag.
func (r Resizer) Kind() ResizerKind {
	if r.kind == "" {
		return KindPassThrough
	}
	return r.kind
}

// Fit returns the fit policy of an aspect-ratio resizer.
func (r Resizer) Fit() FitPolicy {
	return r.fit
}

// Resize applies the resizer to g. The input must be a valid geometry.
func (r Resizer) Resize(g types.Geometry) types.Geometry {
	switch r.Kind() {
	case KindAspectRatio:
		return resizeAspect(g, r.ratio, r.fit)
	case KindFraction:
		return types.NewGeometry(
			types.RoundDimension(float64(g.Width)*r.factor),
			types.RoundDimension(float64(g.Height)*r.factor),
		)
	case KindAtMost:
		return resizeAtMost(g, r.size.Width, r.size.Height)
	case KindExact:
		return r.size
	case KindMultiple:
		return types.NewGeometry(alignDown(g.Width, r.n), alignDown(g.Height, r.n))
	default:
		return g
	}
}

func (r Resizer) String() string {
	switch r.Kind() {
	case KindAspectRatio:
		return fmt.Sprintf("aspect(%.4f,%s)", r.ratio, r.fit)
	case KindFraction:
		return fmt.Sprintf("fraction(%.4f)", r.factor)
	case KindAtMost:
		return fmt.Sprintf("at_most(%d,%d)", r.size.Width, r.size.Height)
	case KindExact:
		return fmt.Sprintf("exact(%s)", r.size)
	case KindMultiple:
		return fmt.Sprintf("multiple(%d)", r.n)
	default:
		return string(KindPassThrough)
	}
}

func resizeAspect(g types.Geometry, ratio float64, fit FitPolicy) types.Geometry {
	current := g.Ratio()
	switch fit {
	case FitStretch:
		return types.NewGeometry(g.Width, types.RoundDimension(float64(g.Width)/ratio))
	case FitPad:
		if current > ratio {
			return types.NewGeometry(g.Width, types.RoundDimension(float64(g.Width)/ratio))
		}
		return types.NewGeometry(types.RoundDimension(float64(g.Height)*ratio), g.Height)
	default:
		if current > ratio {
			return types.NewGeometry(types.RoundDimension(float64(g.Height)*ratio), g.Height)
		}
		return types.NewGeometry(g.Width, types.RoundDimension(float64(g.Width)/ratio))
	}
}

func resizeAtMost(g types.Geometry, long, short int) types.Geometry {
	scale := math.Min(
		float64(long)/float64(g.LongSide()),
		float64(short)/float64(g.ShortSide()),
	)
	if scale >= 1 {
		return g
	}
	return types.NewGeometry(
		types.RoundDimension(float64(g.Width)*scale),
		types.RoundDimension(float64(g.Height)*scale),
	)
}

func alignDown(v, n int) int {
	aligned := v - v%n
	if aligned < n {
		return n
	}
	return aligned
}

// Chain is an ordered composition of resizers. An empty chain is the identity.
type Chain []Resizer

// Resize applies every resizer in order.
func (c Chain) Resize(g types.Geometry) types.Geometry {
	for _, r := range c {
		g = r.Resize(g)
	}
	return g
}

// Fit returns the fit policy of the last aspect-ratio resizer, or FitCrop.
func (c Chain) Fit() FitPolicy {
	for i := len(c) - 1; i >= 0; i-- {
		if c[i].Kind() == KindAspectRatio {
			return c[i].fit
		}
	}
	return FitCrop
}
