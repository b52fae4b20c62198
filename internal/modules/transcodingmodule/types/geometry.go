// Package types provides the value types shared by the transcoding module:
// frame geometry, probed track formats and job states.
package types

import (
	"fmt"
	"math"
)

// Geometry is the pixel size of a video frame.
type Geometry struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// NewGeometry creates a geometry from a width and height.
func NewGeometry(width, height int) Geometry {
	return Geometry{Width: width, Height: height}
}

// Valid reports whether both dimensions are positive.
func (g Geometry) Valid() bool {
	return g.Width > 0 && g.Height > 0
}

// Ratio returns width / height, or 0 for an invalid geometry.
func (g Geometry) Ratio() float64 {
	if !g.Valid() {
		return 0
	}
	return float64(g.Width) / float64(g.Height)
}

// Swap returns the geometry with width and height exchanged.
func (g Geometry) Swap() Geometry {
	return Geometry{Width: g.Height, Height: g.Width}
}

// LongSide returns the larger dimension.
func (g Geometry) LongSide() int {
	if g.Width >= g.Height {
		return g.Width
	}
	return g.Height
}

// ShortSide returns the smaller dimension.
func (g Geometry) ShortSide() int {
	if g.Width >= g.Height {
		return g.Height
	}
	return g.Width
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%d", g.Width, g.Height)
}

// RoundDimension rounds a scaled dimension to the nearest pixel, never
// returning less than one pixel.
func RoundDimension(v float64) int {
	if math.IsNaN(v) || v < 1 {
		return 1
	}
	if math.IsInf(v, 1) || v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(math.Round(v))
}
