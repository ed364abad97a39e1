// Package aperture carries elliptical apertures from one image's pixel
// grid to another's through their sky coordinates.
package aperture

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Ellipse is an aperture in 0-based pixel coordinates. Theta is the angle
// of the semi-major axis A from the x axis, in radians.
type Ellipse struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	A     float64 `json:"a"`
	B     float64 `json:"b"`
	Theta float64 `json:"theta"`
}

// WCS maps pixel coordinates to sky coordinates (degrees) and back.
type WCS interface {
	PixelToWorld(x, y float64) (ra, dec float64)
	WorldToPixel(ra, dec float64) (x, y float64)
}

func transfer(from, to WCS, x, y float64) (float64, float64) {
	ra, dec := from.PixelToWorld(x, y)
	return to.WorldToPixel(ra, dec)
}

// Adapt maps each ellipse from the pixel frame of from to that of to. The
// centre and both semi-axis endpoints are carried through the sky; flip
// negates the resulting angle for images stored mirrored. The factor is
// the mean ratio of input to output semi-major axes, NaN when objs is
// empty. objs is not modified.
func Adapt(objs []Ellipse, from, to WCS, flip bool) ([]Ellipse, float64) {
	out := make([]Ellipse, len(objs))
	ratios := make([]float64, len(objs))
	for i, e := range objs {
		sin, cos := math.Sincos(e.Theta)

		cx, cy := transfer(from, to, e.X, e.Y)
		ax, ay := transfer(from, to, e.X+e.A*cos, e.Y+e.A*sin)
		bx, by := transfer(from, to, e.X-e.B*sin, e.Y+e.B*cos)

		adapted := Ellipse{
			X:     cx,
			Y:     cy,
			A:     math.Hypot(ax-cx, ay-cy),
			B:     math.Hypot(bx-cx, by-cy),
			Theta: math.Atan2(ay-cy, ax-cx),
		}
		if flip {
			adapted.Theta = -adapted.Theta
		}
		out[i] = adapted
		ratios[i] = e.A / adapted.A
	}
	if len(ratios) == 0 {
		return out, math.NaN()
	}
	return out, floats.Sum(ratios) / float64(len(ratios))
}
