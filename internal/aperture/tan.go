package aperture

import (
	"fmt"
	"math"
	"strings"

	"photcal/internal/header"
)

const deg = math.Pi / 180

// TAN is a gnomonic projection with a linear CD matrix, the usual
// celestial WCS of survey cutouts. CRPix is 1-based as in FITS; the
// WCS methods take and return 0-based pixels.
type TAN struct {
	CRPix1, CRPix2 float64
	CRVal1, CRVal2 float64 // degrees
	CD             [2][2]float64
}

// NewTAN builds a TAN projection from a pixel scale (degrees/pixel) and a
// rotation (degrees) with RA increasing to the left.
func NewTAN(crpix1, crpix2, ra, dec, scale, rotation float64) TAN {
	sin, cos := math.Sincos(rotation * deg)
	return TAN{
		CRPix1: crpix1, CRPix2: crpix2,
		CRVal1: ra, CRVal2: dec,
		CD: [2][2]float64{
			{-scale * cos, -scale * sin},
			{-scale * sin, scale * cos},
		},
	}
}

// PixelToWorld implements WCS.
func (w TAN) PixelToWorld(x, y float64) (ra, dec float64) {
	dx := x + 1 - w.CRPix1
	dy := y + 1 - w.CRPix2
	xi := (w.CD[0][0]*dx + w.CD[0][1]*dy) * deg
	eta := (w.CD[1][0]*dx + w.CD[1][1]*dy) * deg

	sin0, cos0 := math.Sincos(w.CRVal2 * deg)
	den := cos0 - eta*sin0
	ra = w.CRVal1 + math.Atan2(xi, den)/deg
	dec = math.Atan2(sin0+eta*cos0, math.Hypot(xi, den)) / deg
	return math.Mod(ra+360, 360), dec
}

// WorldToPixel implements WCS.
func (w TAN) WorldToPixel(ra, dec float64) (x, y float64) {
	sin0, cos0 := math.Sincos(w.CRVal2 * deg)
	sinD, cosD := math.Sincos(dec * deg)
	sinA, cosA := math.Sincos((ra - w.CRVal1) * deg)

	c := sin0*sinD + cos0*cosD*cosA
	xi := cosD * sinA / c / deg
	eta := (cos0*sinD - sin0*cosD*cosA) / c / deg

	det := w.CD[0][0]*w.CD[1][1] - w.CD[0][1]*w.CD[1][0]
	dx := (w.CD[1][1]*xi - w.CD[0][1]*eta) / det
	dy := (-w.CD[1][0]*xi + w.CD[0][0]*eta) / det
	return dx + w.CRPix1 - 1, dy + w.CRPix2 - 1
}

// PixelScale is the mean pixel size in arcsec.
func (w TAN) PixelScale() float64 {
	det := w.CD[0][0]*w.CD[1][1] - w.CD[0][1]*w.CD[1][0]
	return math.Sqrt(math.Abs(det)) * 3600
}

// TANFromHeader reads CRPIX, CRVAL and either the CD matrix or
// CDELT/CROTA2 from an image header.
func TANFromHeader(md header.Metadata) (TAN, error) {
	for _, key := range []string{"CTYPE1", "CTYPE2"} {
		if !md.Has(key) {
			continue
		}
		ctype, err := md.String(key)
		if err != nil {
			return TAN{}, err
		}
		if !strings.HasSuffix(strings.TrimSpace(ctype), "-TAN") {
			return TAN{}, fmt.Errorf("unsupported projection %s=%q", key, ctype)
		}
	}

	var w TAN
	for _, f := range []struct {
		key string
		dst *float64
	}{
		{"CRPIX1", &w.CRPix1}, {"CRPIX2", &w.CRPix2},
		{"CRVAL1", &w.CRVal1}, {"CRVAL2", &w.CRVal2},
	} {
		v, err := md.Float(f.key)
		if err != nil {
			return TAN{}, err
		}
		*f.dst = v
	}

	if md.Has("CD1_1") {
		keys := [2][2]string{{"CD1_1", "CD1_2"}, {"CD2_1", "CD2_2"}}
		for i := range keys {
			for j, key := range keys[i] {
				if !md.Has(key) {
					continue // absent off-diagonal terms are zero
				}
				v, err := md.Float(key)
				if err != nil {
					return TAN{}, err
				}
				w.CD[i][j] = v
			}
		}
	} else {
		cdelt1, err := md.Float("CDELT1")
		if err != nil {
			return TAN{}, err
		}
		cdelt2, err := md.Float("CDELT2")
		if err != nil {
			return TAN{}, err
		}
		var rot float64
		if md.Has("CROTA2") {
			if rot, err = md.Float("CROTA2"); err != nil {
				return TAN{}, err
			}
		}
		sin, cos := math.Sincos(rot * deg)
		w.CD = [2][2]float64{
			{cdelt1 * cos, -cdelt2 * sin},
			{cdelt1 * sin, cdelt2 * cos},
		}
	}

	if w.CD[0][0]*w.CD[1][1]-w.CD[0][1]*w.CD[1][0] == 0 {
		return TAN{}, fmt.Errorf("singular CD matrix %v", w.CD)
	}
	return w, nil
}
