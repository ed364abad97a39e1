package uncertainty

import (
	"fmt"
	"math"

	"photcal/internal/survey"
)

// sdssCamera holds per-camcol values (index camcol-1) for one filter.
type sdssCamera struct {
	gain         [6]float64
	darkVariance [6]float64
}

// sdssCameras is the frame data model's gain and dark variance table.
var sdssCameras = map[string]sdssCamera{
	"u": {
		gain:         [6]float64{1.62, 1.595, 1.59, 1.6, 1.47, 2.17},
		darkVariance: [6]float64{9.61, 12.6025, 8.7025, 12.6025, 9.3025, 7.0225},
	},
	"g": {
		gain:         [6]float64{3.32, 3.855, 3.845, 3.995, 4.05, 4.035},
		darkVariance: [6]float64{15.6025, 1.44, 1.3225, 1.96, 1.1025, 1.8225},
	},
	"r": {
		gain:         [6]float64{4.71, 4.6, 4.72, 4.76, 4.725, 4.895},
		darkVariance: [6]float64{1.8225, 1.00, 1.3225, 1.3225, 0.81, 0.9025},
	},
	"i": {
		gain:         [6]float64{5.165, 6.565, 4.86, 4.885, 4.64, 4.76},
		darkVariance: [6]float64{7.84, 5.76, 4.6225, 6.25, 7.84, 5.0625},
	},
	"z": {
		gain:         [6]float64{4.745, 5.155, 4.885, 4.775, 3.48, 4.69},
		darkVariance: [6]float64{0.81, 1.0, 1.0, 9.61, 1.8225, 1.21},
	},
}

// SDSSCamera returns the gain and dark variance for a filter, camera
// column and run number, including the late-run detector changes.
func SDSSCamera(filter string, camcol, run int) (gain, darkVariance float64, err error) {
	cam, ok := sdssCameras[filter]
	if !ok {
		return 0, 0, fmt.Errorf("%w: SDSS has no filter %q", survey.ErrUnknownFilter, filter)
	}
	if camcol < 1 || camcol > 6 {
		return 0, 0, fmt.Errorf("%w: CAMCOL=%d", ErrInvalidHeaderValue, camcol)
	}
	gain = cam.gain[camcol-1]
	darkVariance = cam.darkVariance[camcol-1]

	switch {
	case filter == "u" && camcol == 2 && run > 1100:
		gain = 1.825
	case filter == "i" && run > 1500 && camcol == 2:
		darkVariance = 6.25
	case filter == "i" && run > 1500 && camcol == 4:
		darkVariance = 7.5625
	case filter == "z" && run > 1500 && camcol == 4:
		darkVariance = 12.6025
	case filter == "z" && run > 1500 && camcol == 5:
		darkVariance = 2.1025
	}
	return gain, darkVariance, nil
}

// sdssModel adds the camera's dark variance and shot noise.
type sdssModel struct {
	detector
}

func (m sdssModel) Propagate(in Input, _ Detector) (Estimate, error) {
	camcol, err := in.Header.Int("CAMCOL")
	if err != nil {
		return Estimate{}, err
	}
	run, err := in.Header.Int("RUN")
	if err != nil {
		return Estimate{}, err
	}
	gain, dv, err := SDSSCamera(in.Filter, camcol, run)
	if err != nil {
		return Estimate{}, err
	}

	extra := MagErrFactor * math.Sqrt(dv+in.Flux/gain) / in.Flux
	magErr := Quadrature(BaseMagErr(in.Flux, in.FluxErr), extra)
	return Estimate{MagErr: magErr, Flux: in.Flux}, nil
}
