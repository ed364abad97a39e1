package uncertainty

import (
	"fmt"
	"math"

	"photcal/internal/survey"
)

// term is an extra magnitude error combined in quadrature.
type term func(in Input) (float64, error)

// filterTable looks the term up by filter; unknown filters are an error.
func filterTable(what string, table map[string]float64) term {
	return func(in Input) (float64, error) {
		v, ok := table[in.Filter]
		if !ok {
			return 0, fmt.Errorf("%w: no %s for filter %q", survey.ErrUnknownFilter, what, in.Filter)
		}
		return v, nil
	}
}

// filterTableOr looks the term up by filter with a default for the rest.
func filterTableOr(table map[string]float64, def float64) term {
	return func(in Input) (float64, error) {
		if v, ok := table[in.Filter]; ok {
			return v, nil
		}
		return def, nil
	}
}

// headerTerm reads the term from an image keyword.
func headerTerm(key string) term {
	return func(in Input) (float64, error) { return in.Header.Float(key) }
}

func addTerms(magErr float64, in Input, terms []term) (float64, error) {
	for _, t := range terms {
		v, err := t(in)
		if err != nil {
			return 0, err
		}
		magErr = Quadrature(magErr, v)
	}
	return magErr, nil
}

// readNoiseModel adds shot and read noise of the aperture to the base term,
// followed by any zero-point terms.
type readNoiseModel struct {
	detector
	// fluxScale divides the flux before the shot-noise term; the returned
	// estimate is expressed against the divided flux.
	fluxScale extractor
	terms     []term
}

func (m readNoiseModel) Propagate(in Input, det Detector) (Estimate, error) {
	magErr := BaseMagErr(in.Flux, in.FluxErr)

	flux := in.Flux
	if m.fluxScale != nil {
		scale, err := m.fluxScale(in.Header)
		if err != nil {
			return Estimate{}, err
		}
		flux /= scale
	}

	shot := MagErrFactor * math.Sqrt(in.ApertureArea*(det.ReadNoise*det.ReadNoise)+flux/det.Gain) / flux
	magErr = Quadrature(magErr, shot)

	magErr, err := addTerms(magErr, in, m.terms)
	if err != nil {
		return Estimate{}, err
	}
	return Estimate{MagErr: magErr, Flux: flux}, nil
}

// termModel adds only zero-point terms to the base term.
type termModel struct {
	detector
	terms []term
}

func (m termModel) Propagate(in Input, _ Detector) (Estimate, error) {
	magErr, err := addTerms(BaseMagErr(in.Flux, in.FluxErr), in, m.terms)
	if err != nil {
		return Estimate{}, err
	}
	return Estimate{MagErr: magErr, Flux: in.Flux}, nil
}

// galexModel treats the flux as a count rate and adds the asymmetric
// Poisson error with a filter-dependent instrumental background fraction.
type galexModel struct {
	detector
}

var galexBackgroundFraction = map[string]float64{
	"FUV": 0.050,
	"NUV": 0.027,
}

func (m galexModel) Propagate(in Input, det Detector) (Estimate, error) {
	k, ok := galexBackgroundFraction[in.Filter]
	if !ok {
		return Estimate{}, fmt.Errorf("%w: GALEX has no filter %q", survey.ErrUnknownFilter, in.Filter)
	}
	cps := in.Flux
	t := det.ExposureTime
	counts := cps * t
	spread := math.Pow(counts+math.Pow(k*cps*t, 2), 0.5) / t
	uvErr := -2.5 * (math.Log10(cps) - math.Log10(cps+spread))

	magErr := Quadrature(BaseMagErr(in.Flux, in.FluxErr), uvErr)
	return Estimate{MagErr: magErr, Flux: in.Flux}, nil
}

// twoMassModel computes the signal-to-noise of 2MASS Atlas coadds, which
// replaces the aperture-sum error entirely.
type twoMassModel struct {
	detector
}

const (
	twoMassCoadds       = 6   // frames per coadd pixel
	twoMassKernel       = 1.7 // kernel smoothing factor
	twoMassCorrelated   = 0.024
	twoMassPixelsPerRaw = 4 // coadd pixels per frame pixel
)

func (m twoMassModel) Propagate(in Input, det Detector) (Estimate, error) {
	s := in.Flux
	framePixels := in.ApertureArea
	coaddPixels := twoMassPixelsPerRaw * framePixels
	sigma := in.BackgroundRMS

	snr := s / math.Sqrt(
		s/(det.Gain*twoMassCoadds)+
			coaddPixels*math.Pow(2*twoMassKernel*sigma, 2)+
			math.Pow(coaddPixels*twoMassCorrelated*sigma, 2),
	)
	return Estimate{MagErr: MagErrFactor / snr, Flux: in.Flux}, nil
}

// wiseModel is the WISE Atlas image photometry error: noise pixels,
// input/output pixel-scale ratio, background and confusion, followed by
// the zero-point uncertainty.
type wiseModel struct {
	detector
	zeroPoint term
}

// wisePixelScaleRatio is detector over Atlas pixel scale.
var wisePixelScaleRatio = map[string]float64{"W1": 2, "W2": 2, "W3": 2, "W4": 4}

const wiseConfusionFactor = 1.179

func (m wiseModel) Propagate(in Input, _ Detector) (Estimate, error) {
	ratio, ok := wisePixelScaleRatio[in.Filter]
	if !ok {
		return Estimate{}, fmt.Errorf("%w: WISE has no filter %q", survey.ErrUnknownFilter, in.Filter)
	}

	// no PSF-fit aperture correction for aperture photometry
	const magApCorr = 0.0
	fApCorr := math.Pow(10, -0.4*magApCorr)
	fSrc := fApCorr * in.Flux

	noisePixels := in.ApertureArea
	fCorr := noisePixels * ratio * ratio

	const k = 1.0
	nA, nB := in.ApertureArea, in.ApertureArea
	sigmaConf := in.FluxErr
	sigmaSrc := math.Sqrt(
		fApCorr*fApCorr*fCorr*(in.FluxErr*in.FluxErr+k*(nA*nA)/nB*(in.BackgroundRMS*in.BackgroundRMS)) +
			sigmaConf*sigmaConf,
	)
	magErr := math.Sqrt(wiseConfusionFactor * (sigmaSrc * sigmaSrc) / (fSrc * fSrc))

	zpErr, err := m.zeroPoint(in)
	if err != nil {
		return Estimate{}, err
	}
	return Estimate{MagErr: Quadrature(magErr, zpErr), Flux: in.Flux}, nil
}

func defaultModels(hst ZeroPointErrorSource) map[string]Model {
	rn := func(name string, terms ...term) readNoiseModel {
		return readNoiseModel{detector: detectors[name], terms: terms}
	}

	models := map[string]Model{
		survey.PS1: rn(survey.PS1, filterTable("PS1 floor error", map[string]float64{
			"g": 14e-3, "r": 14e-3, "i": 15e-3, "z": 15e-3, "y": 18e-3,
		})),
		survey.DES: rn(survey.DES,
			filterTable("DES zero-point statistical error", map[string]float64{
				"g": 2.6e-3, "r": 2.9e-3, "i": 3.4e-3, "z": 2.5e-3, "Y": 4.5e-3,
			}),
			filterTable("DES coadd zero-point error", map[string]float64{
				"g": 5e-3, "r": 4e-3, "i": 5e-3, "z": 6e-3, "Y": 5e-3,
			}),
		),
		survey.LegacySurvey: rn(survey.LegacySurvey, filterTable("Legacy Survey calibration error", map[string]float64{
			"g": 5.0e-3, "r": 3.9e-3, "i": 4.3e-3, "z": 5.5e-3,
		})),
		survey.Spitzer: readNoiseModel{
			detector:  detectors[survey.Spitzer],
			fluxScale: keyword("EFCONV"),
		},
		survey.VISTA:     rn(survey.VISTA, headerTerm("MAGZRR")),
		survey.SkyMapper: rn(survey.SkyMapper, headerTerm("ZPTERR")),
		survey.SPLUS: rn(survey.SPLUS, filterTableOr(map[string]float64{
			"U": 25e-3, "F395": 25e-3, "F378": 15e-3,
		}, 1e-3)),
		survey.UKIDSS: rn(survey.UKIDSS, headerTerm("MAGZRR")),

		survey.SDSS:    sdssModel{detector: detectors[survey.SDSS]},
		survey.GALEX:   galexModel{detector: detectors[survey.GALEX]},
		survey.TwoMASS: twoMassModel{detector: detectors[survey.TwoMASS]},
		survey.WISE: wiseModel{
			detector:  detectors[survey.WISE],
			zeroPoint: headerTerm("MAGZPUNC"),
		},
		survey.UnWISE: wiseModel{
			detector: detectors[survey.UnWISE],
			zeroPoint: filterTable("unWISE zero-point error", map[string]float64{
				"W1": 0.006, "W2": 0.007, "W3": 0.012, "W4": 0.012,
			}),
		},
	}

	if hst != nil {
		models[survey.HST] = termModel{
			detector: detectors[survey.HST],
			terms: []term{func(in Input) (float64, error) {
				return hst.ZeroPointError(in.Filter, in.Header)
			}},
		}
	}
	return models
}
