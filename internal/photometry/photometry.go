// Package photometry turns aperture fluxes into calibrated magnitudes.
package photometry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	"photcal/internal/aperture"
	"photcal/internal/header"
	"photcal/internal/survey"
	"photcal/internal/uncertainty"
)

// ZeroPointKeyword holds the zero point of surveys calibrated per image.
const ZeroPointKeyword = "MAGZP"

// Measurement is one aperture-photometry result awaiting calibration.
type Measurement struct {
	ID            string            `json:"id,omitempty"`
	Survey        string            `json:"survey"`
	Filter        string            `json:"filter"`
	Flux          float64           `json:"flux"`
	FluxErr       float64           `json:"flux_err"`
	ApertureArea  float64           `json:"aperture_area"`
	BackgroundRMS float64           `json:"background_rms"`
	Header        header.Metadata   `json:"header,omitempty"`
	Aperture      *aperture.Ellipse `json:"aperture,omitempty"`
}

// Result is a calibrated measurement. Flux and FluxErr carry every
// correction applied on the way to Magnitude.
type Result struct {
	Magnitude    float64 `json:"mag"`
	MagnitudeErr float64 `json:"mag_err"`
	Flux         float64 `json:"flux"`
	FluxErr      float64 `json:"flux_err"`
	ZeroPoint    float64 `json:"zp"`
}

// ApertureCorrector returns the encircled-energy fraction of an aperture.
type ApertureCorrector interface {
	Correction(filter string, area float64, md header.Metadata) (float64, error)
}

// abOffsets are per-filter magnitude offsets that bring a survey onto the
// AB system (SDSS) or onto AllWISE (unWISE).
var abOffsets = map[string]map[string]float64{
	survey.SDSS:   {"u": -0.04, "z": 0.02},
	survey.UnWISE: {"W1": -4e-3, "W2": -32e-3},
}

// countSurveys report total counts; flux is divided by exposure time after
// error propagation.
var countSurveys = map[string]bool{
	survey.PS1:    true,
	survey.VISTA:  true,
	survey.UKIDSS: true,
}

// Calculator calibrates measurements. It holds only read-only
// collaborators and is safe for concurrent use.
type Calculator struct {
	registry *survey.Registry
	engine   *uncertainty.Engine
	apcorr   ApertureCorrector
	log      *slog.Logger
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithLogger sets the logger used for debug output.
func WithLogger(log *slog.Logger) Option {
	return func(c *Calculator) {
		if log != nil {
			c.log = log
		}
	}
}

// NewCalculator wires the registry, error models and HST aperture
// corrections together.
func NewCalculator(reg *survey.Registry, engine *uncertainty.Engine, apc ApertureCorrector, opts ...Option) *Calculator {
	c := &Calculator{
		registry: reg,
		engine:   engine,
		apcorr:   apc,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ZeroPoint resolves the zero point for the measurement's survey and filter.
func (c *Calculator) ZeroPoint(m Measurement) (float64, error) {
	zp, err := c.registry.ZeroPoint(m.Survey)
	if err != nil {
		return 0, err
	}
	if zp.FromHeader {
		return m.Header.Float(ZeroPointKeyword)
	}
	return zp.For(m.Filter)
}

// Calibrate computes the calibrated magnitude of m. Non-positive flux gives
// a non-finite magnitude; it is not rejected.
func (c *Calculator) Calibrate(m Measurement) (Result, error) {
	if err := c.registry.ValidateFilters(m.Survey, m.Filter); err != nil {
		return Result{}, err
	}
	zp, err := c.ZeroPoint(m)
	if err != nil {
		return Result{}, fmt.Errorf("zero point: %w", err)
	}

	flux, fluxErr := m.Flux, m.FluxErr
	if offset, ok := abOffsets[m.Survey][m.Filter]; ok {
		scale := math.Pow(10, -0.4*offset)
		flux *= scale
		fluxErr *= scale
	}
	if m.Survey == survey.HST {
		if c.apcorr == nil {
			return Result{}, fmt.Errorf("%s: no aperture correction tables configured", m.Survey)
		}
		corr, err := c.apcorr.Correction(m.Filter, m.ApertureArea, m.Header)
		if err != nil {
			return Result{}, fmt.Errorf("aperture correction: %w", err)
		}
		flux *= corr
	}

	fluxErr, err = c.engine.Propagate(m.Survey, uncertainty.Input{
		Flux:          flux,
		FluxErr:       fluxErr,
		Filter:        m.Filter,
		ApertureArea:  m.ApertureArea,
		Header:        m.Header,
		BackgroundRMS: m.BackgroundRMS,
	})
	if err != nil {
		return Result{}, err
	}

	if countSurveys[m.Survey] {
		det, err := c.engine.Detector(m.Survey, m.Header)
		if err != nil {
			return Result{}, err
		}
		flux /= det.ExposureTime
		fluxErr /= det.ExposureTime
	}

	res := Result{
		Magnitude:    Magnitude(flux, zp),
		MagnitudeErr: MagnitudeErr(flux, fluxErr),
		Flux:         flux,
		FluxErr:      fluxErr,
		ZeroPoint:    zp,
	}
	c.log.Debug("calibrated measurement",
		"survey", m.Survey,
		"filter", m.Filter,
		"mag", res.Magnitude,
		"mag_err", res.MagnitudeErr,
	)
	return res, nil
}

// Magnitude is -2.5·log10(flux) + zp.
func Magnitude(flux, zp float64) float64 {
	return -2.5*math.Log10(flux) + zp
}

// MagnitudeErr is the magnitude uncertainty of a flux and its error.
func MagnitudeErr(flux, fluxErr float64) float64 {
	return math.Abs(2.5 * fluxErr / (flux * math.Ln10))
}

// FluxFromMagnitude inverts Magnitude.
func FluxFromMagnitude(mag, zp float64) float64 {
	return math.Pow(10, -0.4*(mag-zp))
}

// Finite reports whether every field of r is a finite number.
func (r Result) Finite() bool {
	for _, v := range []float64{r.Magnitude, r.MagnitudeErr, r.Flux, r.FluxErr, r.ZeroPoint} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes non-finite fields as null.
func (r Result) MarshalJSON() ([]byte, error) {
	num := func(v float64) *float64 {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
		return &v
	}
	return json.Marshal(struct {
		Magnitude    *float64 `json:"mag"`
		MagnitudeErr *float64 `json:"mag_err"`
		Flux         *float64 `json:"flux"`
		FluxErr      *float64 `json:"flux_err"`
		ZeroPoint    *float64 `json:"zp"`
	}{num(r.Magnitude), num(r.MagnitudeErr), num(r.Flux), num(r.FluxErr), num(r.ZeroPoint)})
}
