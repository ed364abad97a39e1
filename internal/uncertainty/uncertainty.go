// Package uncertainty propagates aperture-flux uncertainties into total
// flux uncertainties using each survey's documented error model.
//
// Every survey is a Model: it knows how to pull gain, read noise and
// exposure time out of an image header and how to combine its error
// terms. The Engine selects the model by survey name.
package uncertainty

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"photcal/internal/header"
)

// MagErrFactor is 2.5/ln(10) rounded as in the published error models.
const MagErrFactor = 1.0857

var (
	// ErrUnsupportedSurvey is returned for surveys without an error model.
	ErrUnsupportedSurvey = errors.New("survey not supported for error propagation")
	// ErrInvalidHeaderValue is returned when a header keyword is present but
	// holds a value the model has no rule for (unknown instrument, band...).
	ErrInvalidHeaderValue = errors.New("invalid header value")
)

// Input is one aperture measurement as seen by the error model. Flux must
// already carry any survey pre-correction.
type Input struct {
	Flux          float64
	FluxErr       float64
	Filter        string
	ApertureArea  float64
	Header        header.Metadata
	BackgroundRMS float64
}

// Detector holds the header-derived quantities a model may need.
type Detector struct {
	Gain         float64
	ReadNoise    float64
	ExposureTime float64
}

// Estimate is a model's magnitude error together with the flux it is
// expressed against. Flux differs from Input.Flux when the model works in
// rescaled units.
type Estimate struct {
	MagErr float64
	Flux   float64
}

// FluxErr converts the estimate back into flux units.
func (e Estimate) FluxErr() float64 {
	return math.Abs(e.Flux * 0.4 * math.Ln10 * e.MagErr)
}

// Model is one survey's metadata extraction and error formula.
type Model interface {
	Gain(md header.Metadata) (float64, error)
	ReadNoise(md header.Metadata) (float64, error)
	ExposureTime(md header.Metadata) (float64, error)
	Propagate(in Input, det Detector) (Estimate, error)
}

// ResolveDetector extracts gain, read noise and exposure time. It never
// modifies md.
func ResolveDetector(m Model, md header.Metadata) (Detector, error) {
	var det Detector
	var err error
	if det.ExposureTime, err = m.ExposureTime(md); err != nil {
		return Detector{}, fmt.Errorf("exposure time: %w", err)
	}
	if det.Gain, err = m.Gain(md); err != nil {
		return Detector{}, fmt.Errorf("gain: %w", err)
	}
	if det.ReadNoise, err = m.ReadNoise(md); err != nil {
		return Detector{}, fmt.Errorf("read noise: %w", err)
	}
	return det, nil
}

// Quadrature combines independent errors: sqrt(a² + b²).
func Quadrature(a, b float64) float64 {
	return math.Sqrt(a*a + b*b)
}

// BaseMagErr is the magnitude error of the aperture sum alone.
func BaseMagErr(flux, fluxErr float64) float64 {
	return MagErrFactor * fluxErr / flux
}

// ZeroPointErrorSource looks up the zero-point uncertainty of an HST filter.
type ZeroPointErrorSource interface {
	ZeroPointError(filter string, md header.Metadata) (float64, error)
}

// Engine dispatches to the model registered for a survey. It holds no
// per-call state and is safe for concurrent use.
type Engine struct {
	models map[string]Model
}

// EngineOption adjusts the model table at construction.
type EngineOption func(map[string]Model)

// WithModel registers or replaces the model for a survey.
func WithModel(survey string, m Model) EngineOption {
	return func(models map[string]Model) {
		models[survey] = m
	}
}

// NewEngine builds the engine with every known survey model. hst supplies
// the HST zero-point uncertainty tables.
func NewEngine(hst ZeroPointErrorSource, opts ...EngineOption) *Engine {
	models := defaultModels(hst)
	for _, opt := range opts {
		opt(models)
	}
	return &Engine{models: models}
}

// Surveys lists the surveys with an error model, sorted.
func (e *Engine) Surveys() []string {
	names := make([]string, 0, len(e.models))
	for name := range e.models {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Model returns the survey's model.
func (e *Engine) Model(survey string) (Model, error) {
	m, ok := e.models[survey]
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedSurvey, survey, strings.Join(e.Surveys(), ", "))
	}
	return m, nil
}

// Detector resolves the survey's detector quantities from md.
func (e *Engine) Detector(survey string, md header.Metadata) (Detector, error) {
	m, err := e.Model(survey)
	if err != nil {
		return Detector{}, err
	}
	return ResolveDetector(m, md)
}

// Estimate runs the survey model and returns its magnitude error.
func (e *Engine) Estimate(survey string, in Input) (Estimate, error) {
	m, err := e.Model(survey)
	if err != nil {
		return Estimate{}, err
	}
	det, err := ResolveDetector(m, in.Header)
	if err != nil {
		return Estimate{}, fmt.Errorf("%s: %w", survey, err)
	}
	est, err := m.Propagate(in, det)
	if err != nil {
		return Estimate{}, fmt.Errorf("%s: %w", survey, err)
	}
	return est, nil
}

// Propagate returns the total flux uncertainty of the measurement.
func (e *Engine) Propagate(survey string, in Input) (float64, error) {
	est, err := e.Estimate(survey, in)
	if err != nil {
		return 0, err
	}
	return est.FluxErr(), nil
}
