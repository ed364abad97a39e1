// Package survey holds the static per-survey calibration configuration:
// valid filters, zero points and pixel scales.
package survey

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Survey identifiers known to the reference configuration.
const (
	PS1          = "PS1"
	DES          = "DES"
	SDSS         = "SDSS"
	GALEX        = "GALEX"
	TwoMASS      = "2MASS"
	WISE         = "WISE"
	UnWISE       = "unWISE"
	LegacySurvey = "LegacySurvey"
	Spitzer      = "Spitzer"
	VISTA        = "VISTA"
	HST          = "HST"
	SkyMapper    = "SkyMapper"
	SPLUS        = "SPLUS"
	UKIDSS       = "UKIDSS"
)

const headerMarker = "header"

var (
	ErrUnknownSurvey       = errors.New("unknown survey")
	ErrUnknownFilter       = errors.New("invalid filter for survey")
	ErrAmbiguousPixelScale = errors.New("ambiguous pixel scale")
)

//go:embed surveys.yaml
var defaultConfig []byte

// record is one row of the configuration table.
type record struct {
	Survey     string `yaml:"survey"`
	Filters    string `yaml:"filters"`
	ZP         string `yaml:"zp"`
	PixelScale string `yaml:"pixel_scale"`
	// ScaleKeys selects a pixel scale by substring of the filter name for
	// surveys whose filters are caller specified.
	ScaleKeys string `yaml:"pixel_scale_keys"`
}

// ZeroPoint is either a per-filter table or a marker that the value lives
// in each image's MAGZP keyword.
type ZeroPoint struct {
	FromHeader bool
	Values     map[string]float64
}

// For returns the zero point of filter.
func (z ZeroPoint) For(filter string) (float64, error) {
	if z.FromHeader {
		return 0, errors.New("zero point is defined per image header")
	}
	v, ok := z.Values[filter]
	if !ok {
		return 0, fmt.Errorf("%w: no zero point for filter %q", ErrUnknownFilter, filter)
	}
	return v, nil
}

// Descriptor is the immutable configuration of one survey.
type Descriptor struct {
	Name        string
	Filters     []string
	ZeroPoint   ZeroPoint
	PixelScales []float64
	scaleKeys   []string
	substring   bool
}

// FilterSpecified reports whether callers must name the filter themselves
// because the survey has no fixed filter set.
func (d Descriptor) FilterSpecified() bool {
	return len(d.Filters) == 0
}

// Registry maps survey names to descriptors. It is read-only after Load.
type Registry struct {
	surveys  map[string]Descriptor
	order    []string
	fallback bool
	log      *slog.Logger
}

// Option configures a Registry at load time.
type Option func(*Registry)

// WithPixelScaleFallback makes PixelScale use the first registered scale
// with a logged warning instead of failing when the filter is missing.
func WithPixelScaleFallback(log *slog.Logger) Option {
	return func(r *Registry) {
		r.fallback = true
		if log != nil {
			r.log = log
		}
	}
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
	defaultErr      error
)

// Default returns the strict registry built from the embedded configuration.
func Default() (*Registry, error) {
	defaultOnce.Do(func() {
		defaultRegistry, defaultErr = LoadDefault()
	})
	return defaultRegistry, defaultErr
}

// LoadDefault parses the embedded configuration.
func LoadDefault(opts ...Option) (*Registry, error) {
	return Load(strings.NewReader(string(defaultConfig)), opts...)
}

// LoadFile parses a configuration file from disk.
func LoadFile(path string, opts ...Option) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open survey config: %w", err)
	}
	defer f.Close()
	return Load(f, opts...)
}

// Load parses a YAML list of survey records.
func Load(r io.Reader, opts ...Option) (*Registry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read survey config: %w", err)
	}
	var recs []record
	if err := yaml.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("parse survey config: %w", err)
	}

	reg := &Registry{
		surveys: make(map[string]Descriptor, len(recs)),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(reg)
	}

	for _, rec := range recs {
		d, err := rec.descriptor()
		if err != nil {
			return nil, fmt.Errorf("survey %q: %w", rec.Survey, err)
		}
		if _, dup := reg.surveys[d.Name]; dup {
			return nil, fmt.Errorf("survey %q listed twice", d.Name)
		}
		reg.surveys[d.Name] = d
		reg.order = append(reg.order, d.Name)
	}
	return reg, nil
}

func splitList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseFloats(items []string) ([]float64, error) {
	out := make([]float64, len(items))
	for i, s := range items {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", s)
		}
		out[i] = v
	}
	return out, nil
}

func (rec record) descriptor() (Descriptor, error) {
	name := strings.TrimSpace(rec.Survey)
	if name == "" {
		return Descriptor{}, errors.New("empty survey name")
	}
	d := Descriptor{Name: name, Filters: splitList(rec.Filters)}

	zp := strings.TrimSpace(rec.ZP)
	if zp == headerMarker {
		d.ZeroPoint.FromHeader = true
	} else {
		if d.FilterSpecified() {
			return Descriptor{}, errors.New("numeric zero points need a filter list")
		}
		values, err := parseFloats(splitList(zp))
		if err != nil {
			return Descriptor{}, fmt.Errorf("zp: %w", err)
		}
		switch len(values) {
		case 1:
			values = slices.Repeat(values, len(d.Filters))
		case len(d.Filters):
		default:
			return Descriptor{}, fmt.Errorf("zp: %d values for %d filters", len(values), len(d.Filters))
		}
		d.ZeroPoint.Values = make(map[string]float64, len(d.Filters))
		for i, f := range d.Filters {
			d.ZeroPoint.Values[f] = values[i]
		}
	}

	scales, err := parseFloats(splitList(rec.PixelScale))
	if err != nil {
		return Descriptor{}, fmt.Errorf("pixel_scale: %w", err)
	}
	if len(scales) == 0 {
		return Descriptor{}, errors.New("pixel_scale: no value")
	}
	d.PixelScales = scales

	if len(scales) > 1 {
		switch keys := splitList(rec.ScaleKeys); {
		case len(keys) > 0:
			d.scaleKeys, d.substring = keys, true
		case d.FilterSpecified():
			// historical detector order of the reference table
			d.scaleKeys, d.substring = []string{"UVIS", "IR"}, true
		default:
			d.scaleKeys = d.Filters
		}
		if len(d.scaleKeys) != len(scales) {
			return Descriptor{}, fmt.Errorf("pixel_scale: %d values for %d keys", len(scales), len(d.scaleKeys))
		}
	}
	return d, nil
}

// Surveys returns the registered names in configuration order.
func (r *Registry) Surveys() []string {
	return slices.Clone(r.order)
}

// Lookup returns a copy of the survey's descriptor.
func (r *Registry) Lookup(name string) (Descriptor, error) {
	d, ok := r.surveys[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q (known: %s)", ErrUnknownSurvey, name, strings.Join(r.order, ", "))
	}
	d.Filters = slices.Clone(d.Filters)
	d.PixelScales = slices.Clone(d.PixelScales)
	if d.ZeroPoint.Values != nil {
		values := make(map[string]float64, len(d.ZeroPoint.Values))
		for k, v := range d.ZeroPoint.Values {
			values[k] = v
		}
		d.ZeroPoint.Values = values
	}
	return d, nil
}

// Filters returns the ordered filter set, or nil when the survey's filter
// must be given by the caller.
func (r *Registry) Filters(name string) ([]string, error) {
	d, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	return d.Filters, nil
}

// ZeroPoint returns the survey's zero-point source.
func (r *Registry) ZeroPoint(name string) (ZeroPoint, error) {
	d, err := r.Lookup(name)
	if err != nil {
		return ZeroPoint{}, err
	}
	return d.ZeroPoint, nil
}

// ValidateFilters checks filters against the survey's filter set. Surveys
// with caller-specified filters only reject empty names.
func (r *Registry) ValidateFilters(name string, filters ...string) error {
	d, err := r.Lookup(name)
	if err != nil {
		return err
	}
	for _, f := range filters {
		if d.FilterSpecified() {
			if strings.TrimSpace(f) == "" {
				return fmt.Errorf("%w: %s needs an explicit filter", ErrUnknownFilter, name)
			}
			continue
		}
		if !slices.Contains(d.Filters, f) {
			return fmt.Errorf("%w: %q is not a valid option for %s (%s)",
				ErrUnknownFilter, f, name, strings.Join(d.Filters, ","))
		}
	}
	return nil
}

// PixelScale returns the pixel scale in arcsec/pixel. Surveys with several
// scales need filter to pick one.
func (r *Registry) PixelScale(name, filter string) (float64, error) {
	d, ok := r.surveys[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSurvey, name)
	}
	if len(d.PixelScales) == 1 {
		return d.PixelScales[0], nil
	}

	if filter != "" {
		for i, key := range d.scaleKeys {
			if key == filter || (d.substring && strings.Contains(filter, key)) {
				return d.PixelScales[i], nil
			}
		}
		if d.substring {
			return 0, fmt.Errorf("%w: %q is not a valid %s filter", ErrUnknownFilter, filter, name)
		}
	}

	if !r.fallback {
		return 0, fmt.Errorf("%w: %s has %d pixel scales and filter %q selects none",
			ErrAmbiguousPixelScale, name, len(d.PixelScales), filter)
	}
	r.log.Warn("no pixel scale for filter, using first registered scale",
		"survey", name,
		"filter", filter,
		"fallback_key", d.scaleKeys[0],
		"pixel_scale", d.PixelScales[0],
	)
	return d.PixelScales[0], nil
}
