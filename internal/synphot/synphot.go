// Package synphot computes synthetic photometry: the flux density of a
// spectrum seen through a filter transmission curve.
package synphot

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/interp"
)

var (
	ErrInvalidCurve = errors.New("invalid curve")
	ErrNoOverlap    = errors.New("spectrum and filter do not overlap")
)

// Response is the kind of quantity a transmission curve describes.
type Response int

const (
	// PhotonResponse curves give the probability of detecting a photon.
	PhotonResponse Response = iota
	// EnergyResponse curves are converted by dividing by wavelength.
	EnergyResponse
)

// ParseResponse maps "photon" and "energy" to a Response.
func ParseResponse(s string) (Response, error) {
	switch strings.ToLower(s) {
	case "", "photon":
		return PhotonResponse, nil
	case "energy":
		return EnergyResponse, nil
	}
	return 0, fmt.Errorf("unknown response type %q (photon or energy)", s)
}

func (r Response) String() string {
	if r == EnergyResponse {
		return "energy"
	}
	return "photon"
}

// Curve is a sampled function of wavelength. Wave must increase strictly.
type Curve struct {
	Wave   []float64
	Values []float64
}

func (c Curve) validate(what string) error {
	if len(c.Wave) != len(c.Values) {
		return fmt.Errorf("%w: %s has %d wavelengths for %d values", ErrInvalidCurve, what, len(c.Wave), len(c.Values))
	}
	if len(c.Wave) < 2 {
		return fmt.Errorf("%w: %s needs at least two samples", ErrInvalidCurve, what)
	}
	for i := 1; i < len(c.Wave); i++ {
		if c.Wave[i] <= c.Wave[i-1] {
			return fmt.Errorf("%w: %s wavelengths not increasing at %v", ErrInvalidCurve, what, c.Wave[i])
		}
	}
	return nil
}

// Integrate returns ∫f·R·λ dλ / ∫R·λ dλ, the numerator on the spectrum grid
// and the denominator on the filter grid. R is the filter response
// interpolated onto the spectrum grid and zero outside its support.
func Integrate(spectrum, filter Curve, resp Response) (float64, error) {
	if err := spectrum.validate("spectrum"); err != nil {
		return 0, err
	}
	if err := filter.validate("filter"); err != nil {
		return 0, err
	}

	fLo, fHi := filter.Wave[0], filter.Wave[len(filter.Wave)-1]
	sLo, sHi := spectrum.Wave[0], spectrum.Wave[len(spectrum.Wave)-1]
	if sHi < fLo || sLo > fHi {
		return 0, fmt.Errorf("%w: spectrum [%g, %g], filter [%g, %g]", ErrNoOverlap, sLo, sHi, fLo, fHi)
	}

	response := slices.Clone(filter.Values)
	if resp == EnergyResponse {
		floats.Div(response, filter.Wave)
	}

	var pl interp.PiecewiseLinear
	if err := pl.Fit(filter.Wave, response); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCurve, err)
	}
	onGrid := make([]float64, len(spectrum.Wave))
	for i, w := range spectrum.Wave {
		if w >= fLo && w <= fHi {
			onGrid[i] = pl.Predict(w)
		}
	}

	num := make([]float64, len(spectrum.Wave))
	floats.MulTo(num, spectrum.Values, onGrid)
	floats.Mul(num, spectrum.Wave)

	den := make([]float64, len(filter.Wave))
	floats.MulTo(den, response, filter.Wave)

	norm := integrate.Trapezoidal(filter.Wave, den)
	if norm == 0 {
		return 0, fmt.Errorf("%w: filter response integrates to zero", ErrInvalidCurve)
	}
	return integrate.Trapezoidal(spectrum.Wave, num) / norm, nil
}

// ReadCurve reads a whitespace-separated two-column table. Lines starting
// with # are skipped and extra columns are ignored.
func ReadCurve(r io.Reader) (Curve, error) {
	var c Curve
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 2 {
			return Curve{}, fmt.Errorf("%w: line %d has %d columns", ErrInvalidCurve, line, len(fields))
		}
		w, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return Curve{}, fmt.Errorf("%w: line %d: %v", ErrInvalidCurve, line, err)
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return Curve{}, fmt.Errorf("%w: line %d: %v", ErrInvalidCurve, line, err)
		}
		c.Wave = append(c.Wave, w)
		c.Values = append(c.Values, v)
	}
	if err := sc.Err(); err != nil {
		return Curve{}, err
	}
	if err := c.validate("curve"); err != nil {
		return Curve{}, err
	}
	return c, nil
}

// Legacy Survey filter sets.
const (
	VersionDECam    = "DECam"
	VersionBASSMzLS = "BASS+MzLS"
)

// CurvePath locates a survey filter's transmission file inside fsys, laid
// out as <survey>/<survey>_<filter>.dat. unWISE shares the WISE curves,
// the Legacy Survey needs a filter-set version and HST files are matched
// by name below HST/<instrument>/.
func CurvePath(fsys fs.FS, surveyName, filter, version string) (string, error) {
	switch surveyName {
	case "WISE", "unWISE":
		return path.Join("WISE", "WISE_"+filter+".dat"), nil
	case "LegacySurvey":
		switch version {
		case VersionBASSMzLS:
			if filter == "z" {
				return path.Join(surveyName, "MzLS_z.dat"), nil
			}
			return path.Join(surveyName, "BASS_"+filter+".dat"), nil
		case VersionDECam:
			return path.Join(surveyName, "DECAM_"+filter+".dat"), nil
		}
		return "", fmt.Errorf("legacy survey filter version %q (want %s or %s)", version, VersionDECam, VersionBASSMzLS)
	case "HST":
		// UVIS detectors differ little; the UVIS2 curve stands for both
		name := strings.Replace(filter, "UVIS", "UVIS2", 1)
		matches, err := fs.Glob(fsys, "HST/*/*")
		if err != nil {
			return "", err
		}
		slices.Sort(matches)
		for _, m := range matches {
			if strings.Contains(path.Base(m), name) {
				return m, nil
			}
		}
		return "", fmt.Errorf("no HST transmission curve for %s", filter)
	}
	return path.Join(surveyName, surveyName+"_"+filter+".dat"), nil
}

// LoadCurve reads a survey filter's transmission curve from fsys.
func LoadCurve(fsys fs.FS, surveyName, filter, version string) (Curve, error) {
	name, err := CurvePath(fsys, surveyName, filter, version)
	if err != nil {
		return Curve{}, err
	}
	f, err := fsys.Open(name)
	if err != nil {
		return Curve{}, err
	}
	defer f.Close()
	c, err := ReadCurve(f)
	if err != nil {
		return Curve{}, fmt.Errorf("%s: %w", name, err)
	}
	return c, nil
}
