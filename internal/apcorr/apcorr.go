// Package apcorr resolves HST encircled-energy aperture corrections and the
// zero-point (PHOTFLAM) uncertainty tables that go with them.
package apcorr

import (
	"bufio"
	"embed"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gonum.org/v1/gonum/interp"

	"photcal/internal/header"
)

// ErrUnknownInstrumentOrFilter is returned when no table or table row
// matches the requested instrument and filter.
var ErrUnknownInstrumentOrFilter = errors.New("unknown instrument or filter")

const (
	// DefaultStep is the radius step of the interpolation grid.
	DefaultStep = 0.01
	// gridLimit bounds the grid: radii i*step for i*step < gridLimit.
	gridLimit = 9.0
	// apertureKeyword disambiguates the UVIS detector.
	apertureKeyword = "APERTURE"
)

//go:embed data
var embedded embed.FS

// Table is an encircled-energy curve per filter over shared radii.
type Table struct {
	Radii     []float64
	Fractions map[string][]float64
}

// ParseTable reads a CSV table with a FILTER column and APER#<radius>
// (or AP#<radius>) columns. Other columns are ignored.
func ParseTable(r io.Reader) (*Table, error) {
	rows, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read aperture table: %w", err)
	}
	if len(rows) < 2 {
		return nil, errors.New("aperture table has no rows")
	}

	filterCol := -1
	var apCols []int
	var radii []float64
	for i, col := range rows[0] {
		col = strings.TrimSpace(col)
		switch {
		case strings.EqualFold(col, "FILTER"):
			filterCol = i
		case strings.HasPrefix(col, "AP"):
			raw := strings.TrimPrefix(strings.TrimPrefix(col, "APER#"), "AP#")
			radius, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("aperture column %q: %w", col, err)
			}
			apCols = append(apCols, i)
			radii = append(radii, radius)
		}
	}
	if filterCol < 0 || len(apCols) < 2 {
		return nil, errors.New("aperture table needs a FILTER column and at least two aperture columns")
	}
	for i := 1; i < len(radii); i++ {
		if radii[i] <= radii[i-1] {
			return nil, fmt.Errorf("aperture radii not increasing at %v", radii[i])
		}
	}

	t := &Table{Radii: radii, Fractions: make(map[string][]float64, len(rows)-1)}
	for _, row := range rows[1:] {
		name := strings.TrimSpace(row[filterCol])
		if _, dup := t.Fractions[name]; dup {
			// first row wins, as a row lookup would
			continue
		}
		fracs := make([]float64, len(apCols))
		for j, c := range apCols {
			v, err := strconv.ParseFloat(strings.TrimSpace(row[c]), 64)
			if err != nil {
				return nil, fmt.Errorf("filter %s column %d: %w", name, c, err)
			}
			fracs[j] = v
		}
		t.Fractions[name] = fracs
	}
	return t, nil
}

// ZeroPointTable maps filter names to PHOTFLAM and its uncertainty.
type ZeroPointTable map[string][2]float64

// ParseZeroPointTable reads whitespace-separated Filter PHOTFLAM ERR_PHOTFLAM rows.
func ParseZeroPointTable(r io.Reader) (ZeroPointTable, error) {
	sc := bufio.NewScanner(r)
	cols := map[string]int{}
	out := ZeroPointTable{}
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		if len(cols) == 0 {
			for i, f := range fields {
				cols[f] = i
			}
			for _, need := range []string{"Filter", "PHOTFLAM", "ERR_PHOTFLAM"} {
				if _, ok := cols[need]; !ok {
					return nil, fmt.Errorf("zero-point table missing column %s", need)
				}
			}
			continue
		}
		if len(fields) < len(cols) {
			return nil, fmt.Errorf("short zero-point row %q", sc.Text())
		}
		flam, err := strconv.ParseFloat(fields[cols["PHOTFLAM"]], 64)
		if err != nil {
			return nil, fmt.Errorf("PHOTFLAM: %w", err)
		}
		errFlam, err := strconv.ParseFloat(fields[cols["ERR_PHOTFLAM"]], 64)
		if err != nil {
			return nil, fmt.Errorf("ERR_PHOTFLAM: %w", err)
		}
		name := fields[cols["Filter"]]
		if _, dup := out[name]; !dup {
			out[name] = [2]float64{flam, errFlam}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Resolver loads tables lazily from a file system and caches them per
// instrument. It is safe for concurrent use.
type Resolver struct {
	fsys fs.FS
	step float64

	mu       sync.Mutex
	tables   map[string]*Table
	zpTables map[string]ZeroPointTable
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithStep sets the interpolation grid step.
func WithStep(step float64) Option {
	return func(r *Resolver) {
		if step > 0 {
			r.step = step
		}
	}
}

// NewResolver reads tables from fsys.
func NewResolver(fsys fs.FS, opts ...Option) *Resolver {
	r := &Resolver{
		fsys:     fsys,
		step:     DefaultStep,
		tables:   make(map[string]*Table),
		zpTables: make(map[string]ZeroPointTable),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewEmbeddedResolver uses the reference tables shipped with the binary.
func NewEmbeddedResolver(opts ...Option) *Resolver {
	sub, err := fs.Sub(embedded, "data")
	if err != nil {
		panic(err)
	}
	return NewResolver(sub, opts...)
}

// NewDirResolver reads tables from dir, falling back to the embedded
// tables when dir is empty.
func NewDirResolver(dir string, opts ...Option) *Resolver {
	if dir == "" {
		return NewEmbeddedResolver(opts...)
	}
	return NewResolver(os.DirFS(dir), opts...)
}

// Instrument splits an HST filter id such as WFC3_UVIS_F225W into
// instrument and filter. UVIS is replaced by the image's APERTURE keyword.
func Instrument(filter string, md header.Metadata) (instrument, band string, err error) {
	parts := strings.Split(filter, "_")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("%w: %q is not an <instrument>_<filter> id", ErrUnknownInstrumentOrFilter, filter)
	}
	band = parts[len(parts)-1]
	instrument = parts[len(parts)-2]
	if instrument == "UVIS" {
		instrument, err = md.String(apertureKeyword)
		if err != nil {
			return "", "", err
		}
	}
	return instrument, band, nil
}

// Radius is the radius of the circle with the given area.
func Radius(area float64) float64 {
	return math.Sqrt(area / math.Pi)
}

// Correction returns the encircled-energy fraction for an aperture of the
// given area (pixels²).
func (r *Resolver) Correction(filter string, area float64, md header.Metadata) (float64, error) {
	instrument, band, err := Instrument(filter, md)
	if err != nil {
		return 0, err
	}
	t, err := r.table(instrument)
	if err != nil {
		return 0, err
	}
	fracs, ok := t.Fractions[band]
	if !ok {
		return 0, fmt.Errorf("%w: no %s row in %s aperture table", ErrUnknownInstrumentOrFilter, band, instrument)
	}
	return Interpolate(t.Radii, fracs, Radius(area), r.step)
}

// ZeroPointError returns the magnitude uncertainty of the filter's PHOTFLAM.
func (r *Resolver) ZeroPointError(filter string, md header.Metadata) (float64, error) {
	instrument, band, err := Instrument(filter, md)
	if err != nil {
		return 0, err
	}
	t, err := r.zeroPointTable(instrument)
	if err != nil {
		return 0, err
	}
	row, ok := t[band]
	if !ok {
		return 0, fmt.Errorf("%w: no %s row in %s zero-point table", ErrUnknownInstrumentOrFilter, band, instrument)
	}
	return math.Abs(2.5 * row[1] / (row[0] * math.Ln10)), nil
}

func (r *Resolver) table(instrument string) (*Table, error) {
	key := strings.ToLower(instrument)

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tables[key]; ok {
		return t, nil
	}

	names, err := fs.Glob(r.fsys, "*")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	var match string
	for _, name := range names {
		if strings.Contains(name, key+"_aper") {
			match = name
			break
		}
	}
	if match == "" {
		return nil, fmt.Errorf("%w: no aperture table for %s", ErrUnknownInstrumentOrFilter, instrument)
	}

	f, err := r.fsys.Open(match)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := ParseTable(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", match, err)
	}
	r.tables[key] = t
	return t, nil
}

func (r *Resolver) zeroPointTable(instrument string) (ZeroPointTable, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.zpTables[instrument]; ok {
		return t, nil
	}

	name := instrument + "_err.txt"
	f, err := r.fsys.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: no zero-point table for %s", ErrUnknownInstrumentOrFilter, instrument)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := ParseZeroPointTable(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	r.zpTables[instrument] = t
	return t, nil
}

// Interpolate evaluates the curve on the grid i*step (i*step < 9),
// linearly interpolated and clamped at the table ends, and returns the
// value at the grid point nearest to radius. Ties go to the smaller radius.
func Interpolate(radii, fracs []float64, radius, step float64) (float64, error) {
	if len(radii) != len(fracs) {
		return 0, fmt.Errorf("%d radii for %d fractions", len(radii), len(fracs))
	}
	if len(radii) < 2 {
		return 0, errors.New("aperture curve needs at least two points")
	}
	for i := 1; i < len(radii); i++ {
		if radii[i] <= radii[i-1] {
			return 0, fmt.Errorf("aperture radii not increasing at %v", radii[i])
		}
	}
	if step <= 0 {
		return 0, fmt.Errorf("invalid grid step %v", step)
	}

	// Fit panics on malformed input, which is checked above.
	var pl interp.PiecewiseLinear
	if err := pl.Fit(radii, fracs); err != nil {
		return 0, fmt.Errorf("fit aperture curve: %w", err)
	}

	n := int(math.Ceil(gridLimit / step))
	best, bestDist := 0.0, math.Inf(1)
	for i := 0; i < n; i++ {
		g := float64(i) * step
		if d := math.Abs(g - radius); d < bestDist {
			best, bestDist = g, d
		}
	}
	return pl.Predict(best), nil
}
