package apcorr

import (
	"errors"
	"io/fs"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"

	"photcal/internal/header"
)

const tinyTable = `FILTER,PIVOT,APER#1.0,APER#2.0,APER#4.0
F1,100,0.5,0.8,1.0
F2,200,0.4,0.7,0.9
`

func TestParseTable(t *testing.T) {
	tbl, err := ParseTable(strings.NewReader(tinyTable))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := &Table{
		Radii: []float64{1, 2, 4},
		Fractions: map[string][]float64{
			"F1": {0.5, 0.8, 1.0},
			"F2": {0.4, 0.7, 0.9},
		},
	}
	if diff := cmp.Diff(want, tbl); diff != "" {
		t.Fatalf("table mismatch (-want +got):\n%s", diff)
	}
}

func TestParseTableRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"no filter":      "NAME,APER#1,APER#2\nF1,0.1,0.2\n",
		"one aperture":   "FILTER,APER#1\nF1,0.1\n",
		"decreasing":     "FILTER,APER#2,APER#1\nF1,0.1,0.2\n",
		"bad fraction":   "FILTER,APER#1,APER#2\nF1,x,0.2\n",
		"header only":    "FILTER,APER#1,APER#2\n",
		"bad radius col": "FILTER,APER#a,APER#2\nF1,0.1,0.2\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseTable(strings.NewReader(doc)); err == nil {
				t.Fatalf("expected parse error")
			}
		})
	}
}

func TestInstrument(t *testing.T) {
	md := header.Metadata{"APERTURE": "UVIS2"}

	cases := []struct {
		filter     string
		instrument string
		band       string
	}{
		{"WFC3_UVIS_F225W", "UVIS2", "F225W"},
		{"WFC3_IR_F160W", "IR", "F160W"},
		{"ACS_WFC_F814W", "WFC", "F814W"},
	}
	for _, tc := range cases {
		inst, band, err := Instrument(tc.filter, md)
		if err != nil {
			t.Fatalf("%s: %v", tc.filter, err)
		}
		if inst != tc.instrument || band != tc.band {
			t.Fatalf("%s: expected %s/%s, got %s/%s", tc.filter, tc.instrument, tc.band, inst, band)
		}
	}

	if _, _, err := Instrument("WFC3_UVIS_F225W", header.Metadata{}); !errors.Is(err, header.ErrMissingField) {
		t.Fatalf("expected ErrMissingField for UVIS without APERTURE, got %v", err)
	}
	if _, _, err := Instrument("F160W", md); !errors.Is(err, ErrUnknownInstrumentOrFilter) {
		t.Fatalf("expected ErrUnknownInstrumentOrFilter, got %v", err)
	}
}

func TestCorrectionAtTableRadius(t *testing.T) {
	r := NewEmbeddedResolver()
	area := math.Pi * 2.0 * 2.0

	got, err := r.Correction("WFC3_IR_F160W", area, nil)
	if err != nil {
		t.Fatalf("correction: %v", err)
	}
	if math.Abs(got-0.964) > 1e-9 {
		t.Fatalf("expected 0.964, got %v", got)
	}
}

func TestCorrectionClampsOutsideTable(t *testing.T) {
	r := NewEmbeddedResolver()

	got, err := r.Correction("WFC3_IR_F160W", math.Pi*20*20, nil)
	if err != nil {
		t.Fatalf("correction: %v", err)
	}
	if got != 1.0 {
		t.Fatalf("expected clamp to last fraction 1.0, got %v", got)
	}

	got, err = r.Correction("WFC3_IR_F160W", 0, nil)
	if err != nil {
		t.Fatalf("correction: %v", err)
	}
	if got != 0.406 {
		t.Fatalf("expected clamp to first fraction 0.406, got %v", got)
	}
}

func TestCorrectionUsesApertureKeywordForUVIS(t *testing.T) {
	r := NewEmbeddedResolver()
	area := math.Pi * 0.04 * 0.04

	one, err := r.Correction("WFC3_UVIS_F225W", area, header.Metadata{"APERTURE": "UVIS1"})
	if err != nil {
		t.Fatalf("uvis1: %v", err)
	}
	two, err := r.Correction("WFC3_UVIS_F225W", area, header.Metadata{"APERTURE": "UVIS2"})
	if err != nil {
		t.Fatalf("uvis2: %v", err)
	}
	if one == two {
		t.Fatalf("expected detector-specific tables, both gave %v", one)
	}
}

func TestCorrectionUnknown(t *testing.T) {
	r := NewEmbeddedResolver()
	if _, err := r.Correction("WFC3_IR_F999W", 10, nil); !errors.Is(err, ErrUnknownInstrumentOrFilter) {
		t.Fatalf("expected ErrUnknownInstrumentOrFilter for filter, got %v", err)
	}
	if _, err := r.Correction("NICMOS_NIC2_F110W", 10, nil); !errors.Is(err, ErrUnknownInstrumentOrFilter) {
		t.Fatalf("expected ErrUnknownInstrumentOrFilter for instrument, got %v", err)
	}
}

func TestInterpolateIsDeterministic(t *testing.T) {
	radii := []float64{0.1, 0.2, 0.4, 1.0}
	fracs := []float64{0.4, 0.7, 0.85, 0.95}
	a, err := Interpolate(radii, fracs, 0.3333, DefaultStep)
	if err != nil {
		t.Fatalf("interpolate: %v", err)
	}
	for i := 0; i < 5; i++ {
		b, _ := Interpolate(radii, fracs, 0.3333, DefaultStep)
		if math.Float64bits(a) != math.Float64bits(b) {
			t.Fatalf("interpolation not reproducible: %v vs %v", a, b)
		}
	}
	// nearest grid point is 0.33 on the 0.2..0.4 segment
	want := 0.7 + (0.85-0.7)*(0.33-0.2)/0.2
	if math.Abs(a-want) > 1e-12 {
		t.Fatalf("expected %v, got %v", want, a)
	}
}

func TestInterpolateGridRefinementIsStable(t *testing.T) {
	tbl, err := ParseTable(strings.NewReader(tinyTable))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	fracs := tbl.Fractions["F1"]
	maxDelta := 0.0
	for i := 1; i < len(fracs); i++ {
		maxDelta = math.Max(maxDelta, math.Abs(fracs[i]-fracs[i-1]))
	}

	for _, radius := range []float64{0.5, 1.234, 1.999, 2.71828, 3.3, 5.0} {
		coarse, err := Interpolate(tbl.Radii, fracs, radius, DefaultStep)
		if err != nil {
			t.Fatalf("coarse: %v", err)
		}
		fine, err := Interpolate(tbl.Radii, fracs, radius, DefaultStep/2)
		if err != nil {
			t.Fatalf("fine: %v", err)
		}
		if math.Abs(coarse-fine) >= maxDelta {
			t.Fatalf("radius %v: refinement moved %v by %v (table delta %v)", radius, coarse, math.Abs(coarse-fine), maxDelta)
		}
	}
}

func TestInterpolateRejectsMalformedCurves(t *testing.T) {
	if _, err := Interpolate([]float64{1}, []float64{1}, 1, DefaultStep); err == nil {
		t.Fatalf("expected error for single point")
	}
	if _, err := Interpolate([]float64{1, 1}, []float64{1, 2}, 1, DefaultStep); err == nil {
		t.Fatalf("expected error for repeated radius")
	}
	if _, err := Interpolate([]float64{1, 2}, []float64{1}, 1, DefaultStep); err == nil {
		t.Fatalf("expected error for length mismatch")
	}
	if _, err := Interpolate([]float64{1, 2}, []float64{1, 2}, 1, 0); err == nil {
		t.Fatalf("expected error for zero step")
	}
}

type countingFS struct {
	fs.FS
	opens atomic.Int32
}

func (c *countingFS) Open(name string) (fs.File, error) {
	if name != "." {
		c.opens.Add(1)
	}
	return c.FS.Open(name)
}

func TestResolverCachesPerInstrument(t *testing.T) {
	fsys := &countingFS{FS: fstest.MapFS{
		"ir_aper.csv": {Data: []byte(tinyTable)},
		"IR_err.txt":  {Data: []byte("Filter PHOTFLAM ERR_PHOTFLAM\nF1 2.0e-20 1.0e-22\n")},
	}}
	r := NewResolver(fsys)

	for i := 0; i < 3; i++ {
		if _, err := r.Correction("WFC3_IR_F1", 4*math.Pi, nil); err != nil {
			t.Fatalf("correction: %v", err)
		}
		if _, err := r.ZeroPointError("WFC3_IR_F1", nil); err != nil {
			t.Fatalf("zero point error: %v", err)
		}
	}
	if got := fsys.opens.Load(); got != 2 {
		t.Fatalf("expected each table opened once, got %d opens", got)
	}
}

func TestZeroPointError(t *testing.T) {
	r := NewEmbeddedResolver()
	got, err := r.ZeroPointError("WFC3_IR_F160W", nil)
	if err != nil {
		t.Fatalf("zero point error: %v", err)
	}
	want := 2.5 * 1.35e-22 / (1.9250e-20 * math.Ln10)
	if math.Abs(got-want) > 1e-15 {
		t.Fatalf("expected %v, got %v", want, got)
	}

	if _, err := r.ZeroPointError("WFC3_IR_F999W", nil); !errors.Is(err, ErrUnknownInstrumentOrFilter) {
		t.Fatalf("expected ErrUnknownInstrumentOrFilter, got %v", err)
	}
}
