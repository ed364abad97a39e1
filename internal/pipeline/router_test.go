package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"photcal/internal/apcorr"
	"photcal/internal/photometry"
	"photcal/internal/survey"
	"photcal/internal/uncertainty"
)

var errStub = errors.New("stub failure")

// stubCalibrator returns Magnitude = Flux and fails on negative flux.
type stubCalibrator struct {
	mu     sync.Mutex
	active int
	peak   int
	calls  atomic.Int32
	delay  time.Duration
	onCall func(n int32)
}

func (s *stubCalibrator) Calibrate(m photometry.Measurement) (photometry.Result, error) {
	n := s.calls.Add(1)
	s.mu.Lock()
	s.active++
	if s.active > s.peak {
		s.peak = s.active
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()
	if s.onCall != nil {
		s.onCall(n)
	}
	time.Sleep(s.delay)
	if m.Flux < 0 {
		return photometry.Result{}, errStub
	}
	return photometry.Result{Magnitude: m.Flux, ZeroPoint: 1}, nil
}

func measurements(fluxes ...float64) []photometry.Measurement {
	ms := make([]photometry.Measurement, len(fluxes))
	for i, f := range fluxes {
		ms[i] = photometry.Measurement{Survey: survey.PS1, Filter: "g", Flux: f}
	}
	return ms
}

func TestCalibrateAllKeepsOrderAndIsolatesFailures(t *testing.T) {
	calc := &stubCalibrator{}
	outs := CalibrateAll(context.Background(), calc, measurements(3, -1, 5, 7), 2)

	if len(outs) != 4 {
		t.Fatalf("expected 4 outcomes, got %d", len(outs))
	}
	for i, o := range outs {
		if o.Index != i {
			t.Fatalf("expected index %d, got %d", i, o.Index)
		}
	}
	if !errors.Is(outs[1].Err, errStub) {
		t.Fatalf("expected stub failure for index 1, got %v", outs[1].Err)
	}
	got := []float64{outs[0].Result.Magnitude, outs[2].Result.Magnitude, outs[3].Result.Magnitude}
	if diff := cmp.Diff([]float64{3, 5, 7}, got); diff != "" {
		t.Fatalf("magnitudes mismatch (-want +got):\n%s", diff)
	}
}

func TestCalibrateAllRespectsLimit(t *testing.T) {
	calc := &stubCalibrator{delay: 5 * time.Millisecond}
	CalibrateAll(context.Background(), calc, measurements(1, 2, 3, 4, 5, 6, 7, 8), 3)
	if calc.peak > 3 {
		t.Fatalf("expected at most 3 concurrent calibrations, got %d", calc.peak)
	}
	if calc.calls.Load() != 8 {
		t.Fatalf("expected 8 calls, got %d", calc.calls.Load())
	}
}

func TestCalibrateAllCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calc := &stubCalibrator{onCall: func(n int32) {
		if n == 1 {
			cancel()
		}
	}}
	outs := CalibrateAll(ctx, calc, measurements(1, 2, 3, 4), 1)

	if outs[0].Err != nil {
		t.Fatalf("expected first measurement to complete, got %v", outs[0].Err)
	}
	for _, o := range outs[1:] {
		if !errors.Is(o.Err, context.Canceled) {
			t.Fatalf("expected context.Canceled for index %d, got %v", o.Index, o.Err)
		}
	}
	if calc.calls.Load() != 1 {
		t.Fatalf("expected a single call, got %d", calc.calls.Load())
	}
}

func TestCalibrateAllEmpty(t *testing.T) {
	if outs := CalibrateAll(context.Background(), &stubCalibrator{}, nil, 4); len(outs) != 0 {
		t.Fatalf("expected no outcomes, got %d", len(outs))
	}
}

func TestSummarize(t *testing.T) {
	outs := []Outcome{
		{Survey: survey.PS1, Result: photometry.Result{Magnitude: 18}},
		{Survey: survey.PS1, Err: errStub},
		{Survey: survey.WISE, Result: photometry.Result{Magnitude: math.NaN()}},
	}
	want := map[string]any{
		"total":      3,
		"succeeded":  2,
		"failed":     1,
		"non_finite": 1,
		"surveys":    map[string]int{survey.PS1: 2, survey.WISE: 1},
	}
	if diff := cmp.Diff(want, Summarize(outs)); diff != "" {
		t.Fatalf("summary mismatch (-want +got):\n%s", diff)
	}
}

func TestRouterFileJob(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write("a.json", `[{"survey": "PS1", "filter": "g", "flux": 2}]`)
	write("b.json", `{"survey": "PS1", "filter": "r", "flux": 4}`)

	r := NewProcessor(&stubCalibrator{}, 2, slog.Default())
	res := r.Process(context.Background(), Job{ID: "f-1", Type: JobFile, InputPath: dir})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if len(res.Outcomes) != 2 || res.Outcomes[1].Filter != "r" {
		t.Fatalf("unexpected outcomes %+v", res.Outcomes)
	}
	if res.Meta["total"] != 2 {
		t.Fatalf("expected total 2, got %v", res.Meta["total"])
	}
}

func TestRouterErrors(t *testing.T) {
	r := NewProcessor(&stubCalibrator{}, 1, nil)
	cases := map[string]Job{
		"unknown type": {ID: "x", Type: "stack"},
		"missing file": {ID: "y", Type: JobFile, InputPath: filepath.Join(t.TempDir(), "nope.json")},
		"empty dir":    {ID: "z", Type: JobFile, InputPath: t.TempDir()},
	}
	for name, job := range cases {
		t.Run(name, func(t *testing.T) {
			if res := r.Process(context.Background(), job); res.Error == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestRouterWithRealCalculator(t *testing.T) {
	reg, err := survey.Default()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	apc := apcorr.NewEmbeddedResolver()
	calc := photometry.NewCalculator(reg, uncertainty.NewEngine(apc), apc)

	ms := []photometry.Measurement{
		{ID: "ok", Survey: survey.LegacySurvey, Filter: "g", Flux: 1000, FluxErr: 10, ApertureArea: 20},
		{ID: "bad", Survey: survey.LegacySurvey, Filter: "Q", Flux: 1000, FluxErr: 10},
	}
	res := NewProcessor(calc, 2, nil).Process(context.Background(), Job{ID: "b", Type: JobBatch, Measurements: ms})
	if res.Outcomes[0].Err != nil {
		t.Fatalf("expected success, got %v", res.Outcomes[0].Err)
	}
	if !errors.Is(res.Outcomes[1].Err, survey.ErrUnknownFilter) {
		t.Fatalf("expected ErrUnknownFilter, got %v", res.Outcomes[1].Err)
	}
	if want := photometry.Magnitude(1000, 22.5); math.Abs(res.Outcomes[0].Result.Magnitude-want) > 1e-9 {
		t.Fatalf("expected magnitude %v, got %v", want, res.Outcomes[0].Result.Magnitude)
	}
}
