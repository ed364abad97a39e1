package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"photcal/internal/config"
	"photcal/internal/header"
	"photcal/internal/photometry"
	"photcal/internal/pipeline"
	"photcal/internal/storage"
	"photcal/internal/survey"
)

func newTestRoot(t *testing.T) *Root {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.DatabasePath = filepath.Join(t.TempDir(), "photcal.db")
	cfg.Paths.OutputDir = filepath.Join(t.TempDir(), "out")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	eng, err := NewEngine(cfg, logger)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	pipe := pipeline.New(context.Background(), 1, logger, store, pipeline.NewProcessor(eng.Calculator, 2, logger))
	t.Cleanup(func() {
		pipe.Stop()
		store.Close()
	})
	return NewRoot(cfg, logger, store, eng.Registry, pipe)
}

func run(t *testing.T, root *Root, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd(root)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestSurveysCommand(t *testing.T) {
	root := newTestRoot(t)

	out, err := run(t, root, "surveys")
	if err != nil {
		t.Fatalf("surveys: %v", err)
	}
	for _, name := range root.registry.Surveys() {
		if !strings.Contains(out, name) {
			t.Fatalf("expected %s in output:\n%s", name, out)
		}
	}

	out, err = run(t, root, "surveys", "VISTA")
	if err != nil {
		t.Fatalf("surveys VISTA: %v", err)
	}
	if !strings.Contains(out, "header MAGZP") || !strings.Contains(out, "Z,Y,J,H,Ks") {
		t.Fatalf("unexpected VISTA output:\n%s", out)
	}

	out, err = run(t, root, "surveys", "GALEX", "-o", "json")
	if err != nil {
		t.Fatalf("surveys json: %v", err)
	}
	var desc struct {
		ZeroPoints map[string]float64 `json:"zero_points"`
	}
	if err := json.Unmarshal([]byte(out), &desc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(map[string]float64{"FUV": 18.82, "NUV": 20.08}, desc.ZeroPoints); diff != "" {
		t.Fatalf("zero points mismatch (-want +got):\n%s", diff)
	}

	if _, err := run(t, root, "surveys", "Hubble"); !errors.Is(err, survey.ErrUnknownSurvey) {
		t.Fatalf("expected ErrUnknownSurvey, got %v", err)
	}
}

func TestPixelScaleCommand(t *testing.T) {
	root := newTestRoot(t)
	cases := []struct {
		args []string
		want string
		err  error
	}{
		{[]string{"pixel-scale", "PS1"}, "0.2500\n", nil},
		{[]string{"pixel-scale", "Spitzer", "MIPS.1"}, "2.4500\n", nil},
		{[]string{"pixel-scale", "Spitzer"}, "", survey.ErrAmbiguousPixelScale},
	}
	for _, tc := range cases {
		t.Run(strings.Join(tc.args, " "), func(t *testing.T) {
			out, err := run(t, root, tc.args...)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("expected %v, got %v", tc.err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if out != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, out)
			}
		})
	}
}

func TestPixelScaleFallbackFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Calibration.PixelScaleFallback = true
	eng, err := NewEngine(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	scale, err := eng.Registry.PixelScale(survey.Spitzer, "")
	if err != nil || scale != 0.6 {
		t.Fatalf("expected fallback scale 0.6, got %v (%v)", scale, err)
	}
}

func TestCalibrateCommand(t *testing.T) {
	root := newTestRoot(t)
	out, err := run(t, root, "calibrate", "--survey", "LegacySurvey", "--filter", "g",
		"--flux", "1000", "--flux-err", "10", "--area", "20", "--id", "host", "-o", "json")
	if err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	var outs []struct {
		ID     string `json:"id"`
		Result struct {
			Mag float64 `json:"mag"`
		} `json:"result"`
	}
	if err := json.Unmarshal([]byte(out), &outs); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(outs) != 1 || outs[0].ID != "host" || outs[0].Result.Mag != photometry.Magnitude(1000, 22.5) {
		t.Fatalf("unexpected output %s", out)
	}

	out, err = run(t, root, "calibrate", "-s", "LegacySurvey", "-f", "r", "--flux", "1000", "--flux-err", "10")
	if err != nil {
		t.Fatalf("calibrate table: %v", err)
	}
	if !strings.Contains(out, "15.0000") {
		t.Fatalf("expected magnitude in table:\n%s", out)
	}
}

func TestCalibrateCommandHeaderSources(t *testing.T) {
	root := newTestRoot(t)
	fits := filepath.Join(t.TempDir(), "img.fits")
	writeFile(t, fits, fitsHeader("SIMPLE  =                    T", "EXPTIME =                 10.0", "MAGZRR  =                 0.01"))

	_, err := run(t, root, "calibrate", "-s", "VISTA", "-f", "J", "--flux", "5000", "--flux-err", "20",
		"--area", "30", "--header", fits, "--set", "MAGZP=24.0")
	if err != nil {
		t.Fatalf("calibrate with header: %v", err)
	}

	_, err = run(t, root, "calibrate", "-s", "VISTA", "-f", "J", "--flux", "5000", "--flux-err", "20", "--area", "30")
	if !errors.Is(err, header.ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}

func TestCalibrateCommandErrors(t *testing.T) {
	root := newTestRoot(t)
	cases := map[string][]string{
		"bad filter":      {"calibrate", "-s", "SDSS", "-f", "q", "--flux", "1"},
		"missing flux":    {"calibrate", "-s", "SDSS", "-f", "g"},
		"bad assignment":  {"calibrate", "-s", "SDSS", "-f", "g", "--flux", "1", "--set", "CAMCOL"},
		"bad format":      {"calibrate", "-s", "SDSS", "-f", "g", "--flux", "1", "-o", "xml"},
		"header not fits": {"calibrate", "-s", "SDSS", "-f", "g", "--flux", "1", "--header", "m.json"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := run(t, root, args...); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestBatchAndRunsCommands(t *testing.T) {
	root := newTestRoot(t)
	input := filepath.Join(t.TempDir(), "m.json")
	writeFile(t, input, `[
  {"id": "a", "survey": "LegacySurvey", "filter": "z", "flux": 100, "flux_err": 2, "aperture_area": 12},
  {"id": "b", "survey": "SDSS", "filter": "y", "flux": 100, "flux_err": 2}
]`)

	out, err := run(t, root, "batch", input, "--save", "--workers", "2")
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if !strings.Contains(out, "invalid filter") || !strings.Contains(out, "1/2") {
		t.Fatalf("expected per-row failure and footer:\n%s", out)
	}

	saved, err := filepath.Glob(filepath.Join(root.cfg.Paths.OutputDir, "batch-*.json"))
	if err != nil || len(saved) != 1 {
		t.Fatalf("expected one saved result file, got %v (%v)", saved, err)
	}

	out, err = run(t, root, "runs", "-o", "json")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	var runs []storage.RunRecord
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != "completed" || runs[0].InputPath != input {
		t.Fatalf("unexpected runs %s", out)
	}

	out, err = run(t, root, "runs", runs[0].ID)
	if err != nil {
		t.Fatalf("runs id: %v", err)
	}
	if !strings.Contains(out, "invalid filter") {
		t.Fatalf("expected stored failure in output:\n%s", out)
	}

	if _, err := run(t, root, "runs", "nope"); err == nil {
		t.Fatalf("expected error for unknown run")
	}
	if _, err := run(t, root, "batch", filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing input")
	}
}

func TestIntegrateCommand(t *testing.T) {
	root := newTestRoot(t)
	dir := t.TempDir()
	spectrum := filepath.Join(dir, "flat.dat")
	writeFile(t, spectrum, "# wave flux\n3000 2\n5000 2\n7000 2\n9000 2\n")
	curve := filepath.Join(dir, "box.dat")
	writeFile(t, curve, "4000 1\n5000 1\n6000 1\n")
	writeFile(t, filepath.Join(dir, "filters", "LegacySurvey", "DECAM_r.dat"), "4000 1\n5000 1\n6000 1\n")

	cases := [][]string{
		{"integrate", "--spectrum", spectrum, "--curve", curve},
		{"integrate", "--spectrum", spectrum, "--curve", curve, "--response", "energy"},
		{"integrate", "--spectrum", spectrum, "-s", "LegacySurvey", "-f", "r", "--filter-dir", filepath.Join(dir, "filters")},
	}
	for _, args := range cases {
		out, err := run(t, root, args...)
		if err != nil {
			t.Fatalf("%v: %v", args, err)
		}
		if out != "2\n" {
			t.Fatalf("%v: expected 2, got %q", args, out)
		}
	}

	if _, err := run(t, root, "integrate", "--spectrum", spectrum); err == nil {
		t.Fatalf("expected error without a filter")
	}
	if _, err := run(t, root, "integrate", "--spectrum", spectrum, "-s", "LegacySurvey", "-f", "r"); err == nil {
		t.Fatalf("expected error without a filter directory")
	}
}

func TestServeAndWatchUseInjectedRunners(t *testing.T) {
	root := newTestRoot(t)
	var gotAddr string
	var watched []string
	root.serveFn = func(ctx context.Context, addr string, store *storage.Store, pipe *pipeline.Pipeline, reg *survey.Registry, log *slog.Logger) error {
		gotAddr = addr
		return nil
	}
	root.watchFn = func(ctx context.Context, dirs []string, pipe *pipeline.Pipeline, log *slog.Logger) error {
		watched = append(watched, dirs...)
		return nil
	}

	if _, err := run(t, root, "serve"); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if gotAddr != root.cfg.Server.Addr {
		t.Fatalf("expected default addr %s, got %s", root.cfg.Server.Addr, gotAddr)
	}

	dir := t.TempDir()
	if _, err := run(t, root, "serve", "--addr", ":9999", "--watch", dir); err != nil {
		t.Fatalf("serve with watch: %v", err)
	}
	if gotAddr != ":9999" {
		t.Fatalf("expected :9999, got %s", gotAddr)
	}

	if _, err := run(t, root, "watch", dir); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if diff := cmp.Diff([]string{dir, dir}, watched); diff != "" {
		t.Fatalf("watched dirs mismatch (-want +got):\n%s", diff)
	}
	if _, err := run(t, root, "watch", filepath.Join(dir, "missing")); err == nil {
		t.Fatalf("expected error for missing directory")
	}
}

func TestConfigAndVersionCommands(t *testing.T) {
	root := newTestRoot(t)
	out, err := run(t, root, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	for _, want := range []string{"Parallel jobs: 4", "Survey config: (embedded)", "Address: 127.0.0.1:8080"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	writeFile(t, bad, `{"processing": {"parallel_jobs": 0}}`)
	if _, err := run(t, root, "config", "validate", bad); err == nil {
		t.Fatalf("expected validation error")
	}

	out, err = run(t, root, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "photcal "+Version) {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestParseAssignments(t *testing.T) {
	got, err := parseAssignments([]string{"EXPTIME=30", "GAIN = 1.5", "APERTURE=UVIS1", "FLAG=true", "EMPTY="})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := header.Metadata{"EXPTIME": int64(30), "GAIN": 1.5, "APERTURE": "UVIS1", "FLAG": true, "EMPTY": ""}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("metadata mismatch (-want +got):\n%s", diff)
	}
	if _, err := parseAssignments([]string{"=3"}); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

// fitsHeader builds a primary header of 80-character cards padded to a
// 2880-byte record.
func fitsHeader(cards ...string) string {
	var sb strings.Builder
	for _, c := range append(cards, "END") {
		sb.WriteString(c + strings.Repeat(" ", 80-len(c)))
	}
	for sb.Len()%2880 != 0 {
		sb.WriteString(strings.Repeat(" ", 80))
	}
	return sb.String()
}
