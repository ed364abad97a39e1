package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(defaultConfig(), cfg); diff != "" {
		t.Fatalf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	doc := `{
  "processing": {"parallel_jobs": 8},
  "calibration": {"pixel_scale_fallback": true},
  "paths": {"reference_dir": "/data/hst"}
}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := defaultConfig()
	want.Processing.ParallelJobs = 8
	want.Calibration.PixelScaleFallback = true
	want.Paths.ReferenceDir = "/data/hst"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadRejectsBadFiles(t *testing.T) {
	cases := map[string]string{
		"syntax":        `{"processing":`,
		"unknown field": `{"raw_processing": {}}`,
		"zero jobs":     `{"processing": {"parallel_jobs": 0}}`,
		"negative step": `{"calibration": {"aperture_grid_step": -1}}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := LoadFile(path); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestPathHonoursEnv(t *testing.T) {
	t.Setenv(EnvVar, "/etc/photcal.json")
	if got := Path(); got != "/etc/photcal.json" {
		t.Fatalf("expected env path, got %s", got)
	}
	t.Setenv(EnvVar, "")
	if got := Path(); got != defaultConfigPath {
		t.Fatalf("expected default path, got %s", got)
	}
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	got, err := ExpandUser("~/.config/photcal/config.json")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if !strings.HasPrefix(got, home) {
		t.Fatalf("expected %s prefix, got %s", home, got)
	}
	if got, _ := ExpandUser("/abs/path"); got != "/abs/path" {
		t.Fatalf("expected absolute path untouched, got %s", got)
	}
}
