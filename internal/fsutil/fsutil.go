package fsutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"photcal/internal/header"
	"photcal/internal/photometry"
)

var measurementExts = map[string]struct{}{
	".json": {},
}

var headerExts = map[string]struct{}{
	".fits": {},
	".fit":  {},
	".fts":  {},
}

// ListMeasurementFiles returns all measurement files under root, sorted.
func ListMeasurementFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if IsMeasurementFile(path) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// IsMeasurementFile checks if a file holds measurements.
func IsMeasurementFile(path string) bool {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := measurementExts[ext]
	return ok
}

// IsHeaderFile checks if a file is a FITS image whose header can be read.
func IsHeaderFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := headerExts[ext]
	return ok
}

// measurementFile is the on-disk form of one measurement.
type measurementFile struct {
	photometry.Measurement
	HeaderFile string `json:"header_file,omitempty"`
}

// LoadMeasurements reads a measurement file. Relative header_file paths are
// resolved against the file's directory.
func LoadMeasurements(path string) ([]photometry.Measurement, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ms, err := DecodeMeasurements(bytes.NewReader(data), filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ms, nil
}

// DecodeMeasurements reads a JSON array of measurements, or a single
// object. Keys of an inline header override those read from header_file.
func DecodeMeasurements(r io.Reader, baseDir string) ([]photometry.Measurement, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)

	var raw []measurementFile
	if len(data) > 0 && data[0] == '{' {
		var one measurementFile
		if err := decodeStrict(data, &one); err != nil {
			return nil, err
		}
		raw = []measurementFile{one}
	} else if err := decodeStrict(data, &raw); err != nil {
		return nil, err
	}

	out := make([]photometry.Measurement, len(raw))
	for i, m := range raw {
		if m.HeaderFile != "" {
			hdrPath := m.HeaderFile
			if !filepath.IsAbs(hdrPath) && baseDir != "" {
				hdrPath = filepath.Join(baseDir, hdrPath)
			}
			md, err := header.ReadFile(hdrPath)
			if err != nil {
				return nil, fmt.Errorf("measurement %d: %w", i, err)
			}
			for k, v := range m.Header {
				md[k] = v
			}
			m.Header = md
		}
		out[i] = m.Measurement
	}
	return out, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode measurements: %w", err)
	}
	return nil
}
