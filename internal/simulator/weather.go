package simulator

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LoadWeatherPresets returns the preset names defined in a weather defaults
// file. The path may run through a zip archive, as in
// <home>/gameengine.zip/art/weather/defaults.json.
func LoadWeatherPresets(path string) ([]string, error) {
	data, err := readMaybeZipped(path)
	if err != nil {
		return nil, err
	}
	var presets map[string]json.RawMessage
	if err := json.Unmarshal(data, &presets); err != nil {
		return nil, fmt.Errorf("parse weather presets %s: %w", path, err)
	}
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func readMaybeZipped(path string) ([]byte, error) {
	slashed := filepath.ToSlash(path)
	idx := strings.Index(strings.ToLower(slashed), ".zip/")
	if idx < 0 {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read weather presets: %w", err)
		}
		return data, nil
	}

	archive := filepath.FromSlash(slashed[:idx+len(".zip")])
	inner := slashed[idx+len(".zip/"):]

	zr, err := zip.OpenReader(archive)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", archive, err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != inner {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s in %s: %w", inner, archive, err)
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("%s not found in %s", inner, archive)
}
