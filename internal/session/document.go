package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const maxSessionFileSize = 1 * 1024 * 1024

// ToDocument returns the session as a generic keyed document, the shape
// written to session_config.json and read back by FromDocument.
func (c Config) ToDocument() (map[string]any, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode session document: %w", err)
	}
	return doc, nil
}

// FromDocument builds a Config from a keyed document. Unknown keys are rejected.
func FromDocument(doc map[string]any) (Config, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return Config{}, fmt.Errorf("encode session document: %w", err)
	}
	return decodeJSON(data)
}

func decodeJSON(data []byte) (Config, error) {
	var c Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return Config{}, fmt.Errorf("parse session JSON: %w", err)
	}
	return c, nil
}

func decodeYAML(data []byte) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return Config{}, fmt.Errorf("parse session YAML: %w", err)
	}
	return c, nil
}

// Load reads a session file. The format follows the extension: .json, .yaml or .yml.
// The result is not validated.
func Load(path string) (Config, error) {
	clean := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(clean))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return Config{}, fmt.Errorf("session file must be .json, .yaml or .yml, got %q", ext)
	}

	info, err := os.Stat(clean)
	if err != nil {
		return Config{}, fmt.Errorf("failed to stat session file: %w", err)
	}
	if info.Size() > maxSessionFileSize {
		return Config{}, fmt.Errorf("session file too large: %d bytes (max %d)", info.Size(), maxSessionFileSize)
	}

	data, err := os.ReadFile(clean)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read session file: %w", err)
	}
	if ext == ".json" {
		return decodeJSON(data)
	}
	return decodeYAML(data)
}

// Marshal encodes the session in the given format ("json" or "yaml").
func (c Config) Marshal(format string) ([]byte, error) {
	switch format {
	case "json":
		return json.MarshalIndent(c, "", "  ")
	case "yaml", "yml":
		return yaml.Marshal(c)
	default:
		return nil, fmt.Errorf("unknown session format %q", format)
	}
}

// Save writes the session to path, choosing the format from the extension.
func (c Config) Save(path string) error {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	data, err := c.Marshal(ext)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
