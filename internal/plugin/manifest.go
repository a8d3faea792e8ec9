package plugin

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const manifestName = "plugin.yaml"

// Manifest describes one plugin directory.
type Manifest struct {
	Name       string         `yaml:"name"`
	Version    string         `yaml:"version"`
	APIVersion int            `yaml:"api_version"`
	EntryPoint string         `yaml:"entry_point"`
	Config     map[string]any `yaml:"config"`

	// Dir is the directory the manifest was read from.
	Dir string `yaml:"-"`
}

// ReadManifest parses and validates a plugin.yaml.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ManifestError{Path: path, Reason: err.Error()}
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ManifestError{Path: path, Reason: err.Error()}
	}
	if m.Name == "" {
		return nil, &ManifestError{Path: path, Reason: "missing name"}
	}
	if m.EntryPoint == "" {
		return nil, &ManifestError{Path: path, Reason: "missing entry_point"}
	}
	if m.APIVersion != APIVersion {
		return nil, &APIVersionError{Plugin: m.Name, Declared: m.APIVersion}
	}
	m.Dir = filepath.Dir(path)
	return &m, nil
}

// Discover walks the plugins directory and returns the valid manifests
// found, one level deep. Invalid manifests are logged and skipped so a
// single broken plugin cannot block the rest.
func Discover(dir string, logger *zap.Logger) ([]*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var manifests []*Manifest
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), manifestName)
		if _, err := os.Stat(path); err != nil {
			// A plugin directory without a manifest is not an error.
			continue
		}
		m, err := ReadManifest(path)
		if err != nil {
			logger.Warn("skipping invalid plugin", zap.String("path", path), zap.Error(err))
			continue
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}
