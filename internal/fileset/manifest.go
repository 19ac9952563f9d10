package fileset

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// ManifestName is the per-project manifest file read by Load.
const ManifestName = "vmbuild.yaml"

// Manifest holds per-project build settings.
type Manifest struct {
	// Args is passed to the guest as the build options.
	Args string `yaml:"args"`

	// Exclude lists glob patterns of files not to stage.
	Exclude []string `yaml:"exclude"`
}

// LoadManifest reads a manifest. A missing file yields an empty manifest.
func LoadManifest(name string) (Manifest, error) {
	data, err := os.ReadFile(name)
	if errors.Is(err, fs.ErrNotExist) {
		return Manifest{}, nil
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("read %s: %w", ManifestName, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse %s: %w", ManifestName, err)
	}
	return m, nil
}
