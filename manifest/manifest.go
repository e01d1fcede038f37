// Package manifest handles t3c.toml build configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileName is the name of the build configuration file.
const FileName = "t3c.toml"

// Manifest represents a t3c.toml build configuration.
type Manifest struct {
	Project   Project            `toml:"project"`
	Build     Build              `toml:"build"`
	Resources Resources          `toml:"resources"`
	Libraries map[string]Library `toml:"libraries"`

	// Dir is the directory containing the t3c.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// Build configures linking.
type Build struct {
	Objects []string `toml:"objects"`
	Output  string   `toml:"output"`
	Debug   bool     `toml:"debug"`
	XorMask int      `toml:"xor-mask"`
}

// Resources lists files embedded in the image as multimedia resources.
type Resources struct {
	Files []string `toml:"files"`
}

// Library is a directory with its own t3c.toml whose objects are linked
// ahead of the project's.
type Library struct {
	Path string `toml:"path"`
}

// Load parses a t3c.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	if m.Build.XorMask < 0 || m.Build.XorMask > 0xFF {
		return nil, fmt.Errorf("%s: xor-mask %d is not a byte", path, m.Build.XorMask)
	}

	// Defaults
	if m.Build.Output == "" {
		name := m.Project.Name
		if name == "" {
			name = filepath.Base(m.Dir)
		}
		m.Build.Output = name + ".t3"
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a t3c.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// ObjectPaths returns absolute paths for the configured object files.
func (m *Manifest) ObjectPaths() []string {
	return m.abs(m.Build.Objects)
}

// ResourcePaths returns absolute paths for the configured resource files.
func (m *Manifest) ResourcePaths() []string {
	return m.abs(m.Resources.Files)
}

// OutputPath returns the absolute path of the image file.
func (m *Manifest) OutputPath() string {
	if filepath.IsAbs(m.Build.Output) {
		return m.Build.Output
	}
	return filepath.Join(m.Dir, m.Build.Output)
}

func (m *Manifest) abs(names []string) []string {
	var paths []string
	for _, n := range names {
		if filepath.IsAbs(n) {
			paths = append(paths, n)
		} else {
			paths = append(paths, filepath.Join(m.Dir, n))
		}
	}
	return paths
}
