package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ErrLibraryCycle reports libraries that include each other.
var ErrLibraryCycle = errors.New("library cycle")

// ResolvedLibrary is a library that has been resolved to a local path.
type ResolvedLibrary struct {
	Name      string    // library name
	LocalPath string    // local filesystem path
	Manifest  *Manifest // the library's own manifest
}

// Resolver manages library resolution.
type Resolver struct {
	manifest *Manifest
}

// NewResolver creates a new library resolver.
func NewResolver(m *Manifest) *Resolver {
	return &Resolver{manifest: m}
}

// Resolve resolves all libraries and returns them in link order
// (topologically sorted: libraries before the projects that include them).
// Libraries at the same level are ordered by name.
func (r *Resolver) Resolve() ([]ResolvedLibrary, error) {
	resolved := make(map[string]bool)
	active := map[string]bool{r.manifest.Dir: true}
	return r.resolveAll(r.manifest, resolved, active)
}

// resolveAll resolves the libraries of m recursively.
func (r *Resolver) resolveAll(m *Manifest, resolved, active map[string]bool) ([]ResolvedLibrary, error) {
	var order []ResolvedLibrary

	names := make([]string, 0, len(m.Libraries))
	for name := range m.Libraries {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rl, err := resolveOne(m, name, m.Libraries[name])
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", name, err)
		}
		if active[rl.LocalPath] {
			return nil, fmt.Errorf("%w: %s", ErrLibraryCycle, rl.LocalPath)
		}
		if resolved[rl.LocalPath] {
			continue // already resolved
		}

		// Transitive libraries link first
		active[rl.LocalPath] = true
		transitive, err := r.resolveAll(rl.Manifest, resolved, active)
		delete(active, rl.LocalPath)
		if err != nil {
			return nil, err
		}
		order = append(order, transitive...)

		resolved[rl.LocalPath] = true
		order = append(order, *rl)
	}

	return order, nil
}

// resolveOne resolves a single library relative to the manifest naming it.
func resolveOne(m *Manifest, name string, lib Library) (*ResolvedLibrary, error) {
	if lib.Path == "" {
		return nil, fmt.Errorf("library %q has no path specified", name)
	}
	localPath := lib.Path
	if !filepath.IsAbs(localPath) {
		localPath = filepath.Join(m.Dir, localPath)
	}

	localPath, err := filepath.Abs(localPath)
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", lib.Path, err)
	}

	// Verify it exists
	if _, err := os.Stat(localPath); err != nil {
		return nil, fmt.Errorf("library %q not found at %s: %w", name, localPath, err)
	}

	libManifest, err := Load(localPath)
	if err != nil {
		return nil, err
	}

	return &ResolvedLibrary{
		Name:      name,
		LocalPath: localPath,
		Manifest:  libManifest,
	}, nil
}

// LinkOrder returns every object file to link: those of the resolved
// libraries in order, then the project's own.
func (m *Manifest) LinkOrder() ([]string, error) {
	libs, err := NewResolver(m).Resolve()
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, lib := range libs {
		paths = append(paths, lib.Manifest.ObjectPaths()...)
	}
	return append(paths, m.ObjectPaths()...), nil
}
