package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "cloak"
version = "1.2.0"

[build]
objects = ["obj/start.t3o", "obj/cloak.t3o"]
output = "game.t3"
debug = true
xor-mask = 223

[resources]
files = ["cover.png"]

[libraries]
adv3 = { path = "../adv3" }
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Project.Name != "cloak" {
		t.Errorf("project name = %q, want cloak", m.Project.Name)
	}
	if m.Project.Version != "1.2.0" {
		t.Errorf("project version = %q, want 1.2.0", m.Project.Version)
	}
	if len(m.Build.Objects) != 2 || m.Build.Objects[1] != "obj/cloak.t3o" {
		t.Errorf("objects = %v", m.Build.Objects)
	}
	if m.Build.Output != "game.t3" {
		t.Errorf("output = %q, want game.t3", m.Build.Output)
	}
	if !m.Build.Debug {
		t.Error("debug = false, want true")
	}
	if m.Build.XorMask != 0xDF {
		t.Errorf("xor-mask = %d, want 223", m.Build.XorMask)
	}
	if len(m.Resources.Files) != 1 || m.Resources.Files[0] != "cover.png" {
		t.Errorf("resources = %v", m.Resources.Files)
	}
	if lib, ok := m.Libraries["adv3"]; !ok || lib.Path != "../adv3" {
		t.Errorf("adv3 library = %v, want path ../adv3", m.Libraries["adv3"])
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "minimal"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.Build.Output != "minimal.t3" {
		t.Errorf("default output = %q, want minimal.t3", m.Build.Output)
	}
	if m.Build.Debug || m.Build.XorMask != 0 {
		t.Errorf("build = %+v, want no debug and no mask", m.Build)
	}
}

func TestLoadManifestErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"syntax", "[project\nname = 1"},
		{"mask too large", "[build]\nxor-mask = 256"},
		{"negative mask", "[build]\nxor-mask = -1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeManifest(t, dir, tt.content)
			if _, err := Load(dir); err == nil {
				t.Error("Load succeeded, want an error")
			}
		})
	}

	if _, err := Load(t.TempDir()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file error = %v", err)
	}
}

func TestFindAndLoad(t *testing.T) {
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, dir, `[project]
name = "found-project"
`)

	// Should find manifest when starting from a deep subdirectory
	m, err := FindAndLoad(subDir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Project.Name != "found-project" {
		t.Errorf("project name = %q, want found-project", m.Project.Name)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	dir := t.TempDir()
	m, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Error("expected nil manifest when no t3c.toml exists")
	}
}

func TestPaths(t *testing.T) {
	m := &Manifest{
		Dir: "/game",
		Build: Build{
			Objects: []string{"obj/a.t3o", "/lib/b.t3o"},
			Output:  "out/game.t3",
		},
		Resources: Resources{Files: []string{"img/cover.png"}},
	}

	objs := m.ObjectPaths()
	if len(objs) != 2 || objs[0] != "/game/obj/a.t3o" || objs[1] != "/lib/b.t3o" {
		t.Errorf("object paths = %v", objs)
	}
	if res := m.ResourcePaths(); len(res) != 1 || res[0] != "/game/img/cover.png" {
		t.Errorf("resource paths = %v", res)
	}
	if out := m.OutputPath(); out != "/game/out/game.t3" {
		t.Errorf("output path = %q", out)
	}
}

func TestLinkOrder(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "base"), `[build]
objects = ["base.t3o"]
`)
	writeManifest(t, filepath.Join(root, "adv3"), `[build]
objects = ["adv3.t3o"]

[libraries]
base = { path = "../base" }
`)
	writeManifest(t, filepath.Join(root, "game"), `[build]
objects = ["game.t3o"]

[libraries]
adv3 = { path = "../adv3" }
base = { path = "../base" }
`)

	m, err := Load(filepath.Join(root, "game"))
	if err != nil {
		t.Fatal(err)
	}
	paths, err := m.LinkOrder()
	if err != nil {
		t.Fatalf("LinkOrder: %v", err)
	}
	want := []string{
		filepath.Join(root, "base", "base.t3o"),
		filepath.Join(root, "adv3", "adv3.t3o"),
		filepath.Join(root, "game", "game.t3o"),
	}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("paths[%d] = %q, want %q", i, paths[i], want[i])
		}
	}
}

func TestLibraryErrors(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "a"), `[libraries]
b = { path = "../b" }
`)
	writeManifest(t, filepath.Join(root, "b"), `[libraries]
a = { path = "../a" }
`)
	m, err := Load(filepath.Join(root, "a"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.LinkOrder(); !errors.Is(err, ErrLibraryCycle) {
		t.Errorf("cycle error = %v", err)
	}

	writeManifest(t, filepath.Join(root, "c"), `[libraries]
gone = { path = "../gone" }
nopath = {}
`)
	m, err = Load(filepath.Join(root, "c"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.LinkOrder(); err == nil {
		t.Error("missing library resolved")
	}
}
