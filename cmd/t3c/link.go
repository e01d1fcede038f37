package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"

	"github.com/chazu/t3c/image"
	"github.com/chazu/t3c/linker"
	"github.com/chazu/t3c/manifest"
)

// linkConfig is the merged result of t3c.toml and the command line.
type linkConfig struct {
	objects   []string
	output    string
	debug     bool
	xorMask   byte
	resources []string
}

// handleLinkCommand processes the `t3c link` subcommand.
// Usage:
//
//	t3c link                          # objects from t3c.toml
//	t3c link -o game.t3 a.t3o b.t3o   # explicit objects
func handleLinkCommand(args []string, verbose bool) {
	fs := flag.NewFlagSet("link", flag.ExitOnError)
	output := fs.String("o", "", "Output image file")
	debug := fs.Bool("g", false, "Write debug records")
	mask := fs.String("xor", "", "Constant pool XOR mask (0-255, decimal or 0x hex)")
	var resources stringList
	fs.Var(&resources, "res", "Embed a resource file (repeatable)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: t3c link [options] [objects...]\n\n")
		fmt.Fprintf(os.Stderr, "Without objects, links the [build] objects of the nearest t3c.toml.\n\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	cfg, err := loadLinkConfig(fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Command line overrides the manifest
	if *output != "" {
		cfg.output = *output
	}
	if *debug {
		cfg.debug = true
	}
	if *mask != "" {
		v, err := strconv.ParseUint(*mask, 0, 8)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid -xor value %q: %v\n", *mask, err)
			os.Exit(1)
		}
		cfg.xorMask = byte(v)
	}
	cfg.resources = append(cfg.resources, resources...)

	size, err := link(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if verbose {
		fmt.Printf("Linked %d object files into %s (%s)\n", len(cfg.objects), cfg.output, humanize.Bytes(uint64(size)))
	}
}

// loadLinkConfig builds the configuration from explicit object paths, or
// from the nearest manifest when none are given.
func loadLinkConfig(objects []string) (*linkConfig, error) {
	if len(objects) > 0 {
		return &linkConfig{objects: objects, output: "a.t3"}, nil
	}
	m, err := manifest.FindAndLoad(".")
	if err != nil {
		return nil, fmt.Errorf("loading manifest: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("no object files given and no %s found", manifest.FileName)
	}
	paths, err := m.LinkOrder()
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%s lists no objects", filepath.Join(m.Dir, manifest.FileName))
	}
	return &linkConfig{
		objects:   paths,
		output:    m.OutputPath(),
		debug:     m.Build.Debug,
		xorMask:   byte(m.Build.XorMask),
		resources: m.ResourcePaths(),
	}, nil
}

// link runs the linker and writes the image, returning its size.
func link(cfg *linkConfig) (int64, error) {
	var res []image.Resource
	for _, path := range cfg.resources {
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, err
		}
		res = append(res, image.Resource{Name: filepath.Base(path), Data: data})
	}

	l := linker.New(linker.Options{
		Debug:     cfg.debug,
		XorMask:   cfg.xorMask,
		Resources: res,
	})
	if err := l.LoadFiles(context.Background(), cfg.objects); err != nil {
		return 0, err
	}

	f, err := os.Create(cfg.output)
	if err != nil {
		return 0, err
	}
	if err := l.WriteImage(f); err != nil {
		f.Close()
		os.Remove(cfg.output)
		return 0, err
	}
	info, err := f.Stat()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
