package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/chazu/t3c/image"
)

// handleDumpCommand processes the `t3c dump` subcommand.
// Usage:
//
//	t3c dump game.t3           # blocks, tables and objects
//	t3c dump -disasm game.t3   # also list every method
//	t3c dump -yaml game.t3     # structured summary
func handleDumpCommand(args []string) {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	asYAML := fs.Bool("yaml", false, "Print a YAML summary")
	objects := fs.Bool("objects", false, "Decode object property tables")
	disasm := fs.Bool("disasm", false, "Disassemble methods")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: t3c dump [options] <image>\n\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}
	path := fs.Arg(0)

	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	img, err := image.Read(f)
	f.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", path, err)
		os.Exit(1)
	}

	if *asYAML {
		err = image.DumpYAML(os.Stdout, img)
	} else {
		fmt.Printf("%s: %s\n", path, humanize.Bytes(uint64(imageSize(img))))
		err = image.Dump(os.Stdout, img, image.DumpOptions{Objects: *objects, Disassemble: *disasm})
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// imageSize totals the header and blocks of img.
func imageSize(img *image.Image) int {
	n := image.HeaderSize
	for _, b := range img.Blocks {
		n += image.BlockHeaderSize + len(b.Data)
	}
	return n
}
