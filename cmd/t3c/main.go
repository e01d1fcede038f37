// t3c CLI - links T3 object files into an image and inspects images
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

func main() {
	verbose := flag.Bool("v", false, "Verbose output")
	debugLog := flag.Bool("vv", false, "Debug logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: t3c [options] <command> [arguments]\n\n")
		fmt.Fprintf(os.Stderr, "Links T3 object files into an image file and inspects image files.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nCommands:\n")
		fmt.Fprintf(os.Stderr, "  link    link object files into an image\n")
		fmt.Fprintf(os.Stderr, "  dump    describe an image file\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  t3c link                         # link the objects named in t3c.toml\n")
		fmt.Fprintf(os.Stderr, "  t3c link -o game.t3 a.t3o b.t3o  # link the given objects\n")
		fmt.Fprintf(os.Stderr, "  t3c -v link -g                   # link with debug records\n")
		fmt.Fprintf(os.Stderr, "  t3c dump -disasm game.t3         # list blocks and byte-code\n")
		fmt.Fprintf(os.Stderr, "  t3c dump -yaml game.t3           # structured summary\n")
	}
	flag.Parse()

	verbosity := 0
	switch {
	case *debugLog:
		verbosity = 2
	case *verbose:
		verbosity = 1
	}
	commonlog.Configure(verbosity, nil)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	switch args[0] {
	case "link":
		handleLinkCommand(args[1:], *verbose || *debugLog)
	case "dump":
		handleDumpCommand(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}
