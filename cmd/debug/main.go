package main

import (
	"flag"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/tinyrange/guestaspace/internal/debug"
)

func run() error {
	list := flag.Bool("list", false, "list all sources in the log")
	source := flag.String("source", "", "regex to filter sources")
	match := flag.String("match", "", "regex to filter messages")
	limit := flag.Int("limit", 100, "limit the number of entries (0 for unlimited)")
	tail := flag.Bool("tail", false, "show last N entries instead of first N")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `debug - inspect a guestaspace -debug-file trace

USAGE:
  debug [flags] <filename>

FLAGS:
  -list          List all unique source names in the trace, one per line
  -source REGEX  Only show entries where source matches regex
  -match REGEX   Only show entries where message matches regex
  -limit N       Max entries to print (default: 100, 0 for unlimited)
  -tail          Show last N entries instead of first N

EXAMPLES:
  debug trace.bin                        First 100 entries
  debug -source '^hv-fault$' trace.bin   Mappings installed by the fault handler
  debug -match 'Shutdown' trace.bin      The exit that ended the run
`)
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	reader, err := debug.NewReaderFromFile(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to open debug file: %w", err)
	}

	if *list {
		for _, src := range reader.Sources() {
			fmt.Println(src)
		}
		return nil
	}

	var sourceRe, matchRe *regexp.Regexp
	if *source != "" {
		if sourceRe, err = regexp.Compile(*source); err != nil {
			return fmt.Errorf("invalid source regex: %w", err)
		}
	}
	if *match != "" {
		if matchRe, err = regexp.Compile(*match); err != nil {
			return fmt.Errorf("invalid match regex: %w", err)
		}
	}

	var entries []debug.Record
	if err := reader.Each(func(rec debug.Record) error {
		if sourceRe != nil && !sourceRe.MatchString(rec.Source) {
			return nil
		}
		if matchRe != nil && !matchRe.MatchString(string(rec.Data)) {
			return nil
		}
		entries = append(entries, rec)
		return nil
	}); err != nil {
		return fmt.Errorf("failed to read log: %w", err)
	}

	if *limit > 0 && len(entries) > *limit {
		if *tail {
			entries = entries[len(entries)-*limit:]
		} else {
			entries = entries[:*limit]
		}
	}

	for _, e := range entries {
		msg := string(e.Data)
		if e.Kind == debug.KindBytes {
			msg = fmt.Sprintf("% x", e.Data)
		}
		fmt.Printf("%s [%s] %s\n", e.Time.Format(time.RFC3339Nano), e.Source, msg)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "debug: %v\n", err)
		os.Exit(1)
	}
}
