package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tinyrange/guestaspace/internal/timeslice"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	filename := fs.String("filename", "", "Timeslice file to read")
	sums := fs.Bool("sums", false, "Print sums of timeslice durations")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *filename == "" {
		fs.Usage()
		os.Exit(1)
	}

	f, err := os.Open(*filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open timeslice file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	if *sums {
		summaries, err := timeslice.Summarize(f)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to read timeslice file: %v\n", err)
			os.Exit(1)
		}
		for _, s := range summaries {
			fmt.Printf("% 20s flags=% 10s count=% 8d sum=% 16s min=% 16s max=% 16s avg=% 16s\n",
				s.Kind.Name, s.Kind.Flags, s.Count, s.Total, s.Min, s.Max, s.Mean())
		}
		return
	}

	if err := timeslice.ReadAllRecords(f, func(kind timeslice.Kind, d time.Duration) error {
		fmt.Printf("%s %s %s\n", kind.Name, kind.Flags, d)
		return nil
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read timeslice file: %v\n", err)
		os.Exit(1)
	}
}
