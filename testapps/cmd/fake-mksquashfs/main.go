package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

func main() {
	var (
		items     int
		interval  time.Duration
		dialect   string
		barWidth  int
		code      int
		failAfter int
		stderrMsg string
		hang      bool
	)
	flag.IntVar(&items, "items", 20, "Number of items to pretend to write")
	flag.DurationVar(&interval, "interval", 20*time.Millisecond, "Delay between progress lines")
	flag.StringVar(&dialect, "dialect", "bar", "Output dialect: bar|percent|pair|created")
	flag.IntVar(&barWidth, "bar-width", 50, "Fill slots in bar lines")
	flag.IntVar(&code, "code", 0, "Exit code")
	flag.IntVar(&failAfter, "fail-after", 0, "Stop after this many items (0 = write all)")
	flag.StringVar(&stderrMsg, "stderr", "", "Line written to stderr before exiting")
	flag.BoolVar(&hang, "hang", false, "Sleep forever instead of exiting")
	flag.Parse()

	if items <= 0 || barWidth <= 0 {
		_, _ = fmt.Fprintln(os.Stderr, "fake-mksquashfs: --items and --bar-width must be > 0")
		os.Exit(2)
	}

	_, _ = fmt.Fprintf(os.Stdout, "Parallel mksquashfs: Using 1 processor\n")
	_, _ = fmt.Fprintf(os.Stdout, "Creating 4.0 filesystem on fake.squashfs, block size 131072.\n")
	if dialect == "bar" || dialect == "created" {
		_, _ = fmt.Fprintf(os.Stdout, "%d inodes (%d blocks) to write\n\n", items, items)
	}

	last := items
	if failAfter > 0 && failAfter < items {
		last = failAfter
	}
	for i := 1; i <= last; i++ {
		pct := i * 100 / items
		switch dialect {
		case "bar":
			fill := pct * barWidth / 100
			_, _ = fmt.Fprintf(os.Stdout, "\r[%s%s] %d/%d %3d%%",
				strings.Repeat("=", fill), strings.Repeat(" ", barWidth-fill), i, items, pct)
		case "percent":
			_, _ = fmt.Fprintf(os.Stdout, "%d%%\n", pct)
		case "pair":
			_, _ = fmt.Fprintf(os.Stdout, "%d/%d %d%%\n", i, items, pct)
		case "created":
			_, _ = fmt.Fprintf(os.Stdout, "created %d files\n", i)
		default:
			_, _ = fmt.Fprintf(os.Stderr, "fake-mksquashfs: unknown dialect %q\n", dialect)
			os.Exit(2)
		}
		time.Sleep(interval)
	}
	if dialect == "bar" {
		_, _ = fmt.Fprintln(os.Stdout)
	}

	if stderrMsg != "" {
		_, _ = fmt.Fprintln(os.Stderr, stderrMsg)
	}
	if hang {
		select {}
	}
	os.Exit(code)
}
