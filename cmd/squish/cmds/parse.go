package cmds

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/go-go-golems/squish/pkg/parser"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type parseOptions struct {
	InputPath string
	Total     int
	BarWidth  int
	All       bool
}

// parsedLine is one NDJSON record written by `squish parse`.
type parsedLine struct {
	Line    int64  `json:"line"`
	Text    string `json:"text"`
	Matched bool   `json:"matched"`
	*parser.Reading
}

func newParseCmd() *cobra.Command {
	var opts parseOptions
	cmd := &cobra.Command{
		Use:   "parse",
		Short: "Run the progress parser over captured command output and print NDJSON readings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runParse(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.InputPath, "input", "", "Input file path (default: stdin)")
	cmd.Flags().IntVar(&opts.Total, "total", 0, "Known number of items (0 = unknown)")
	cmd.Flags().IntVar(&opts.BarWidth, "bar-width", parser.DefaultBarWidth, "Width of textual progress bars")
	cmd.Flags().BoolVar(&opts.All, "all", false, "Also print lines that carry no progress")
	return cmd
}

func runParse(cmd *cobra.Command, opts parseOptions) error {
	if opts.BarWidth <= 0 {
		return errors.New("--bar-width must be > 0")
	}

	var r io.Reader = cmd.InOrStdin()
	if opts.InputPath != "" {
		f, err := os.Open(opts.InputPath)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	bw := bufio.NewWriter(cmd.OutOrStdout())
	defer func() { _ = bw.Flush() }()

	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)

	p := parser.New(parser.Options{BarWidth: opts.BarWidth})
	n, err := parseStream(p, r, opts, enc)
	if err != nil {
		return err
	}
	st := p.State()
	log.Debug().Int64("lines", n).Interface("state", st).Msg("parse finished")
	return nil
}

func parseStream(p *parser.Parser, r io.Reader, opts parseOptions, enc *json.Encoder) (int64, error) {
	br := bufio.NewReader(r)
	var lineNumber int64
	for {
		line, err := br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return lineNumber, err
		}
		if line == "" && errors.Is(err, io.EOF) {
			break
		}

		// mksquashfs redraws its bar with carriage returns.
		for _, seg := range strings.Split(strings.TrimRight(line, "\r\n"), "\r") {
			lineNumber++
			reading, ok := p.ParseReading(seg, opts.Total)
			if !ok && !opts.All {
				continue
			}
			rec := parsedLine{Line: lineNumber, Text: seg, Matched: ok}
			if ok {
				rec.Reading = &reading
			}
			if eerr := enc.Encode(rec); eerr != nil {
				return lineNumber, eerr
			}
		}

		if errors.Is(err, io.EOF) {
			break
		}
	}
	return lineNumber, nil
}
