package parser

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

const DefaultBarWidth = 50

const (
	DialectBar      = "bar"
	DialectPercent  = "percent"
	DialectCreated  = "created"
	DialectPair     = "pair"
	DialectFileInfo = "file"
)

// maxRunningPercentage is the ceiling for count-derived percentages. 100 is
// only reported once the child has actually exited.
const maxRunningPercentage = 99

var (
	headerRe   = regexp.MustCompile(`^\s*(\d+)\s+inodes?\s*(?:\(\s*(\d+)\s+blocks?\s*\))?\s*to\s+write\b`)
	barRe      = regexp.MustCompile(`^\s*\[([= ]*)[/|\\-]?[= ]*\]\s*(\d+)/(\d+)\s+(\d+(?:\.\d+)?)%\s*$`)
	bareRe     = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*%?\s*$`)
	createdRe  = regexp.MustCompile(`(?i)\bcreated\s+(\d+)\s+files?\b`)
	pairPctRe  = regexp.MustCompile(`^\s*(\d+)/(\d+)\s+(\d+(?:\.\d+)?)%\s*$`)
	pctPairRe  = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)%\s*\(\s*(\d+)/(\d+)`)
	fileInfoRe = regexp.MustCompile(`^\s*file\s+.+,\s+uncompressed\s+size\s+(\d+)\s+bytes`)
)

type Options struct {
	// BarWidth is the number of fill slots in a progress-bar line.
	BarWidth int
}

// Reading is one recognised progress line.
type Reading struct {
	Percentage int    `json:"percentage"`
	Current    int    `json:"current,omitempty"`
	Total      int    `json:"total,omitempty"`
	Dialect    string `json:"dialect"`
}

// State is what the parser has learned across lines of one command run.
type State struct {
	TotalUnits     int
	FilesSeen      int
	ProcessedBytes int64
}

// Parser converts child-process output lines into percentages. It is safe
// for concurrent use; one Parser serves one operation at a time.
type Parser struct {
	opts Options

	mu    sync.Mutex
	state State
}

func New(opts Options) *Parser {
	if opts.BarWidth <= 0 {
		opts.BarWidth = DefaultBarWidth
	}
	return &Parser{opts: opts}
}

// Reset clears the learned state before a new command runs.
func (p *Parser) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = State{}
}

func (p *Parser) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Parse returns the percentage carried by line, if any. knownTotal seeds the
// unit total when no header line has been seen yet.
func (p *Parser) Parse(line string, knownTotal int) (int, bool) {
	r, ok := p.ParseReading(line, knownTotal)
	if !ok {
		return 0, false
	}
	return r.Percentage, true
}

func (p *Parser) ParseReading(line string, knownTotal int) (Reading, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return Reading{}, false
	}

	if m := headerRe.FindStringSubmatch(line); m != nil {
		p.learnHeader(m)
		return Reading{}, false
	}
	if m := barRe.FindStringSubmatch(line); m != nil {
		return p.fromBar(m, knownTotal), true
	}
	if m := bareRe.FindStringSubmatch(line); m != nil {
		return p.fromBare(m, knownTotal)
	}
	if m := createdRe.FindStringSubmatch(line); m != nil {
		return p.fromCreated(m, knownTotal)
	}
	if m := pairPctRe.FindStringSubmatch(line); m != nil {
		return p.fromPair(m[1], m[2], knownTotal)
	}
	if m := pctPairRe.FindStringSubmatch(line); m != nil {
		return p.fromPair(m[2], m[3], knownTotal)
	}
	if m := fileInfoRe.FindStringSubmatch(line); m != nil {
		return p.fromFileInfo(m, knownTotal)
	}
	return Reading{}, false
}

func (p *Parser) known(knownTotal int) int {
	if p.state.TotalUnits > 0 {
		return p.state.TotalUnits
	}
	if knownTotal > 0 {
		return knownTotal
	}
	return 0
}

func (p *Parser) learnHeader(m []string) {
	inodes := atoi(m[1])
	if inodes <= 0 {
		return
	}
	total := inodes
	if blocks := atoi(m[2]); blocks > 0 {
		total = blocks
	}
	p.state.TotalUnits = total
}

func (p *Parser) fromBar(m []string, knownTotal int) Reading {
	fill := strings.Count(m[1], "=")
	pct := int(math.Round(100 * float64(fill) / float64(p.opts.BarWidth)))
	pct = clamp(pct, 0, 100)
	r := Reading{Percentage: pct, Dialect: DialectBar}
	if total := atoi(m[3]); total > 0 {
		r.Total = total
	} else {
		r.Total = p.known(knownTotal)
	}
	r.Current = estimate(pct, r.Total)
	return r
}

func (p *Parser) fromBare(m []string, knownTotal int) (Reading, bool) {
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil || v > 100 {
		return Reading{}, false
	}
	pct := clamp(int(math.Round(v)), 0, 100)
	total := p.known(knownTotal)
	return Reading{Percentage: pct, Current: estimate(pct, total), Total: total, Dialect: DialectPercent}, true
}

func (p *Parser) fromCreated(m []string, knownTotal int) (Reading, bool) {
	current := atoi(m[1])
	if current <= 0 {
		return Reading{}, false
	}
	total := p.known(knownTotal)
	if total <= 0 {
		return Reading{}, false
	}
	return Reading{Percentage: runningPercentage(current, total), Current: current, Total: total, Dialect: DialectCreated}, true
}

func (p *Parser) fromPair(curStr, totalStr string, knownTotal int) (Reading, bool) {
	current := atoi(curStr)
	total := atoi(totalStr)
	if current <= 0 || total <= 0 {
		return Reading{}, false
	}
	// A leading count above everything known so far is a summary line, not
	// progress; reporting it would show a finished bar too early.
	if known := p.known(knownTotal); known > 0 && current > known {
		if total > current {
			current = total
		}
		p.state.TotalUnits = current
		return Reading{}, false
	}
	return Reading{Percentage: runningPercentage(current, total), Current: current, Total: total, Dialect: DialectPair}, true
}

func (p *Parser) fromFileInfo(m []string, knownTotal int) (Reading, bool) {
	p.state.FilesSeen++
	if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
		p.state.ProcessedBytes += n
	}
	total := p.known(knownTotal)
	if total <= 0 {
		return Reading{}, false
	}
	current := p.state.FilesSeen
	return Reading{Percentage: runningPercentage(current, total), Current: current, Total: total, Dialect: DialectFileInfo}, true
}

func runningPercentage(current, total int) int {
	pct := int(math.Round(float64(current) / float64(total) * 100))
	return clamp(pct, 0, maxRunningPercentage)
}

func estimate(pct, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(pct) / 100 * float64(total)))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func atoi(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
