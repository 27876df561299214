package testutils

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
)

// TestingT is the subset of testing.T the asserters need.
type TestingT interface {
	Errorf(format string, args ...interface{})
	Helper()
}

// TraceAssertOptions controls how event traces are normalized before comparison.
type TraceAssertOptions struct {
	TrimSpace        bool `default:"true"`
	IgnoreEmptyLines bool `default:"true"`
	IgnoreOrder      bool `default:"false"`
	EnableColors     bool `default:"false"`
	// IgnorePrefixes drops trace lines starting with any of these (e.g. "task ").
	IgnorePrefixes []string
}

// TraceOption is a functional option for configuring TraceAsserter.
type TraceOption func(*TraceAssertOptions)

// TraceAsserter compares rendered event traces line by line and reports a
// unified diff on mismatch.
type TraceAsserter struct {
	t       TestingT
	options TraceAssertOptions
}

// NewTraceAsserter creates a TraceAsserter with default options.
func NewTraceAsserter(t TestingT) *TraceAsserter {
	opts := TraceAssertOptions{}
	defaults.SetDefaults(&opts)
	return &TraceAsserter{t: t, options: opts}
}

// WithOptions applies functional options.
func (ta *TraceAsserter) WithOptions(opts ...TraceOption) *TraceAsserter {
	for _, opt := range opts {
		opt(&ta.options)
	}
	return ta
}

// Options returns a copy of the current options.
func (ta *TraceAsserter) Options() TraceAssertOptions {
	return ta.options
}

// AssertLines compares actual trace lines with the expected multi-line text.
// It reports true when they match.
func (ta *TraceAsserter) AssertLines(actual []string, expected string) bool {
	ta.t.Helper()
	return ta.Assert(strings.Join(actual, "\n"), expected)
}

// Assert compares two multi-line traces.
func (ta *TraceAsserter) Assert(actual, expected string) bool {
	ta.t.Helper()
	if diff := ta.Diff(actual, expected); diff != "" {
		ta.t.Errorf("Trace assertion failed - unified diff:\n%s", diff)
		return false
	}
	return true
}

// Diff returns the unified diff between the normalized traces, or "" when equal.
func (ta *TraceAsserter) Diff(actual, expected string) string {
	a := ta.normalize(actual)
	e := ta.normalize(expected)
	if a == e {
		return ""
	}
	edits := myers.ComputeEdits("", e, a)
	unified := gotextdiff.ToUnified("expected", "actual", e, edits)
	return ta.colorize(fmt.Sprint(unified))
}

func (ta *TraceAsserter) colorize(diff string) string {
	if !ta.options.EnableColors {
		return diff
	}

	red := color.New(color.FgRed)
	red.EnableColor()
	green := color.New(color.FgGreen)
	green.EnableColor()
	cyan := color.New(color.FgCyan)
	cyan.EnableColor()

	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "@@"):
			lines[i] = cyan.Sprint(line)
		case strings.HasPrefix(line, "-"):
			lines[i] = red.Sprint(line)
		case strings.HasPrefix(line, "+"):
			lines[i] = green.Sprint(line)
		}
	}
	return strings.Join(lines, "\n")
}

func (ta *TraceAsserter) normalize(text string) string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if ta.options.TrimSpace {
			line = strings.TrimSpace(line)
		}
		if ta.options.IgnoreEmptyLines && line == "" {
			continue
		}
		if ta.ignored(line) {
			continue
		}
		out = append(out, line)
	}
	if ta.options.IgnoreOrder {
		sort.Strings(out)
	}
	if len(out) == 0 {
		return ""
	}
	// Trailing newline keeps the unified diff free of "\ No newline" markers.
	return strings.Join(out, "\n") + "\n"
}

func (ta *TraceAsserter) ignored(line string) bool {
	for _, p := range ta.options.IgnorePrefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

// WithIgnoreOrder compares traces as sets of lines.
func WithIgnoreOrder(ignore bool) TraceOption {
	return func(opts *TraceAssertOptions) { opts.IgnoreOrder = ignore }
}

// WithEnableColors colors the diff output.
func WithEnableColors(enable bool) TraceOption {
	return func(opts *TraceAssertOptions) { opts.EnableColors = enable }
}

// WithIgnorePrefixes drops lines starting with any of prefixes before comparing.
func WithIgnorePrefixes(prefixes ...string) TraceOption {
	return func(opts *TraceAssertOptions) { opts.IgnorePrefixes = append(opts.IgnorePrefixes, prefixes...) }
}
