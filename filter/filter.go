// Package filter decides from regular expressions over the raw header and body
// whether a message is harvested at all.
package filter

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrModeConflict = errors.New("include and exclude filters are mutually exclusive")

// Options captures the filtering configuration.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// Filter holds compiled patterns. The zero value and a nil *Filter allow
// everything.
type Filter struct {
	includeMode   bool
	excludeMode   bool
	includeHeader []*regexp.Regexp
	includeBody   []*regexp.Regexp
	excludeHeader []*regexp.Regexp
	excludeBody   []*regexp.Regexp
}

// Verdict is the outcome of Check. Reason names the rule that decided.
type Verdict struct {
	Allowed bool
	Reason  string
}

// New compiles the patterns. Include and exclude rules cannot be combined.
func New(opts Options) (*Filter, error) {
	includeHeader, err := compilePatterns(opts.IncludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile include-header pattern: %w", err)
	}
	includeBody, err := compilePatterns(opts.IncludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile include-body pattern: %w", err)
	}
	excludeHeader, err := compilePatterns(opts.ExcludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-header pattern: %w", err)
	}
	excludeBody, err := compilePatterns(opts.ExcludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-body pattern: %w", err)
	}

	includeActive := len(includeHeader) > 0 || len(includeBody) > 0
	excludeActive := len(excludeHeader) > 0 || len(excludeBody) > 0
	if includeActive && excludeActive {
		return nil, ErrModeConflict
	}

	return &Filter{
		includeMode:   includeActive,
		excludeMode:   excludeActive,
		includeHeader: includeHeader,
		includeBody:   includeBody,
		excludeHeader: excludeHeader,
		excludeBody:   excludeBody,
	}, nil
}

// Active reports whether any pattern is configured.
func (f *Filter) Active() bool {
	return f != nil && (f.includeMode || f.excludeMode)
}

// Check evaluates a raw message.
func (f *Filter) Check(raw []byte) Verdict {
	if !f.Active() {
		return Verdict{Allowed: true}
	}

	header, body := SplitRawMessage(raw)

	if f.includeMode {
		if re := firstMatch(f.includeHeader, header); re != nil {
			return Verdict{Allowed: true, Reason: "include-header " + re.String()}
		}
		if re := firstMatch(f.includeBody, body); re != nil {
			return Verdict{Allowed: true, Reason: "include-body " + re.String()}
		}
		return Verdict{Allowed: false, Reason: "no include pattern matched"}
	}

	if re := firstMatch(f.excludeHeader, header); re != nil {
		return Verdict{Allowed: false, Reason: "exclude-header " + re.String()}
	}
	if re := firstMatch(f.excludeBody, body); re != nil {
		return Verdict{Allowed: false, Reason: "exclude-body " + re.String()}
	}
	return Verdict{Allowed: true}
}

// SplitRawMessage splits a raw email message into header and body parts.
func SplitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}

	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}

	return raw, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func firstMatch(patterns []*regexp.Regexp, text []byte) *regexp.Regexp {
	for _, re := range patterns {
		if re.Match(text) {
			return re
		}
	}
	return nil
}
