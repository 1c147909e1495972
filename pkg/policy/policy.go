// Package policy holds the per-field match, delay and replacement tables
// consulted during replay.
package policy

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/funnyzak/reqreplay/pkg/similarity"
)

// Strategy decides how a differing leaf is judged
type Strategy string

const (
	StrategyExact  Strategy = "exact"
	StrategyFuzzy  Strategy = "fuzzy"
	StrategyRegex  Strategy = "regex"
	StrategyIgnore Strategy = "ignore"
)

// FieldMatcher selects comparison paths by exact path or by pattern
type FieldMatcher struct {
	Path      string
	Pattern   *regexp.Regexp
	Strategy  Strategy
	Threshold float64
	// Expect is the pattern the actual value must match under StrategyRegex
	Expect *regexp.Regexp
}

// Matches reports whether the matcher applies to path
func (m FieldMatcher) Matches(path string) bool {
	if m.Pattern != nil {
		return m.Pattern.MatchString(path)
	}
	return m.Path == path
}

// DelayRule pauses before sending matching requests
type DelayRule struct {
	Method  string
	Path    string
	Pattern *regexp.Regexp
	Delay   time.Duration
}

// Matches reports whether the rule applies to the request
func (d DelayRule) Matches(method, path string) bool {
	if d.Method != "*" && !strings.EqualFold(d.Method, method) {
		return false
	}
	if d.Pattern != nil {
		return d.Pattern.MatchString(path)
	}
	return d.Path == path
}

// ReplacementRule names a field whose recorded values get fresh ids on replay
type ReplacementRule struct {
	Field string
}

// Policy bundles the three tables. First match wins in every table.
type Policy struct {
	Matchers       []FieldMatcher
	Delays         []DelayRule
	Replacements   []ReplacementRule
	FuzzyThreshold float64
}

// Default returns the built-in tables
func Default() *Policy {
	return &Policy{
		Matchers: []FieldMatcher{
			{Pattern: regexp.MustCompile(`\.annotatedText$`), Strategy: StrategyFuzzy, Threshold: 0.90},
			{Pattern: regexp.MustCompile(`\.created_at$`), Strategy: StrategyIgnore},
		},
		Delays: []DelayRule{
			{Method: "GET", Path: "/ingredicheck/history", Delay: 2 * time.Second},
		},
		Replacements: []ReplacementRule{
			{Field: "clientActivityId"},
		},
		FuzzyThreshold: similarity.DefaultThreshold,
	}
}

// MatcherFor returns the first matcher applying to path
func (p *Policy) MatcherFor(path string) (FieldMatcher, bool) {
	if p == nil {
		return FieldMatcher{}, false
	}
	for _, m := range p.Matchers {
		if m.Matches(path) {
			return m, true
		}
	}
	return FieldMatcher{}, false
}

// DelayFor returns the delay of the first rule matching the request
func (p *Policy) DelayFor(method, path string) time.Duration {
	if p == nil {
		return 0
	}
	for _, d := range p.Delays {
		if d.Matches(method, path) {
			return d.Delay
		}
	}
	return 0
}

// ReplacementFields lists the configured replacement field names
func (p *Policy) ReplacementFields() []string {
	if p == nil {
		return nil
	}
	fields := make([]string, 0, len(p.Replacements))
	for _, r := range p.Replacements {
		fields = append(fields, r.Field)
	}
	return fields
}

// Threshold returns the fuzzy threshold for m, falling back to the policy default
func (p *Policy) Threshold(m FieldMatcher) float64 {
	if m.Threshold > 0 {
		return m.Threshold
	}
	if p != nil && p.FuzzyThreshold > 0 {
		return p.FuzzyThreshold
	}
	return similarity.DefaultThreshold
}

// File is the YAML representation of a policy
type File struct {
	// Extend keeps the built-in tables and appends the file's rules after them
	Extend         bool              `yaml:"extend"`
	FuzzyThreshold float64           `yaml:"fuzzy_threshold"`
	FieldMatchers  []FieldMatcherDef `yaml:"field_matchers"`
	DelayRules     []DelayRuleDef    `yaml:"delay_rules"`
	Replacements   []string          `yaml:"replacement_fields"`
}

// FieldMatcherDef is a field matcher as written in YAML
type FieldMatcherDef struct {
	Path      string  `yaml:"path"`
	Pattern   string  `yaml:"pattern"`
	Strategy  string  `yaml:"strategy"`
	Threshold float64 `yaml:"threshold"`
	Expect    string  `yaml:"expect"`
}

// DelayRuleDef is a delay rule as written in YAML
type DelayRuleDef struct {
	Method  string        `yaml:"method"`
	Path    string        `yaml:"path"`
	Pattern string        `yaml:"pattern"`
	Delay   time.Duration `yaml:"delay"`
}

// Load reads a policy file from disk
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Parse builds a policy from YAML
func Parse(data []byte) (*Policy, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	return f.Build()
}

// Build compiles the file into a Policy
func (f File) Build() (*Policy, error) {
	p := &Policy{FuzzyThreshold: similarity.DefaultThreshold}
	if f.Extend {
		p = Default()
	}
	if f.FuzzyThreshold != 0 {
		if f.FuzzyThreshold < 0 || f.FuzzyThreshold > 1 {
			return nil, fmt.Errorf("fuzzy_threshold must be within [0, 1], got %v", f.FuzzyThreshold)
		}
		p.FuzzyThreshold = f.FuzzyThreshold
	}

	for i, def := range f.FieldMatchers {
		m, err := def.compile()
		if err != nil {
			return nil, fmt.Errorf("field_matchers[%d]: %w", i, err)
		}
		p.Matchers = append(p.Matchers, m)
	}
	for i, def := range f.DelayRules {
		d, err := def.compile()
		if err != nil {
			return nil, fmt.Errorf("delay_rules[%d]: %w", i, err)
		}
		p.Delays = append(p.Delays, d)
	}
	for _, field := range f.Replacements {
		if field = strings.TrimSpace(field); field != "" {
			p.Replacements = append(p.Replacements, ReplacementRule{Field: field})
		}
	}
	return p, nil
}

func (def FieldMatcherDef) compile() (FieldMatcher, error) {
	m := FieldMatcher{
		Path:      def.Path,
		Strategy:  Strategy(strings.ToLower(strings.TrimSpace(def.Strategy))),
		Threshold: def.Threshold,
	}
	if m.Strategy == "" {
		m.Strategy = StrategyExact
	}
	switch m.Strategy {
	case StrategyExact, StrategyFuzzy, StrategyRegex, StrategyIgnore:
	default:
		return m, fmt.Errorf("unknown strategy %q", def.Strategy)
	}
	if def.Path == "" && def.Pattern == "" {
		return m, fmt.Errorf("path or pattern is required")
	}
	if def.Pattern != "" {
		re, err := regexp.Compile(def.Pattern)
		if err != nil {
			return m, fmt.Errorf("invalid pattern: %w", err)
		}
		m.Pattern = re
	}
	if def.Threshold < 0 || def.Threshold > 1 {
		return m, fmt.Errorf("threshold must be within [0, 1], got %v", def.Threshold)
	}
	if m.Strategy == StrategyRegex {
		if def.Expect == "" {
			return m, fmt.Errorf("regex strategy requires expect")
		}
		re, err := regexp.Compile(def.Expect)
		if err != nil {
			return m, fmt.Errorf("invalid expect pattern: %w", err)
		}
		m.Expect = re
	}
	return m, nil
}

func (def DelayRuleDef) compile() (DelayRule, error) {
	d := DelayRule{
		Method: strings.ToUpper(strings.TrimSpace(def.Method)),
		Path:   def.Path,
		Delay:  def.Delay,
	}
	if d.Method == "" {
		d.Method = "*"
	}
	if def.Path == "" && def.Pattern == "" {
		return d, fmt.Errorf("path or pattern is required")
	}
	if def.Pattern != "" {
		re, err := regexp.Compile(def.Pattern)
		if err != nil {
			return d, fmt.Errorf("invalid pattern: %w", err)
		}
		d.Pattern = re
	}
	if d.Delay < 0 {
		return d, fmt.Errorf("delay must not be negative")
	}
	return d, nil
}
