// Package rules wraps the pattern-rule engine behind a small adapter:
// load a rule-set file once, then match file or memory buffers and get
// back the identifiers of every rule that hit.
package rules

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/cloudflare/ahocorasick"
	"gopkg.in/yaml.v3"
)

// ruleFile is the on-disk rule-set format.
type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	Name     string   `yaml:"name"`
	Patterns []string `yaml:"patterns"`
}

// Matcher holds a compiled rule set. Matching is read-only and safe for
// concurrent use; all per-scan state lives on the caller's stack.
type Matcher struct {
	engine *ahocorasick.Matcher
	// patternRule maps pattern index to the owning rule's identifier.
	patternRule []string
	ruleCount   int
}

// Load reads and compiles the rule-set file at path. Patterns are
// literal byte strings; a "hex:" prefix marks hex-encoded bytes.
func Load(path string) (*Matcher, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: rule-set path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("reading rule set: %w", err)
	}

	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing rule set: %w", err)
	}
	if len(rf.Rules) == 0 {
		return nil, fmt.Errorf("rule set %s contains no rules", path)
	}

	var patterns [][]byte
	var patternRule []string
	for i, r := range rf.Rules {
		if r.Name == "" {
			return nil, fmt.Errorf("rule %d has no name", i)
		}
		if len(r.Patterns) == 0 {
			return nil, fmt.Errorf("rule %s has no patterns", r.Name)
		}
		for _, p := range r.Patterns {
			b, err := decodePattern(p)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", r.Name, err)
			}
			patterns = append(patterns, b)
			patternRule = append(patternRule, r.Name)
		}
	}

	return &Matcher{
		engine:      ahocorasick.NewMatcher(patterns),
		patternRule: patternRule,
		ruleCount:   len(rf.Rules),
	}, nil
}

func decodePattern(p string) ([]byte, error) {
	if encoded, ok := strings.CutPrefix(p, "hex:"); ok {
		b, err := hex.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decoding hex pattern %q: %w", p, err)
		}
		if len(b) == 0 {
			return nil, fmt.Errorf("empty hex pattern")
		}
		return b, nil
	}
	if p == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	return []byte(p), nil
}

// RuleCount returns the number of rules in the loaded set.
func (m *Matcher) RuleCount() int {
	return m.ruleCount
}

// ScanMem matches buf against the rule set and returns the identifiers
// of matched rules, deduplicated in first-match order. A nil slice
// means no rule matched.
func (m *Matcher) ScanMem(buf []byte) []string {
	hits := m.engine.MatchThreadSafe(buf)
	if len(hits) == 0 {
		return nil
	}
	var matched []string
	seen := make(map[string]struct{}, len(hits))
	for _, idx := range hits {
		name := m.patternRule[idx]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		matched = append(matched, name)
	}
	return matched
}

// ScanFile reads the file at path and matches it against the rule set.
func (m *Matcher) ScanFile(path string) ([]string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: paths come from the scanner
	if err != nil {
		return nil, fmt.Errorf("reading file for rule scan: %w", err)
	}
	return m.ScanMem(data), nil
}

// Description renders the standard detection description for a set of
// matched rule identifiers.
func Description(matched []string) string {
	noun := "rules"
	if len(matched) == 1 {
		noun = "rule"
	}
	return fmt.Sprintf("Matched by %d %s: %s", len(matched), noun, strings.Join(matched, ", "))
}
