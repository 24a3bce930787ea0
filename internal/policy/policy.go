// Package policy holds the size, exclusion, and throttle rules that
// decide whether and how a file is scanned.
package policy

import (
	"strings"
	"sync/atomic"
	"time"
)

// Size thresholds for the detection cascade.
const (
	// MaxSizeSkip is the size above which files are skipped entirely.
	MaxSizeSkip = 500 * 1024 * 1024
	// PartialMin is the size above which only a prefix+suffix sample is scanned.
	PartialMin = 10 * 1024 * 1024
	// PartialMax is the upper bound for sampled scanning; larger files
	// never reach the rule matcher.
	PartialMax = 500 * 1024 * 1024
	// PartialPrefix is the number of leading bytes sampled from medium files.
	PartialPrefix = 4 * 1024 * 1024
	// PartialSuffix is the number of trailing bytes sampled from medium files.
	PartialSuffix = 1 * 1024 * 1024
)

// Throttle defaults.
const (
	DefaultDutyCycle  = 0.5
	DefaultMaxSleep   = 500 * time.Millisecond
	minWorkToThrottle = 2 * time.Millisecond
)

// DefaultExclusions are path substrings that are never scanned: the
// engine's own data, virtual device namespaces, churn-heavy system and
// package directories, and the rule/signature artifacts themselves.
var DefaultExclusions = []string{
	"aegis_av_data",
	"\\device\\",
	"\\windows\\system32",
	"\\windows\\winsxs",
	"$recycle.bin",
	"system volume information",
	"\\appdata\\local\\temp",
	"node_modules",
	".git",
	"rules.yaml",
	"signatures.db",
}

// Policy decides skip behavior for the scanner. The zero value is not
// usable; construct with New.
type Policy struct {
	exclusions []string

	fullScan atomic.Bool

	dutyCycle float64
	maxSleep  time.Duration
}

// New builds a Policy with the given exclusion substrings (matched
// case-insensitively). A nil slice uses DefaultExclusions.
func New(exclusions []string) *Policy {
	if exclusions == nil {
		exclusions = DefaultExclusions
	}
	lowered := make([]string, 0, len(exclusions))
	for _, e := range exclusions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			lowered = append(lowered, e)
		}
	}
	return &Policy{
		exclusions: lowered,
		dutyCycle:  DefaultDutyCycle,
		maxSleep:   DefaultMaxSleep,
	}
}

// Excluded reports whether path matches any exclusion substring.
// The full-scan override bypasses exclusions.
func (p *Policy) Excluded(path string) bool {
	if p.fullScan.Load() {
		return false
	}
	lower := strings.ToLower(path)
	for _, e := range p.exclusions {
		if strings.Contains(lower, e) {
			return true
		}
	}
	return false
}

// SetFullScan toggles the operator override that bypasses exclusions,
// the size skip, the trust skip, and the whitelist short-circuit.
func (p *Policy) SetFullScan(enabled bool) {
	p.fullScan.Store(enabled)
}

// FullScan reports whether the full-scan override is active.
func (p *Policy) FullScan() bool {
	return p.fullScan.Load()
}

// SetThrottle configures the inter-file duty cycle. A duty outside
// (0, 1) disables throttling; a negative maxSleep is clamped to zero.
func (p *Policy) SetThrottle(duty float64, maxSleep time.Duration) {
	if duty <= 0 || duty >= 1 {
		duty = 0
	}
	if maxSleep < 0 {
		maxSleep = 0
	}
	p.dutyCycle = duty
	p.maxSleep = maxSleep
}

// ThrottleSleep returns how long to sleep after a unit of scan work
// lasting work, targeting the configured duty cycle. Sub-threshold work
// and a disabled duty cycle yield zero.
func (p *Policy) ThrottleSleep(work time.Duration) time.Duration {
	if work < minWorkToThrottle || p.dutyCycle <= 0 || p.dutyCycle >= 1 {
		return 0
	}
	sleep := time.Duration(float64(work) * (1 - p.dutyCycle) / p.dutyCycle)
	if sleep > p.maxSleep {
		sleep = p.maxSleep
	}
	return sleep
}
