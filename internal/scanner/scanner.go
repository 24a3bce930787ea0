// Package scanner implements the per-file detection cascade and the
// recursive folder walk: exclusions, size and trust skips, whitelist
// short-circuit, signature-hash lookup, then pattern-rule matching.
package scanner

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-av/aegis/internal/digest"
	"github.com/aegis-av/aegis/internal/event"
	"github.com/aegis-av/aegis/internal/policy"
	"github.com/aegis-av/aegis/internal/rules"
	"github.com/aegis-av/aegis/internal/sigdb"
	"github.com/aegis-av/aegis/internal/trust"
)

// Engine runs the detection cascade. It exclusively owns the rule
// matcher and signature store for its lifetime; a single mutex
// serializes detection work across callers.
type Engine struct {
	store   *sigdb.Store
	matcher *rules.Matcher
	oracle  *trust.Oracle
	policy  *policy.Policy
	logger  *slog.Logger
	bus     *event.Bus

	// scanMu serializes hash computation, catalog lookups, and rule
	// matching for one file at a time.
	scanMu sync.Mutex

	total     atomic.Uint64
	completed atomic.Uint64

	closeOnce sync.Once
}

// New creates an Engine. bus may be nil.
func New(store *sigdb.Store, matcher *rules.Matcher, oracle *trust.Oracle, pol *policy.Policy, logger *slog.Logger, bus *event.Bus) *Engine {
	return &Engine{
		store:   store,
		matcher: matcher,
		oracle:  oracle,
		policy:  pol,
		logger:  logger.With("component", "scanner"),
		bus:     bus,
	}
}

// Policy exposes the engine's scan policy for runtime toggles.
func (e *Engine) Policy() *policy.Policy {
	return e.policy
}

// Close finalizes the signature store's prepared statements. Idempotent.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.store.Close()
	})
}

// emit delivers a result through the sink, recovering from a panicking
// callback so a misbehaving consumer cannot abort a folder scan.
func (e *Engine) emit(sink Sink, r Result) {
	if sink == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("result sink panicked", "path", r.FilePath, "panic", rec)
		}
	}()
	sink(r)
}

func (e *Engine) baseResult(path string) Result {
	return Result{
		Timestamp: timestamp(),
		HostName:  hostName,
		FileName:  filepath.Base(path),
		FilePath:  path,
	}
}

// ScanFile runs the detection cascade on a single path, resetting the
// progress counters for a one-file session.
func (e *Engine) ScanFile(path string, sink Sink) {
	e.total.Store(1)
	e.completed.Store(0)
	e.scanPath(path, sink)
}

// Scan runs the cascade without resetting the progress counters; the
// realtime worker uses it so monitoring does not clobber an on-demand
// scan's totals.
func (e *Engine) Scan(path string, sink Sink) {
	e.scanPath(path, sink)
}

// scanPath is the cascade shared by single-file scans, folder walks,
// and the realtime worker. Every exit path counts the file as
// completed exactly once.
func (e *Engine) scanPath(path string, sink Sink) {
	defer e.completed.Add(1)

	// 1. Exclusion list (bypassed by the full-scan override).
	if e.policy.Excluded(path) {
		return
	}

	// 2. Only regular files are scanned.
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	size := info.Size()
	fullScan := e.policy.FullScan()

	// 3. Oversize skip.
	if size > policy.MaxSizeSkip && !fullScan {
		r := e.baseResult(path)
		r.Severity = SeverityNotice
		r.DetectionSource = SourcePolicy
		r.Description = "Skipped: file too large (>500MB)"
		e.emit(sink, r)
		return
	}

	// 4. Trusted-publisher skip.
	if !fullScan && e.oracle.Trusted(path) {
		r := e.baseResult(path)
		r.Severity = SeverityNotice
		r.DetectionSource = SourcePolicy
		r.Description = "Skipped: trusted publisher signature"
		e.emit(sink, r)
		return
	}

	e.scanMu.Lock()
	defer e.scanMu.Unlock()

	// 5. Digests feed the whitelist and signature lookups.
	digests, err := digest.ComputeAll(path)
	if err != nil {
		e.logger.Warn("digest computation failed", "path", path, "error", err)
	}

	// 6. Whitelist short-circuit.
	if !fullScan && e.whitelisted(digests) {
		r := e.baseResult(path)
		r.Severity = SeverityNotice
		r.DetectionSource = SourceWhitelist
		r.Description = "Skipped: hash whitelisted"
		e.emit(sink, r)
		return
	}

	// 7. Signature DB, strongest algorithm first. A hit suppresses the
	// rule matcher for this file.
	lookups := []struct {
		hash      string
		algorithm string
		display   string
	}{
		{digests.SHA256, "sha256", "SHA256"},
		{digests.SHA1, "sha1", "SHA1"},
		{digests.MD5, "md5", "MD5"},
	}
	for _, l := range lookups {
		if l.hash == "" {
			continue
		}
		name, found, err := e.store.Lookup(l.hash, l.algorithm)
		if err != nil {
			e.logger.Warn("signature lookup failed", "algorithm", l.algorithm, "path", path, "error", err)
			continue
		}
		if found {
			r := e.baseResult(path)
			r.IsMalware = true
			r.Severity = SeverityHigh
			r.DetectionSource = SourceHash
			r.MatchedHash = l.hash
			r.MatchedHashType = l.display
			r.MalwareName = name
			r.Description = "Matched " + l.display + " in DB"
			r.MD5, r.SHA1, r.SHA256 = digests.MD5, digests.SHA1, digests.SHA256
			e.emit(sink, r)
			return
		}
	}

	// 8. Pattern rules: full file for small files, prefix+suffix sample
	// for medium files. Oversize files never reach this point.
	var matched []string
	var scanErr error
	var scanKind string
	switch {
	case size <= policy.PartialMin:
		scanKind = "full-file"
		matched, scanErr = e.matcher.ScanFile(path)
	case size <= policy.PartialMax:
		scanKind = "partial"
		var sample []byte
		sample, scanErr = readPrefixSuffix(path, size)
		if scanErr == nil {
			matched = e.matcher.ScanMem(sample)
		}
	default:
		return
	}

	if scanErr != nil {
		r := e.baseResult(path)
		r.Severity = SeverityError
		r.DetectionSource = SourceError
		r.Description = fmt.Sprintf("Rule %s scan failed: %v", scanKind, scanErr)
		e.emit(sink, r)
		return
	}
	if len(matched) == 0 {
		return
	}

	r := e.baseResult(path)
	r.IsMalware = true
	r.Severity = SeverityWarning
	r.DetectionSource = SourceRules
	r.MatchedRules = matched
	r.MatchedRulesCount = len(matched)
	r.Description = rules.Description(matched)
	r.MD5, r.SHA1, r.SHA256 = digests.MD5, digests.SHA1, digests.SHA256
	e.emit(sink, r)
}

// whitelisted reports whether any computed digest is whitelisted.
func (e *Engine) whitelisted(d digest.Digests) bool {
	checks := []struct{ hash, hashType string }{
		{d.SHA256, "sha256"},
		{d.SHA1, "sha1"},
		{d.MD5, "md5"},
	}
	for _, c := range checks {
		if c.hash == "" {
			continue
		}
		ok, err := e.store.WhitelistContains(c.hash, c.hashType)
		if err != nil {
			e.logger.Warn("whitelist lookup failed", "hash_type", c.hashType, "error", err)
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

// readPrefixSuffix reads the first PartialPrefix and last PartialSuffix
// bytes of the file into a single buffer for memory scanning.
func readPrefixSuffix(path string, size int64) ([]byte, error) {
	f, err := os.Open(path) //nolint:gosec // G304: paths come from the scanner
	if err != nil {
		return nil, fmt.Errorf("opening file for partial scan: %w", err)
	}
	defer f.Close() //nolint:errcheck

	prefixLen := int64(policy.PartialPrefix)
	if prefixLen > size {
		prefixLen = size
	}
	suffixLen := int64(policy.PartialSuffix)
	if size-prefixLen < suffixLen {
		suffixLen = size - prefixLen
	}

	buf := make([]byte, prefixLen+suffixLen)
	if _, err := io.ReadFull(f, buf[:prefixLen]); err != nil {
		return nil, fmt.Errorf("reading prefix: %w", err)
	}
	if suffixLen > 0 {
		if _, err := f.ReadAt(buf[prefixLen:], size-suffixLen); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("reading suffix: %w", err)
		}
	}
	return buf, nil
}

// ScanFolder recursively scans every regular file under root,
// throttling between files. A best-effort pre-count seeds the progress
// total; permission errors skip entries without aborting the walk.
func (e *Engine) ScanFolder(root string, sink Sink) {
	scanID := uuid.New().String()
	start := time.Now()

	e.total.Store(countRegularFiles(root))
	e.completed.Store(0)

	var scanned uint64
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			// Permission-denied and vanished entries are skipped, not fatal.
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		workStart := time.Now()
		e.scanPath(path, sink)
		scanned++
		if sleep := e.policy.ThrottleSleep(time.Since(workStart)); sleep > 0 {
			time.Sleep(sleep)
		}
		return nil
	})

	e.logger.Info("folder scan completed",
		"scan_id", scanID,
		"root", root,
		"files", scanned,
		"duration", time.Since(start).String(),
	)
	if e.bus != nil {
		e.bus.Publish(event.Event{
			Type: event.ScanCompleted,
			Data: map[string]any{
				"scan_id": scanID,
				"root":    root,
				"files":   scanned,
			},
		})
	}
}

// countRegularFiles walks root tolerating per-entry errors and returns
// the number of regular files seen.
func countRegularFiles(root string) uint64 {
	var n uint64
	_ = filepath.WalkDir(root, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			n++
		}
		return nil
	})
	return n
}

// Progress returns the completed and total counters.
func (e *Engine) Progress() (completed, total uint64) {
	return e.completed.Load(), e.total.Load()
}

// ProgressPercent returns scan progress as 0-100. With no known total
// it falls back to a heuristic capped at 99.
func (e *Engine) ProgressPercent() int {
	t := e.total.Load()
	c := e.completed.Load()
	if t == 0 {
		if c == 0 {
			return 0
		}
		if c > 99 {
			return 99
		}
		return int(c)
	}
	pct := c * 100 / t
	if pct > 100 {
		pct = 100
	}
	return int(pct)
}

// ResetProgress zeroes the progress counters.
func (e *Engine) ResetProgress() {
	e.total.Store(0)
	e.completed.Store(0)
}
