package scanner

import (
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aegis-av/aegis/internal/database"
	"github.com/aegis-av/aegis/internal/digest"
	"github.com/aegis-av/aegis/internal/policy"
	"github.com/aegis-av/aegis/internal/rules"
	"github.com/aegis-av/aegis/internal/sigdb"
	"github.com/aegis-av/aegis/internal/trust"
)

const emptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

const testRuleSet = `rules:
  - name: EICAR_TEST
    patterns:
      - "EICAR-STANDARD-ANTIVIRUS-TEST-FILE"
  - name: SHELL_SPAWN
    patterns:
      - "cmd.exe /c"
`

// collector is a threadsafe result sink for tests.
type collector struct {
	mu      sync.Mutex
	results []Result
}

func (c *collector) sink() Sink {
	return func(r Result) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.results = append(c.results, r)
	}
}

func (c *collector) all() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]Result, len(c.results))
	copy(cp, c.results)
	return cp
}

func testEngine(t *testing.T) (*Engine, *sql.DB) {
	t.Helper()
	dir := t.TempDir()

	db, err := database.Open(filepath.Join(dir, "signatures.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck
	if err := database.Migrate(db); err != nil {
		t.Fatal(err)
	}

	store, err := sigdb.New(db)
	if err != nil {
		t.Fatal(err)
	}

	rulePath := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(rulePath, []byte(testRuleSet), 0o644); err != nil {
		t.Fatal(err)
	}
	matcher, err := rules.Load(rulePath)
	if err != nil {
		t.Fatal(err)
	}

	e := New(store, matcher, trust.New(nil), policy.New(nil), slog.Default(), nil)
	t.Cleanup(e.Close)
	return e, db
}

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestHashHitEmitsSingleHighResult(t *testing.T) {
	e, db := testEngine(t)
	if _, err := db.Exec(`INSERT INTO sig_sha256 (hash, malware_name) VALUES (?, 'empty')`, emptySHA256); err != nil {
		t.Fatal(err)
	}
	path := writeFile(t, t.TempDir(), "e", nil)

	var c collector
	e.ScanFile(path, c.sink())

	results := c.all()
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	r := results[0]
	if !r.IsMalware || r.Severity != SeverityHigh || r.DetectionSource != SourceHash {
		t.Errorf("result = %+v", r)
	}
	if r.MatchedHashType != "SHA256" || r.MatchedHash != emptySHA256 {
		t.Errorf("matched hash = %s/%s", r.MatchedHashType, r.MatchedHash)
	}
	if r.MalwareName != "empty" {
		t.Errorf("malware_name = %s", r.MalwareName)
	}
}

func TestHashHitSuppressesRuleMatcher(t *testing.T) {
	e, db := testEngine(t)
	content := []byte("payload EICAR-STANDARD-ANTIVIRUS-TEST-FILE payload")
	path := writeFile(t, t.TempDir(), "both.bin", content)

	d, err := digest.ComputeAll(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO sig_sha256 (hash, malware_name) VALUES (?, 'double')`, d.SHA256); err != nil {
		t.Fatal(err)
	}

	var c collector
	e.ScanFile(path, c.sink())

	results := c.all()
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].DetectionSource != SourceHash {
		t.Errorf("detection_source = %s, want HASH", results[0].DetectionSource)
	}
	if len(results[0].MatchedRules) != 0 {
		t.Error("rule matcher ran despite hash hit")
	}
}

func TestRuleHitEmitsSingleResult(t *testing.T) {
	e, _ := testEngine(t)
	path := writeFile(t, t.TempDir(), "sample.txt",
		[]byte("harmless prefix EICAR-STANDARD-ANTIVIRUS-TEST-FILE harmless suffix"))

	var c collector
	e.ScanFile(path, c.sink())

	results := c.all()
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	r := results[0]
	if !r.IsMalware || r.DetectionSource != SourceRules {
		t.Errorf("result = %+v", r)
	}
	if r.MatchedRulesCount != 1 || len(r.MatchedRules) != 1 || r.MatchedRules[0] != "EICAR_TEST" {
		t.Errorf("matched rules = %v", r.MatchedRules)
	}
	if !strings.Contains(r.Description, "Matched by 1 rule: EICAR_TEST") {
		t.Errorf("description = %q", r.Description)
	}
	if r.SHA256 == "" {
		t.Error("rule-match result missing precomputed digests")
	}
}

func TestOversizeFileSkippedWithNotice(t *testing.T) {
	e, _ := testEngine(t)
	path := filepath.Join(t.TempDir(), "huge.bin")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	// Sparse file: over the size limit without touching the disk.
	if err := f.Truncate(600 * 1024 * 1024); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	var c collector
	e.ScanFile(path, c.sink())

	results := c.all()
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	r := results[0]
	if r.IsMalware || r.Severity != SeverityNotice || r.DetectionSource != SourcePolicy {
		t.Errorf("result = %+v", r)
	}
	if r.Description != "Skipped: file too large (>500MB)" {
		t.Errorf("description = %q", r.Description)
	}
	if completed, total := e.Progress(); completed != 1 || total != 1 {
		t.Errorf("progress = %d/%d, want 1/1", completed, total)
	}
}

func TestCleanFileEmitsNothing(t *testing.T) {
	e, _ := testEngine(t)
	path := writeFile(t, t.TempDir(), "clean.txt", []byte("nothing to see"))

	var c collector
	e.ScanFile(path, c.sink())

	if got := c.all(); len(got) != 0 {
		t.Errorf("got %d results for clean file: %+v", len(got), got)
	}
	if completed, total := e.Progress(); completed != 1 || total != 1 {
		t.Errorf("progress = %d/%d, want 1/1", completed, total)
	}
}

func TestPartialScanFindsPatternInPrefix(t *testing.T) {
	e, _ := testEngine(t)
	path := filepath.Join(t.TempDir(), "medium.bin")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("header EICAR-STANDARD-ANTIVIRUS-TEST-FILE trailer"); err != nil {
		t.Fatal(err)
	}
	// Pad to 20 MiB so the scanner samples prefix+suffix instead of the
	// whole file; the pattern sits inside the 4 MiB prefix.
	if err := f.Truncate(20 * 1024 * 1024); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	var c collector
	e.ScanFile(path, c.sink())

	results := c.all()
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	r := results[0]
	if !r.IsMalware || r.DetectionSource != SourceRules || r.MatchedRulesCount != 1 {
		t.Errorf("result = %+v", r)
	}
	if r.MatchedRules[0] != "EICAR_TEST" {
		t.Errorf("matched rules = %v", r.MatchedRules)
	}
}

func TestWhitelistWinsOverMatcher(t *testing.T) {
	e, db := testEngine(t)
	content := []byte("whitelisted EICAR-STANDARD-ANTIVIRUS-TEST-FILE")
	path := writeFile(t, t.TempDir(), "wl.bin", content)

	d, err := digest.ComputeAll(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO whitelist (hash, hash_type, note) VALUES (?, 'sha256', 'test')`, d.SHA256); err != nil {
		t.Fatal(err)
	}

	var c collector
	e.ScanFile(path, c.sink())

	results := c.all()
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	r := results[0]
	if r.IsMalware || r.DetectionSource != SourceWhitelist || r.Severity != SeverityNotice {
		t.Errorf("result = %+v", r)
	}
}

func TestFullScanBypassesWhitelist(t *testing.T) {
	e, db := testEngine(t)
	content := []byte("whitelisted EICAR-STANDARD-ANTIVIRUS-TEST-FILE")
	path := writeFile(t, t.TempDir(), "wl.bin", content)

	d, err := digest.ComputeAll(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO whitelist (hash, hash_type, note) VALUES (?, 'sha256', 'test')`, d.SHA256); err != nil {
		t.Fatal(err)
	}

	e.Policy().SetFullScan(true)
	defer e.Policy().SetFullScan(false)

	var c collector
	e.ScanFile(path, c.sink())

	results := c.all()
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].DetectionSource != SourceRules {
		t.Errorf("full scan should reach the matcher, got %s", results[0].DetectionSource)
	}
}

func TestExcludedPathIsSilent(t *testing.T) {
	e, _ := testEngine(t)
	dir := filepath.Join(t.TempDir(), "node_modules")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := writeFile(t, dir, "mal.bin", []byte("EICAR-STANDARD-ANTIVIRUS-TEST-FILE"))

	var c collector
	e.ScanFile(path, c.sink())

	if got := c.all(); len(got) != 0 {
		t.Errorf("excluded path produced results: %+v", got)
	}
	if completed, _ := e.Progress(); completed != 1 {
		t.Errorf("completed = %d, want 1", completed)
	}
}

func TestMissingFileIsSilent(t *testing.T) {
	e, _ := testEngine(t)
	var c collector
	e.ScanFile(filepath.Join(t.TempDir(), "absent"), c.sink())
	if got := c.all(); len(got) != 0 {
		t.Errorf("missing file produced results: %+v", got)
	}
}

func TestScanFolderProgress(t *testing.T) {
	e, _ := testEngine(t)
	root := t.TempDir()
	writeFile(t, root, "a.txt", []byte("clean a"))
	writeFile(t, root, "b.txt", []byte("clean b"))
	sub := filepath.Join(root, "sub")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, sub, "c.txt", []byte("prefix EICAR-STANDARD-ANTIVIRUS-TEST-FILE"))

	var c collector
	e.ScanFolder(root, c.sink())

	completed, total := e.Progress()
	if total != 3 || completed != 3 {
		t.Errorf("progress = %d/%d, want 3/3", completed, total)
	}
	if e.ProgressPercent() != 100 {
		t.Errorf("percent = %d, want 100", e.ProgressPercent())
	}
	results := c.all()
	if len(results) != 1 || results[0].MatchedRules[0] != "EICAR_TEST" {
		t.Errorf("results = %+v", results)
	}
}

func TestProgressPercentHeuristic(t *testing.T) {
	e, _ := testEngine(t)
	if e.ProgressPercent() != 0 {
		t.Errorf("initial percent = %d", e.ProgressPercent())
	}
	e.total.Store(0)
	e.completed.Store(250)
	if e.ProgressPercent() != 99 {
		t.Errorf("heuristic percent = %d, want 99", e.ProgressPercent())
	}
	e.ResetProgress()
	if c, tot := e.Progress(); c != 0 || tot != 0 {
		t.Errorf("after reset: %d/%d", c, tot)
	}
}

func TestPanickingSinkDoesNotAbort(t *testing.T) {
	e, _ := testEngine(t)
	root := t.TempDir()
	writeFile(t, root, "x.txt", []byte("EICAR-STANDARD-ANTIVIRUS-TEST-FILE"))
	writeFile(t, root, "y.txt", []byte("cmd.exe /c whoami"))

	var c collector
	first := true
	sink := func(r Result) {
		if first {
			first = false
			panic("consumer bug")
		}
		c.sink()(r)
	}
	e.ScanFolder(root, sink)

	// One result was swallowed by the panic; the other still arrived.
	if got := c.all(); len(got) != 1 {
		t.Errorf("got %d results after panic, want 1", len(got))
	}
}

func TestConcurrentScanFilesDoNotRace(t *testing.T) {
	e, _ := testEngine(t)
	dir := t.TempDir()
	paths := make([]string, 8)
	for i := range paths {
		paths[i] = writeFile(t, dir, string(rune('a'+i))+".txt",
			[]byte("EICAR-STANDARD-ANTIVIRUS-TEST-FILE #"+string(rune('a'+i))))
	}

	var c collector
	var wg sync.WaitGroup
	for _, p := range paths {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			e.scanPath(p, c.sink())
		}(p)
	}
	wg.Wait()

	results := c.all()
	if len(results) != len(paths) {
		t.Fatalf("got %d results, want %d", len(results), len(paths))
	}
	// Each result must carry its own file's identity (no cross-scan state).
	seen := make(map[string]bool)
	for _, r := range results {
		if r.MatchedRules[0] != "EICAR_TEST" {
			t.Errorf("unexpected rule for %s: %v", r.FilePath, r.MatchedRules)
		}
		if seen[r.FilePath] {
			t.Errorf("duplicate result for %s", r.FilePath)
		}
		seen[r.FilePath] = true
	}
}

func TestReadPrefixSuffixSmallFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "small.bin", []byte("0123456789"))
	buf, err := readPrefixSuffix(path, 10)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf) != "0123456789" {
		t.Errorf("buf = %q", buf)
	}
}
