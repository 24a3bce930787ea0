package policy

import (
	"testing"
	"time"
)

func TestExcluded(t *testing.T) {
	p := New(nil)

	tests := []struct {
		path string
		want bool
	}{
		{`C:\Users\bob\project\node_modules\left-pad\index.js`, true},
		{`C:\Windows\System32\kernel32.dll`, true},
		{`/home/bob/.git/objects/ab`, true},
		{`C:\$Recycle.Bin\S-1-5-21\file.exe`, true},
		{`/home/bob/documents/report.pdf`, false},
		{`C:\Users\bob\Downloads\setup.exe`, false},
	}
	for _, tt := range tests {
		if got := p.Excluded(tt.path); got != tt.want {
			t.Errorf("Excluded(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestExcludedCustomList(t *testing.T) {
	p := New([]string{"  Quarantine  ", ""})
	if !p.Excluded("/data/quarantine/stored.bin") {
		t.Error("custom exclusion should match case-insensitively")
	}
	if p.Excluded("/data/other/file.bin") {
		t.Error("unrelated path should not match")
	}
}

func TestFullScanBypassesExclusions(t *testing.T) {
	p := New(nil)
	path := "/tmp/node_modules/x"

	if !p.Excluded(path) {
		t.Fatal("expected exclusion before override")
	}
	p.SetFullScan(true)
	if p.Excluded(path) {
		t.Error("full-scan override must bypass exclusions")
	}
	p.SetFullScan(false)
	if !p.Excluded(path) {
		t.Error("clearing the override must restore exclusions")
	}
}

func TestThrottleSleep(t *testing.T) {
	p := New(nil)

	// 50% duty: sleep equals work.
	if got := p.ThrottleSleep(100 * time.Millisecond); got != 100*time.Millisecond {
		t.Errorf("sleep = %v, want 100ms", got)
	}
	// Capped at max sleep.
	if got := p.ThrottleSleep(10 * time.Second); got != DefaultMaxSleep {
		t.Errorf("sleep = %v, want %v", got, DefaultMaxSleep)
	}
	// Work below the threshold is not throttled.
	if got := p.ThrottleSleep(time.Millisecond); got != 0 {
		t.Errorf("sleep = %v, want 0 for trivial work", got)
	}
}

func TestThrottleDisabled(t *testing.T) {
	p := New(nil)
	p.SetThrottle(0, time.Second)
	if got := p.ThrottleSleep(time.Second); got != 0 {
		t.Errorf("sleep = %v, want 0 when disabled", got)
	}
	p.SetThrottle(1.5, time.Second)
	if got := p.ThrottleSleep(time.Second); got != 0 {
		t.Errorf("sleep = %v, want 0 for out-of-range duty", got)
	}
}

func TestThrottleQuarterDuty(t *testing.T) {
	p := New(nil)
	p.SetThrottle(0.25, 10*time.Second)
	// 25% duty: sleep is 3x work.
	if got := p.ThrottleSleep(100 * time.Millisecond); got != 300*time.Millisecond {
		t.Errorf("sleep = %v, want 300ms", got)
	}
}
