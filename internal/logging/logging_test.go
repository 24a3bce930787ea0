package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewManagerWritesToFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "aegis.log")
	cfg := DefaultConfig()
	cfg.FilePath = logPath
	cfg.Format = "json"

	m, logger := NewManager(cfg)
	logger.Info("engine ready", "component", "test")
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "engine ready") {
		t.Errorf("log file missing message: %s", data)
	}
	if !strings.Contains(string(data), `"component":"test"`) {
		t.Errorf("log file missing attribute: %s", data)
	}
}

func TestCloseWithoutFileIsNil(t *testing.T) {
	m, _ := NewManager(DefaultConfig())
	if err := m.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
	// Second close is a no-op.
	if err := m.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"error", "ERROR"},
		{"bogus", "INFO"},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in).String(); got != tt.want {
			t.Errorf("parseLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestValidators(t *testing.T) {
	if !ValidLevel("debug") || ValidLevel("trace") {
		t.Error("ValidLevel misbehaves")
	}
	if !ValidFormat("text") || ValidFormat("xml") {
		t.Error("ValidFormat misbehaves")
	}
}
