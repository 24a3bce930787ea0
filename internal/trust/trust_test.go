package trust

import (
	"runtime"
	"testing"
)

func TestTrustedUnsignedFile(t *testing.T) {
	o := New(nil)
	// Neither platform trusts a path that does not exist or is unsigned.
	if o.Trusted("/nonexistent/definitely-unsigned.bin") {
		t.Error("Trusted returned true for a nonexistent file")
	}
}

func TestTrustedUnsupportedPlatform(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("only meaningful off Windows")
	}
	o := New(nil)
	if o.Trusted("/bin/sh") {
		t.Error("non-Windows platforms must trust nothing")
	}
}

func TestPublisherNormalization(t *testing.T) {
	o := New([]string{" Microsoft ", "", "GOOGLE"})
	if len(o.publishers) != 2 {
		t.Fatalf("publishers = %v", o.publishers)
	}
	for _, p := range o.publishers {
		if p != "microsoft" && p != "google" {
			t.Errorf("unexpected publisher %q", p)
		}
	}
}
