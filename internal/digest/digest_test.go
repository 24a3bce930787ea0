package digest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.bin")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCompute(t *testing.T) {
	path := writeTemp(t, "hello world")

	tests := []struct {
		algorithm string
		want      string
	}{
		{"md5", "5eb63bbbe01eeed093cb22bb8f5acdc3"},
		{"sha1", "2aae6c35c94fcfb415dbe95f408b9ce91ee846ed"},
		{"sha256", "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"},
	}
	for _, tt := range tests {
		got, err := Compute(path, tt.algorithm)
		if err != nil {
			t.Fatalf("Compute(%s): %v", tt.algorithm, err)
		}
		if got != tt.want {
			t.Errorf("Compute(%s) = %s, want %s", tt.algorithm, got, tt.want)
		}
	}
}

func TestComputeUnsupportedAlgorithm(t *testing.T) {
	path := writeTemp(t, "data")
	_, err := Compute(path, "blake3")
	if !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Errorf("expected ErrUnsupportedAlgorithm, got %v", err)
	}
}

func TestComputeMissingFile(t *testing.T) {
	_, err := Compute(filepath.Join(t.TempDir(), "absent"), "sha256")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestComputeAll(t *testing.T) {
	path := writeTemp(t, "hello world")

	d, err := ComputeAll(path)
	if err != nil {
		t.Fatal(err)
	}
	if d.MD5 != "5eb63bbbe01eeed093cb22bb8f5acdc3" {
		t.Errorf("md5 = %s", d.MD5)
	}
	if d.SHA1 != "2aae6c35c94fcfb415dbe95f408b9ce91ee846ed" {
		t.Errorf("sha1 = %s", d.SHA1)
	}
	if d.SHA256 != "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9" {
		t.Errorf("sha256 = %s", d.SHA256)
	}
	if d.Empty() {
		t.Error("Empty() = true for populated digests")
	}
}

func TestComputeAllEmptyFile(t *testing.T) {
	path := writeTemp(t, "")

	d, err := ComputeAll(path)
	if err != nil {
		t.Fatal(err)
	}
	if d.SHA256 != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Errorf("sha256 of empty file = %s", d.SHA256)
	}
}
