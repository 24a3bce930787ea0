// Package filesystem provides crash-safe file writes for restore
// operations, where a half-written file at the destination would be
// worse than no file at all.
package filesystem

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// WriteReaderAtomic streams r to the target path using the
// tmp/bak/rename pattern:
//
//  1. Stream r into <target>.tmp and fsync it
//  2. If <target> exists, rename it to <target>.bak
//  3. Rename <target>.tmp to <target>
//  4. Remove <target>.bak
//
// If rename fails (e.g. across mount points), it falls back to
// copy+delete. Returns the number of bytes written.
func WriteReaderAtomic(target string, r io.Reader, perm os.FileMode) (int64, error) {
	tmpPath := target + ".tmp"
	bakPath := target + ".bak"

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil { //nolint:gosec // G301: restore destinations mirror the original tree
		return 0, fmt.Errorf("creating parent directory: %w", err)
	}

	n, err := writeAndSync(tmpPath, r, perm)
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("writing temp file: %w", err)
	}

	if _, err := os.Stat(target); err == nil {
		if err := renameSafe(target, bakPath); err != nil {
			_ = os.Remove(tmpPath)
			return 0, fmt.Errorf("backing up existing file: %w", err)
		}
	}

	if err := renameSafe(tmpPath, target); err != nil {
		if _, bakErr := os.Stat(bakPath); bakErr == nil {
			_ = renameSafe(bakPath, target)
		}
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("renaming temp to target: %w", err)
	}

	_ = os.Remove(bakPath)
	return n, nil
}

func writeAndSync(path string, r io.Reader, perm os.FileMode) (int64, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm) //nolint:gosec // G304: path is derived from the target
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if err != nil {
		_ = f.Close()
		return n, err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return n, err
	}
	return n, f.Close()
}

// renameSafe attempts os.Rename first, then falls back to copy+delete
// for cross-device moves.
func renameSafe(oldPath, newPath string) error {
	err := os.Rename(oldPath, newPath)
	if err == nil {
		return nil
	}
	in, openErr := os.Open(oldPath) //nolint:gosec // G304: internal paths
	if openErr != nil {
		return fmt.Errorf("copy fallback: %w (rename error: %w)", openErr, err)
	}
	defer in.Close() //nolint:errcheck
	if _, copyErr := writeAndSync(newPath, in, 0o644); copyErr != nil {
		return fmt.Errorf("copy fallback: %w (rename error: %w)", copyErr, err)
	}
	_ = os.Remove(oldPath)
	return nil
}
