// Package quarantine isolates detected files in a size-bounded
// repository under a reversible XOR obfuscation, tracks them in the
// catalog, and supports restoration with whitelist-on-restore.
package quarantine

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/aegis-av/aegis/internal/database"
	"github.com/aegis-av/aegis/internal/digest"
	"github.com/aegis-av/aegis/internal/event"
	"github.com/aegis-av/aegis/internal/filesystem"
	"github.com/aegis-av/aegis/internal/sigdb"
)

// Repository defaults; db_info values override them.
const (
	DefaultFolderLimitBytes = 500 * 1024 * 1024
	DefaultSafeFreeBytes    = 100 * 1024 * 1024
)

// db_info keys consulted by the manager.
const (
	keyFolderPath  = "quarantine_folder_path"
	keyFolderLimit = "quarantine_folder_limit_bytes"
	keySafeFree    = "quarantine_safe_free_bytes"
	keyTotalSize   = "quarantine_total_size"
)

// Manager moves files in and out of the quarantine repository. All
// operations serialize on a single mutex; status strings use stable
// prefixes parsed by callers.
type Manager struct {
	db     *sql.DB
	store  *sigdb.Store
	folder string
	logger *slog.Logger
	bus    *event.Bus

	mu sync.Mutex

	// freeSpace is swappable so tests can simulate a full volume.
	freeSpace func(path string) (uint64, error)
}

// NewManager creates a quarantine manager over the catalog connection,
// the whitelist store, and the repository folder. bus may be nil.
func NewManager(db *sql.DB, store *sigdb.Store, folder string, logger *slog.Logger, bus *event.Bus) *Manager {
	return &Manager{
		db:     db,
		store:  store,
		folder: folder,
		logger: logger.With("component", "quarantine"),
		bus:    bus,
		freeSpace: func(path string) (uint64, error) {
			usage, err := disk.Usage(path)
			if err != nil {
				return 0, err
			}
			return usage.Free, nil
		},
	}
}

// Quarantine moves the file at path into the repository. The returned
// status string begins with QUARANTINED:, PRUNED_AND_QUARANTINED:,
// EMERGENCY_DELETED:, or ERROR:.
func (m *Manager) Quarantine(path string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	folder, limit, safeFree := m.loadConfig()

	if err := os.MkdirAll(folder, 0o750); err != nil {
		return fmt.Sprintf("ERROR: Failed to create quarantine folder: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Sprintf("ERROR: File not found: %s", path)
	}
	size := uint64(info.Size())

	freeBytes, probeErr := m.volumeFree(folder)
	if probeErr != nil {
		m.logger.Warn("free-space probe failed", "folder", folder, "error", probeErr)
	}

	// Emergency branch: the volume is nearly full, so the sample is
	// destroyed instead of stored. The catalog is not touched.
	if probeErr == nil && freeBytes < safeFree {
		if err := os.Remove(path); err != nil {
			return fmt.Sprintf("ERROR: failed to delete file in emergency: %v", err)
		}
		m.logger.Warn("emergency delete", "path", path, "free_bytes", freeBytes, "threshold", safeFree)
		return fmt.Sprintf("EMERGENCY_DELETED: free_bytes=%d, threshold=%d, path=%s", freeBytes, safeFree, path)
	}

	currentTotal := m.currentTotal(folder)

	var freed uint64
	pruned := false
	if currentTotal+size > limit {
		needed := currentTotal + size - limit
		var details string
		freed, details, err = m.pruneIfNeeded(needed)
		if err != nil {
			return fmt.Sprintf("ERROR: Unable to make room in quarantine: %v", err)
		}
		pruned = true
		m.logger.Info("pruned quarantine", "needed", needed, "freed", freed, "details", details)
		if m.bus != nil {
			m.bus.Publish(event.Event{
				Type: event.QuarantinePruned,
				Data: map[string]any{"freed": freed, "details": details},
			})
		}
	}

	storedName := makeStoredName(path)
	dest := filepath.Join(folder, storedName)

	written, err := m.transformToFile(path, dest)
	if err != nil {
		return fmt.Sprintf("ERROR: Failed to move file to quarantine: %v", err)
	}

	storedHash, err := digest.Compute(dest, "sha256")
	if err != nil {
		m.logger.Warn("hashing stored file failed", "path", dest, "error", err)
		storedHash = ""
	}

	if err := m.insertRecord(path, storedName, folder, written, storedHash); err != nil {
		// No orphans: the stored file is useless without its row.
		_ = os.Remove(dest)
		return fmt.Sprintf("ERROR: Failed to record quarantine in DB: %v", err)
	}

	if err := os.Remove(path); err != nil {
		m.logger.Warn("removing original after quarantine", "path", path, "error", err)
	}

	m.logger.Info("file quarantined", "original", path, "stored_as", dest, "bytes", written)
	if m.bus != nil {
		m.bus.Publish(event.Event{
			Type: event.QuarantineStored,
			Data: map[string]any{"original": path, "stored_as": dest},
		})
	}

	if pruned {
		return fmt.Sprintf("PRUNED_AND_QUARANTINED: freed=%d bytes; stored_as=%s", freed, dest)
	}
	return fmt.Sprintf("QUARANTINED: stored_as=%s", dest)
}

// Whitelist hashes the file and records it as known-good. The status
// string begins with WHITELISTED: or ERROR:.
func (m *Manager) Whitelist(path string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(path); err != nil {
		return fmt.Sprintf("ERROR: File not found: %s", path)
	}
	hash, err := digest.Compute(path, "sha256")
	if err != nil {
		return fmt.Sprintf("ERROR: Hash computation failed: %v", err)
	}
	if err := m.store.AddWhitelist(hash, "sha256", path); err != nil {
		return fmt.Sprintf("ERROR: Failed to insert whitelist: %v", err)
	}
	return fmt.Sprintf("WHITELISTED: sha256=%s", hash)
}

// Restore reverses the obfuscation of a stored file back to its
// original path and whitelists the restored content. The argument is
// either the stored filename or the full stored path. The status string
// begins with RESTORED: or ERROR:.
func (m *Manager) Restore(storedNameOrPath string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	searchName := filepath.Base(storedNameOrPath)
	var (
		id           int64
		storedPath   string
		storedName   string
		originalPath string
		storedSize   uint64
	)
	err := m.db.QueryRow(`
		SELECT id, stored_path, stored_filename, original_path, stored_size
		FROM quarantine_files
		WHERE stored_filename = ? OR (stored_path || '/' || stored_filename) = ?
		LIMIT 1`, searchName, storedNameOrPath).
		Scan(&id, &storedPath, &storedName, &originalPath, &storedSize)
	if err != nil {
		return fmt.Sprintf("ERROR: Quarantined file not found: %s", storedNameOrPath)
	}

	src := filepath.Join(storedPath, storedName)
	f, err := os.Open(src) //nolint:gosec // G304: path comes from the catalog
	if err != nil {
		return fmt.Sprintf("ERROR: Quarantined file missing on disk: %s", src)
	}

	if _, err := filesystem.WriteReaderAtomic(originalPath, newXORReader(f), 0o644); err != nil {
		_ = f.Close()
		return fmt.Sprintf("ERROR: Failed to decode and restore file: %v", err)
	}
	_ = f.Close()

	hash, err := digest.Compute(originalPath, "sha256")
	if err != nil {
		m.logger.Warn("hashing restored file failed", "path", originalPath, "error", err)
		hash = ""
	} else if err := m.store.AddWhitelist(hash, "sha256", originalPath); err != nil {
		m.logger.Warn("whitelisting restored file failed", "path", originalPath, "error", err)
	}

	now := time.Now().UTC().Format("2006-01-02 15:04:05")
	if err := m.markRestored(id, originalPath, now, storedSize); err != nil {
		m.logger.Warn("marking record restored failed", "id", id, "error", err)
	}

	msg := fmt.Sprintf("RESTORED: %s", originalPath)
	if hash != "" {
		msg += fmt.Sprintf(" sha256=%s", hash)
	}

	if err := os.Remove(src); err != nil {
		msg += fmt.Sprintf(" WARNING: Failed to remove quarantined file: %v", err)
	}

	m.logger.Info("file restored", "stored", src, "destination", originalPath)
	if m.bus != nil {
		m.bus.Publish(event.Event{
			Type: event.QuarantineRestored,
			Data: map[string]any{"stored": src, "destination": originalPath},
		})
	}
	return msg
}

// loadConfig reads the repository folder and size limits from db_info,
// falling back to the constructor folder and compiled defaults.
func (m *Manager) loadConfig() (folder string, limit, safeFree uint64) {
	folder = m.folder
	if v := database.GetInfo(m.db, keyFolderPath, ""); v != "" {
		folder = v
		m.folder = v
	}
	limit = parseBytes(database.GetInfo(m.db, keyFolderLimit, ""), DefaultFolderLimitBytes)
	safeFree = parseBytes(database.GetInfo(m.db, keySafeFree, ""), DefaultSafeFreeBytes)
	return folder, limit, safeFree
}

func parseBytes(s string, fallback uint64) uint64 {
	if s == "" {
		return fallback
	}
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

// volumeFree probes free bytes on the volume holding folder, walking up
// to the deepest existing ancestor when the folder itself is new.
func (m *Manager) volumeFree(folder string) (uint64, error) {
	probe := folder
	for {
		if _, err := os.Stat(probe); err == nil {
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}
	return m.freeSpace(probe)
}

// currentTotal returns the bytes currently stored, preferring the
// db_info counter and falling back to a directory scan.
func (m *Manager) currentTotal(folder string) uint64 {
	if v := database.GetInfo(m.db, keyTotalSize, ""); v != "" {
		if n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64); err == nil {
			return n
		}
	}
	var total uint64
	entries, err := os.ReadDir(folder)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		if info, err := e.Info(); err == nil && info.Mode().IsRegular() {
			total += uint64(info.Size())
		}
	}
	return total
}

// pruneIfNeeded evicts the oldest stored records until at least needed
// bytes are reclaimable, then removes their files and rows. Individual
// failures are reported in the details string but do not abort the
// prune.
func (m *Manager) pruneIfNeeded(needed uint64) (freed uint64, details string, err error) {
	rows, err := m.db.Query(`
		SELECT id, stored_filename, stored_path, stored_size
		FROM quarantine_files
		WHERE deleted = 0 AND restored = 0
		ORDER BY quarantined_at ASC`)
	if err != nil {
		return 0, "", fmt.Errorf("selecting prune candidates: %w", err)
	}

	type candidate struct {
		id   int64
		name string
		dir  string
		size uint64
	}
	var candidates []candidate
	var reclaimable uint64
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.name, &c.dir, &c.size); err != nil {
			_ = rows.Close()
			return 0, "", fmt.Errorf("scanning prune candidate: %w", err)
		}
		candidates = append(candidates, c)
		reclaimable += c.size
		if reclaimable >= needed {
			break
		}
	}
	_ = rows.Close()

	if reclaimable < needed {
		return 0, "", fmt.Errorf("not enough reclaimable space in quarantine: need %d, have %d", needed, reclaimable)
	}

	var sb strings.Builder
	for _, c := range candidates {
		stored := filepath.Join(c.dir, c.name)
		if err := os.Remove(stored); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(&sb, "Failed to remove stored file for id %d: %v; ", c.id, err)
		}
		if err := m.deleteRecord(c.id, c.size); err != nil {
			fmt.Fprintf(&sb, "Failed to remove record id %d: %v; ", c.id, err)
			continue
		}
		freed += c.size
	}
	if sb.Len() == 0 {
		fmt.Fprintf(&sb, "Pruned quarantine, freed_bytes=%d", freed)
	}
	return freed, sb.String(), nil
}

// insertRecord adds the catalog row and bumps the authoritative size
// counter in the same transaction.
func (m *Manager) insertRecord(originalPath, storedName, folder string, storedSize int64, storedHash string) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		INSERT INTO quarantine_files
			(original_path, stored_filename, stored_path, stored_size, quarantined_at, original_hash, hash_type, deleted)
		VALUES (?, ?, ?, ?, datetime('now'), ?, 'sha256', 0)`,
		originalPath, storedName, folder, storedSize, storedHash)
	if err != nil {
		return fmt.Errorf("inserting quarantine record: %w", err)
	}

	if err := m.adjustTotal(tx, storedSize); err != nil {
		return err
	}
	return tx.Commit()
}

// deleteRecord removes a catalog row and decrements the size counter in
// the same transaction.
func (m *Manager) deleteRecord(id int64, size uint64) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM quarantine_files WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting quarantine record: %w", err)
	}
	if err := m.adjustTotal(tx, -int64(size)); err != nil {
		return err
	}
	return tx.Commit()
}

// markRestored flips the record's restored flags and releases its bytes
// from the size counter.
func (m *Manager) markRestored(id int64, dest, when string, size uint64) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`UPDATE quarantine_files SET restored = 1, restored_at = ?, restored_path = ? WHERE id = ?`,
		when, dest, id)
	if err != nil {
		return fmt.Errorf("updating quarantine record: %w", err)
	}
	if err := m.adjustTotal(tx, -int64(size)); err != nil {
		return err
	}
	return tx.Commit()
}

// adjustTotal applies a delta to the quarantine_total_size counter,
// clamping at zero.
func (m *Manager) adjustTotal(tx *sql.Tx, delta int64) error {
	var current int64
	err := tx.QueryRow(`SELECT value FROM db_info WHERE key = ?`, keyTotalSize).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("reading size counter: %w", err)
	}
	current += delta
	if current < 0 {
		current = 0
	}
	_, err = tx.Exec(`INSERT INTO db_info (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		keyTotalSize, strconv.FormatInt(current, 10))
	if err != nil {
		return fmt.Errorf("updating size counter: %w", err)
	}
	return nil
}

// transformToFile streams src through the XOR transform into dest and
// returns the number of bytes written.
func (m *Manager) transformToFile(src, dest string) (int64, error) {
	in, err := os.Open(src) //nolint:gosec // G304: src was just detected by the scanner
	if err != nil {
		return 0, fmt.Errorf("opening source: %w", err)
	}
	defer in.Close() //nolint:errcheck

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600) //nolint:gosec // G304: dest is inside the repository
	if err != nil {
		return 0, fmt.Errorf("creating stored file: %w", err)
	}

	n, err := io.Copy(out, newXORReader(in))
	if err != nil {
		_ = out.Close()
		_ = os.Remove(dest)
		return n, fmt.Errorf("transforming file: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dest)
		return n, fmt.Errorf("closing stored file: %w", err)
	}
	return n, nil
}

// makeStoredName builds a unique repository filename from the epoch
// milliseconds, a random hex token, and the original base name, with
// path separators and colons flattened to underscores.
func makeStoredName(originalPath string) string {
	var token [8]byte
	_, _ = rand.Read(token[:])
	name := fmt.Sprintf("%d_%s_%s",
		time.Now().UnixMilli(),
		hex.EncodeToString(token[:]),
		filepath.Base(originalPath))
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_")
	return replacer.Replace(name)
}
