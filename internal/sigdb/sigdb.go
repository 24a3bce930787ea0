// Package sigdb provides query access to the malware-hash signature
// tables and the whitelist. Lookup statements are prepared once and
// retained for the life of the store.
package sigdb

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Store wraps the catalog connection with prepared signature queries.
type Store struct {
	db *sql.DB

	lookupMD5    *sql.Stmt
	lookupSHA1   *sql.Stmt
	lookupSHA256 *sql.Stmt
	whitelist    *sql.Stmt
}

// New prepares the signature and whitelist queries against db. The
// caller retains ownership of db; Close releases only the statements.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}

	var err error
	if s.lookupMD5, err = db.Prepare(`SELECT malware_name FROM sig_md5 WHERE hash = ? LIMIT 1`); err != nil {
		return nil, fmt.Errorf("preparing md5 lookup: %w", err)
	}
	if s.lookupSHA1, err = db.Prepare(`SELECT malware_name FROM sig_sha1 WHERE hash = ? LIMIT 1`); err != nil {
		s.Close()
		return nil, fmt.Errorf("preparing sha1 lookup: %w", err)
	}
	if s.lookupSHA256, err = db.Prepare(`SELECT malware_name FROM sig_sha256 WHERE hash = ? LIMIT 1`); err != nil {
		s.Close()
		return nil, fmt.Errorf("preparing sha256 lookup: %w", err)
	}
	if s.whitelist, err = db.Prepare(`SELECT 1 FROM whitelist WHERE hash = ? AND hash_type = ? LIMIT 1`); err != nil {
		s.Close()
		return nil, fmt.Errorf("preparing whitelist lookup: %w", err)
	}
	return s, nil
}

// Lookup queries the signature table for the given algorithm. The
// algorithm token is normalized to lowercase before dispatch.
func (s *Store) Lookup(hash, algorithm string) (malwareName string, found bool, err error) {
	var stmt *sql.Stmt
	switch strings.ToLower(algorithm) {
	case "md5":
		stmt = s.lookupMD5
	case "sha1":
		stmt = s.lookupSHA1
	case "sha256":
		stmt = s.lookupSHA256
	default:
		return "", false, fmt.Errorf("unknown signature algorithm %q", algorithm)
	}

	err = stmt.QueryRow(strings.ToLower(hash)).Scan(&malwareName)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("querying sig_%s: %w", strings.ToLower(algorithm), err)
	}
	return malwareName, true, nil
}

// WhitelistContains reports whether (hash, hashType) is whitelisted.
// Tokens are normalized to lowercase on read.
func (s *Store) WhitelistContains(hash, hashType string) (bool, error) {
	var one int
	err := s.whitelist.QueryRow(strings.ToLower(hash), strings.ToLower(hashType)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying whitelist: %w", err)
	}
	return true, nil
}

// AddWhitelist inserts or replaces a whitelist entry. Insertion is
// idempotent on (hash, hash_type).
func (s *Store) AddWhitelist(hash, hashType, note string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO whitelist (hash, hash_type, note) VALUES (?, ?, ?)`,
		strings.ToLower(hash), strings.ToLower(hashType), note)
	if err != nil {
		return fmt.Errorf("inserting whitelist entry: %w", err)
	}
	return nil
}

// Close finalizes the prepared statements. The underlying database
// connection is left open for the owner to close.
func (s *Store) Close() {
	for _, stmt := range []*sql.Stmt{s.lookupMD5, s.lookupSHA1, s.lookupSHA256, s.whitelist} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	s.lookupMD5, s.lookupSHA1, s.lookupSHA256, s.whitelist = nil, nil, nil, nil
}
