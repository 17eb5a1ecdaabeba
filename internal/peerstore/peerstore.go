// Package peerstore persists trusted peers and their session keys in
// SQLite. Session keys are encrypted at rest with a master key stored
// alongside the database with 0600 permissions.
package peerstore

import (
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/chacha20poly1305"
)

// DefaultDBFileName is the SQLite filename for peer storage.
const DefaultDBFileName = "zajel_peers.db"

var (
	// ErrPeerNotFound is returned when a peer is not in the store.
	ErrPeerNotFound = errors.New("peerstore: peer not found")

	// ErrKeyDecrypt is returned when a stored session key cannot be
	// decrypted, usually because the master key file was replaced.
	ErrKeyDecrypt = errors.New("peerstore: session key decryption failed")
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS peers (
  peer_id      TEXT PRIMARY KEY,
  display_name TEXT NOT NULL,
  public_key   TEXT NOT NULL,
  session_key  BLOB,
  trusted_at   TEXT,
  last_seen    TEXT,
  alias        TEXT,
  is_blocked   INTEGER DEFAULT 0
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_peers_public_key
ON peers (public_key, is_blocked);
`,
}

// Peer is a trusted peer stored locally.
type Peer struct {
	PeerID      string
	DisplayName string
	PublicKey   string
	SessionKey  []byte
	TrustedAt   time.Time
	LastSeen    time.Time
	Alias       string
	IsBlocked   bool
}

// Store wraps the SQLite connection and the master key used to protect
// session keys at rest.
type Store interface {
	SavePeer(p Peer) error
	Peer(peerID string) (Peer, error)
	Peers() ([]Peer, error)
	IsTrusted(peerID string) bool
	IsTrustedByPublicKey(publicKey string) bool
	RemovePeer(peerID string) error
	BlockPeer(peerID string) error
	UnblockPeer(peerID string) error
	SaveSessionKey(peerID string, sessionKey []byte) error
	SessionKey(peerID string) ([]byte, error)
	Close() error
}

type sqliteStore struct {
	db        *sql.DB
	masterKey []byte
	closeOnce sync.Once
}

// Open opens (or creates) the peer database at dbPath and runs schema
// migrations. The master key lives at dbPath + ".key".
func Open(dbPath string) (Store, error) {
	dbExisted := false
	if _, err := os.Stat(dbPath); err == nil {
		dbExisted = true
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("peerstore: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("peerstore: ping database: %w", err)
	}
	if !dbExisted {
		_ = os.Chmod(dbPath, 0o600)
	}

	s := &sqliteStore{db: db}
	if err := s.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if s.masterKey, err = loadOrCreateMasterKey(dbPath + ".key"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("peerstore: read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("peerstore: begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("peerstore: apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("peerstore: set schema version %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("peerstore: commit migration transaction: %w", err)
	}
	return nil
}

func loadOrCreateMasterKey(keyPath string) ([]byte, error) {
	if key, err := os.ReadFile(keyPath); err == nil {
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("peerstore: master key at %s has wrong size %d", keyPath, len(key))
		}
		return key, nil
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("peerstore: generate master key: %w", err)
	}
	f, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("peerstore: create master key file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(key); err != nil {
		return nil, fmt.Errorf("peerstore: write master key: %w", err)
	}
	return key, nil
}

func (s *sqliteStore) SavePeer(p Peer) error {
	var sessionKey []byte
	if p.SessionKey != nil {
		encrypted, err := s.encryptKey(p.SessionKey)
		if err != nil {
			return err
		}
		sessionKey = encrypted
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO peers
		 (peer_id, display_name, public_key, session_key, trusted_at, last_seen, alias, is_blocked)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.PeerID, p.DisplayName, p.PublicKey, sessionKey,
		timeOrNull(p.TrustedAt), timeOrNull(p.LastSeen),
		nullIfEmpty(p.Alias), boolToInt(p.IsBlocked),
	)
	if err != nil {
		return fmt.Errorf("peerstore: save peer %s: %w", p.PeerID, err)
	}
	return nil
}

func (s *sqliteStore) Peer(peerID string) (Peer, error) {
	row := s.db.QueryRow(
		`SELECT peer_id, display_name, public_key, session_key, trusted_at, last_seen, alias, is_blocked
		 FROM peers WHERE peer_id = ?`, peerID)
	return s.scanPeer(row)
}

func (s *sqliteStore) Peers() ([]Peer, error) {
	rows, err := s.db.Query(
		`SELECT peer_id, display_name, public_key, session_key, trusted_at, last_seen, alias, is_blocked
		 FROM peers WHERE is_blocked = 0`)
	if err != nil {
		return nil, fmt.Errorf("peerstore: list peers: %w", err)
	}
	defer rows.Close()

	var peers []Peer
	for rows.Next() {
		p, err := s.scanPeer(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

func (s *sqliteStore) IsTrusted(peerID string) bool {
	var one int
	err := s.db.QueryRow(
		"SELECT 1 FROM peers WHERE peer_id = ? AND is_blocked = 0", peerID,
	).Scan(&one)
	return err == nil
}

func (s *sqliteStore) IsTrustedByPublicKey(publicKey string) bool {
	var one int
	err := s.db.QueryRow(
		"SELECT 1 FROM peers WHERE public_key = ? AND is_blocked = 0", publicKey,
	).Scan(&one)
	return err == nil
}

func (s *sqliteStore) RemovePeer(peerID string) error {
	if _, err := s.db.Exec("DELETE FROM peers WHERE peer_id = ?", peerID); err != nil {
		return fmt.Errorf("peerstore: remove peer %s: %w", peerID, err)
	}
	return nil
}

func (s *sqliteStore) BlockPeer(peerID string) error {
	return s.setBlocked(peerID, 1)
}

func (s *sqliteStore) UnblockPeer(peerID string) error {
	return s.setBlocked(peerID, 0)
}

func (s *sqliteStore) setBlocked(peerID string, blocked int) error {
	res, err := s.db.Exec("UPDATE peers SET is_blocked = ? WHERE peer_id = ?", blocked, peerID)
	if err != nil {
		return fmt.Errorf("peerstore: update block state for %s: %w", peerID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}
	return nil
}

func (s *sqliteStore) SaveSessionKey(peerID string, sessionKey []byte) error {
	encrypted, err := s.encryptKey(sessionKey)
	if err != nil {
		return err
	}
	res, err := s.db.Exec("UPDATE peers SET session_key = ? WHERE peer_id = ?", encrypted, peerID)
	if err != nil {
		return fmt.Errorf("peerstore: save session key for %s: %w", peerID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}
	return nil
}

func (s *sqliteStore) SessionKey(peerID string) ([]byte, error) {
	var encrypted []byte
	err := s.db.QueryRow("SELECT session_key FROM peers WHERE peer_id = ?", peerID).Scan(&encrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}
	if err != nil {
		return nil, fmt.Errorf("peerstore: load session key for %s: %w", peerID, err)
	}
	if encrypted == nil {
		return nil, nil
	}
	return s.decryptKey(encrypted)
}

func (s *sqliteStore) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		for i := range s.masterKey {
			s.masterKey[i] = 0
		}
		closeErr = s.db.Close()
	})
	return closeErr
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *sqliteStore) scanPeer(row rowScanner) (Peer, error) {
	var (
		p          Peer
		sessionKey []byte
		trustedAt  sql.NullString
		lastSeen   sql.NullString
		alias      sql.NullString
		blocked    int
	)
	err := row.Scan(&p.PeerID, &p.DisplayName, &p.PublicKey, &sessionKey, &trustedAt, &lastSeen, &alias, &blocked)
	if errors.Is(err, sql.ErrNoRows) {
		return Peer{}, ErrPeerNotFound
	}
	if err != nil {
		return Peer{}, fmt.Errorf("peerstore: scan peer: %w", err)
	}
	if sessionKey != nil {
		if p.SessionKey, err = s.decryptKey(sessionKey); err != nil {
			return Peer{}, err
		}
	}
	if trustedAt.Valid {
		if p.TrustedAt, err = time.Parse(time.RFC3339Nano, trustedAt.String); err != nil {
			return Peer{}, fmt.Errorf("peerstore: parse trusted_at: %w", err)
		}
	}
	if lastSeen.Valid {
		if p.LastSeen, err = time.Parse(time.RFC3339Nano, lastSeen.String); err != nil {
			return Peer{}, fmt.Errorf("peerstore: parse last_seen: %w", err)
		}
	}
	p.Alias = alias.String
	p.IsBlocked = blocked != 0
	return p, nil
}

// encryptKey seals a session key with the master key.
// Layout: nonce (12) || ciphertext || MAC (16).
func (s *sqliteStore) encryptKey(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s.masterKey)
	if err != nil {
		return nil, fmt.Errorf("peerstore: create cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("peerstore: generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *sqliteStore) decryptKey(data []byte) ([]byte, error) {
	if len(data) < chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, ErrKeyDecrypt
	}
	aead, err := chacha20poly1305.New(s.masterKey)
	if err != nil {
		return nil, fmt.Errorf("peerstore: create cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, data[:chacha20poly1305.NonceSize], data[chacha20poly1305.NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDecrypt, err)
	}
	return plaintext, nil
}

func timeOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
