// Package keyring provides the encrypted key-value store the orchestrator
// and the Tailscale backend persist their state in.
//
// Values live in a SQLite database and are sealed with XChaCha20-Poly1305.
// The data key is kept in the system keyring when available, falling back
// to a key derived from machine-specific data when not.
package keyring

import (
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	_ "modernc.org/sqlite"
	"tailscale.com/ipn"

	"github.com/chillshell/tsvpn/common"
)

const (
	// serviceName is the identifier used in the system keyring.
	serviceName = "tsvpn"
	// dataKeyUser is the keyring entry holding the store's data key.
	dataKeyUser = "state-data-key"
)

// Common errors returned by store operations.
var (
	ErrEmptyKey = errors.New("key cannot be empty")
	ErrClosed   = errors.New("store is closed")
)

const schema = `CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
)`

// Store is an encrypted key-value store. All methods are synchronous and
// safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	aead   cipher.AEAD
	closed bool
}

var (
	_ common.SecureStore = (*Store)(nil)
	_ ipn.StateStore     = (*Store)(nil)
)

// Open opens or creates the store at path, taking the data key from the
// system keyring.
func Open(path string) (*Store, error) {
	key, err := dataKey()
	if err != nil {
		return nil, err
	}
	return OpenWithKey(path, key)
}

// OpenWithKey opens or creates the store at path using a caller-supplied
// 32-byte data key.
func OpenWithKey(path string, key []byte) (*Store, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrEncryption, err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	if common.IsSymlink(path) {
		return nil, fmt.Errorf("security error: state database is a symlink")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	// A single connection serializes writers without SQLITE_BUSY retries.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize state database: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil && !os.IsNotExist(err) {
		common.LogWarn("keyring: cannot restrict permissions on %s: %v", path, err)
	}

	return &Store{db: db, aead: aead}, nil
}

// dataKey loads the data key from the system keyring, creating it on
// first use. If the keyring is unusable it derives a key instead.
func dataKey() ([]byte, error) {
	v, err := keyring.Get(serviceName, dataKeyUser)
	if err == nil {
		key, derr := base64.StdEncoding.DecodeString(v)
		if derr == nil && len(key) == chacha20poly1305.KeySize {
			return key, nil
		}
		common.LogWarn("keyring: stored data key is malformed, deriving fallback key")
		return fallbackKey(), nil
	}
	if !errors.Is(err, keyring.ErrNotFound) {
		common.LogWarn("keyring: system keyring unavailable (%v), using local key", err)
		return fallbackKey(), nil
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrEncryption, err)
	}
	if err := keyring.Set(serviceName, dataKeyUser, base64.StdEncoding.EncodeToString(key)); err != nil {
		common.LogWarn("keyring: cannot save data key (%v), using local key", err)
		return fallbackKey(), nil
	}
	return key, nil
}

// fallbackKey derives the data key from machine-specific data.
func fallbackKey() []byte {
	hostname, _ := os.Hostname()
	machineID := getMachineID()
	keyData := fmt.Sprintf("%s-%s-%s-%d", serviceName, hostname, machineID, os.Getuid())
	salt := []byte(serviceName + "-state-v1-" + machineID)
	return argon2.IDKey([]byte(keyData), salt, 1, 64*1024, 4, chacha20poly1305.KeySize)
}

func getMachineID() string {
	for _, p := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		data, err := os.ReadFile(p)
		if err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return "default-machine-id"
}

// seal encrypts value, binding it to key so sealed values cannot be
// swapped between rows.
func (s *Store) seal(key string, value []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(value)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrEncryption, err)
	}
	return s.aead.Seal(nonce, nonce, value, []byte(key)), nil
}

func (s *Store) open(key string, sealed []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", common.ErrDecryption)
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	out, err := s.aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrDecryption, err)
	}
	return out, nil
}

func (s *Store) putBytes(key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	sealed, err := s.seal(key, value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	_, err = s.db.Exec(`INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, sealed)
	if err != nil {
		return fmt.Errorf("failed to store %q: %w", key, err)
	}
	return nil
}

func (s *Store) getBytes(key string) ([]byte, bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, false, ErrClosed
	}
	var sealed []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&sealed)
	s.mu.Unlock()

	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %q: %w", key, err)
	}
	value, err := s.open(key, sealed)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Put stores value under key.
func (s *Store) Put(key, value string) error {
	return s.putBytes(key, []byte(value))
}

// Get returns the value stored under key. Values that fail to decrypt
// are reported as absent.
func (s *Store) Get(key string) (string, bool) {
	v, ok, err := s.getBytes(key)
	if err != nil {
		common.LogWarn("keyring: get %q: %v", key, err)
		return "", false
	}
	return string(v), ok
}

// ListKeys returns all stored keys in sorted order.
func (s *Store) ListKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	rows, err := s.db.Query(`SELECT key FROM kv ORDER BY key`)
	if err != nil {
		common.LogWarn("keyring: list keys: %v", err)
		return nil
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			common.LogWarn("keyring: list keys: %v", err)
			return keys
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		common.LogWarn("keyring: list keys: %v", err)
	}
	return keys
}

// Delete removes key.
func (s *Store) Delete(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

// ReadState implements ipn.StateStore.
func (s *Store) ReadState(id ipn.StateKey) ([]byte, error) {
	v, ok, err := s.getBytes(string(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ipn.ErrStateNotExist
	}
	return v, nil
}

// WriteState implements ipn.StateStore.
func (s *Store) WriteState(id ipn.StateKey, bs []byte) error {
	return s.putBytes(string(id), bs)
}

// All iterates over every readable entry.
func (s *Store) All() iter.Seq2[ipn.StateKey, []byte] {
	return func(yield func(ipn.StateKey, []byte) bool) {
		for _, k := range s.ListKeys() {
			v, ok, err := s.getBytes(k)
			if err != nil || !ok {
				continue
			}
			if !yield(ipn.StateKey(k), v) {
				return
			}
		}
	}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
