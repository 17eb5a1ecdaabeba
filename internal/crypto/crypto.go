// Package crypto implements the cryptographic core of the Zajel protocol:
// X25519 key exchange, per-peer session key derivation, and
// ChaCha20-Poly1305 message encryption.
//
// All wire formats match the Dart and TypeScript Zajel clients so that
// ciphertext produced here decrypts on any of them and vice versa.
package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Cryptographic constants shared with the other Zajel clients.
const (
	// NonceSize is the ChaCha20-Poly1305 nonce length in bytes.
	NonceSize = 12

	// TagSize is the Poly1305 authentication tag length in bytes.
	TagSize = 16

	// SessionKeyLength is the length of a derived session key in bytes.
	SessionKeyLength = 32

	// SessionHKDFInfo is the HKDF info string for session key derivation.
	// All clients must use the same string for interop.
	SessionHKDFInfo = "zajel_session"

	// maxNonceHistory bounds the per-peer replay-detection window.
	maxNonceHistory = 10000
)

// Errors for crypto operations.
var (
	// ErrNotInitialized is returned when the service has no key pair yet.
	ErrNotInitialized = errors.New("crypto: service not initialized")

	// ErrAlreadyInitialized is returned when Initialize is called twice.
	// Re-generating the key pair would silently orphan every derived
	// session key, so this is treated as a programming error.
	ErrAlreadyInitialized = errors.New("crypto: service already initialized")

	// ErrNoSessionKey is returned when no session key exists for a peer.
	ErrNoSessionKey = errors.New("crypto: no session key for peer")

	// ErrDecryptionFailed is returned on AEAD authentication failure,
	// wrong key, or truncated input.
	ErrDecryptionFailed = errors.New("crypto: decryption failed")

	// ErrReplayDetected is returned when a nonce is seen twice from the
	// same peer.
	ErrReplayDetected = errors.New("crypto: replay detected")

	// ErrInvalidPublicKey is returned for malformed peer public keys.
	ErrInvalidPublicKey = errors.New("crypto: invalid public key")

	// ErrInvalidSessionKey is returned when a restored key has the wrong length.
	ErrInvalidSessionKey = errors.New("crypto: invalid session key length")
)

// Service manages the local X25519 identity and per-peer session keys.
//
// A Service is owned by a single client instance. Session keys are keyed
// by peer ID and zeroized when the peer is removed.
type Service struct {
	mu sync.Mutex

	privateKey     *ecdh.PrivateKey
	publicKeyBytes []byte

	sessionKeys    map[string][]byte // peerID -> 32-byte session key
	peerPublicKeys map[string][]byte // peerID -> raw public key

	// Replay protection: nonces seen per peer, evicted when the window
	// exceeds maxNonceHistory.
	seenNonces map[string]map[string]struct{}
}

// NewService creates an uninitialized Service. Call Initialize before use.
func NewService() *Service {
	return &Service{
		sessionKeys:    make(map[string][]byte),
		peerPublicKeys: make(map[string][]byte),
		seenNonces:     make(map[string]map[string]struct{}),
	}
}

// Initialize generates a new X25519 key pair.
// Returns ErrAlreadyInitialized if a key pair already exists.
func (s *Service) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.privateKey != nil {
		return ErrAlreadyInitialized
	}

	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate X25519 key pair: %w", err)
	}
	s.privateKey = priv
	s.publicKeyBytes = priv.PublicKey().Bytes()

	slog.Debug("crypto initialized", "fingerprint", Fingerprint(s.publicKeyBytes))
	return nil
}

// PublicKeyBytes returns the local public key as raw bytes.
func (s *Service) PublicKeyBytes() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publicKeyBytes == nil {
		return nil, ErrNotInitialized
	}
	out := make([]byte, len(s.publicKeyBytes))
	copy(out, s.publicKeyBytes)
	return out, nil
}

// PublicKeyBase64 returns the local public key base64-encoded.
func (s *Service) PublicKeyBase64() (string, error) {
	raw, err := s.PublicKeyBytes()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// StableID derives a stable device identity from the local public key:
// the first 16 characters of the uppercased SHA-256 hex digest. Matches
// the Flutter app's CryptoService.peerIdFromPublicKey.
func (s *Service) StableID() (string, error) {
	raw, err := s.PublicKeyBytes()
	if err != nil {
		return "", err
	}
	return stableIDFromBytes(raw), nil
}

// PeerIDFromPublicKey derives a stable ID from a peer's base64 public key.
func PeerIDFromPublicKey(publicKeyB64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return stableIDFromBytes(raw), nil
}

func stableIDFromBytes(pub []byte) string {
	digest := sha256.Sum256(pub)
	return strings.ToUpper(fmt.Sprintf("%x", digest))[:16]
}

// Fingerprint returns a short base58 fingerprint of a key, for logs and
// diagnostics only.
func Fingerprint(key []byte) string {
	digest := sha256.Sum256(key)
	return base58.Encode(digest[:8])
}

// PerformKeyExchange derives the session key for a peer via X25519 ECDH
// followed by HKDF-SHA256 (empty salt, info "zajel_session").
//
// The derivation is symmetric: both sides derive byte-identical keys.
// Any existing session state for the peer is replaced, so re-pairing
// with the same peer ID is idempotent.
//
// Returns the derived 32-byte session key.
func (s *Service) PerformKeyExchange(peerID, peerPublicKeyB64 string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.privateKey == nil {
		return nil, ErrNotInitialized
	}

	peerPubBytes, err := base64.StdEncoding.DecodeString(peerPublicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	peerPub, err := ecdh.X25519().NewPublicKey(peerPubBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	sharedSecret, err := s.privateKey.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("X25519 exchange: %w", err)
	}

	reader := hkdf.New(sha256.New, sharedSecret, nil, []byte(SessionHKDFInfo))
	sessionKey := make([]byte, SessionKeyLength)
	if _, err := io.ReadFull(reader, sessionKey); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	zeroFill(sharedSecret)

	// Replace, never accumulate: a second exchange for the same peer
	// resets the session and its replay window.
	if old, ok := s.sessionKeys[peerID]; ok {
		zeroFill(old)
	}
	s.sessionKeys[peerID] = sessionKey
	s.peerPublicKeys[peerID] = peerPubBytes
	s.seenNonces[peerID] = make(map[string]struct{})

	slog.Info("key exchange completed",
		"peer", peerID,
		"peerKey", Fingerprint(peerPubBytes),
		"sessionKey", Fingerprint(sessionKey))

	out := make([]byte, SessionKeyLength)
	copy(out, sessionKey)
	return out, nil
}

// Encrypt encrypts a message for a peer with ChaCha20-Poly1305.
// The result is base64(nonce || ciphertext || tag) with a fresh random
// 12-byte nonce per call.
func (s *Service) Encrypt(peerID, plaintext string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.sessionKeys[peerID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoSessionKey, peerID)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", fmt.Errorf("create AEAD: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt decrypts base64(nonce || ciphertext || tag) from a peer.
// Returns ErrDecryptionFailed on tag mismatch, wrong key, or truncated
// input, and ErrReplayDetected when the nonce was already seen.
func (s *Service) Decrypt(peerID, ciphertextB64 string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.sessionKeys[peerID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoSessionKey, peerID)
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64", ErrDecryptionFailed)
	}
	if len(raw) < NonceSize+TagSize {
		return "", fmt.Errorf("%w: input too short", ErrDecryptionFailed)
	}

	nonce := raw[:NonceSize]
	nonceKey := string(nonce)

	seen := s.seenNonces[peerID]
	if seen == nil {
		seen = make(map[string]struct{})
		s.seenNonces[peerID] = seen
	}
	if _, dup := seen[nonceKey]; dup {
		return "", fmt.Errorf("%w: duplicate nonce from %s", ErrReplayDetected, peerID)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", fmt.Errorf("create AEAD: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, raw[NonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	// Record the nonce only after successful authentication.
	seen[nonceKey] = struct{}{}
	if len(seen) > maxNonceHistory {
		evictHalf(seen)
	}

	return string(plaintext), nil
}

// evictHalf drops roughly half the entries of a nonce window.
func evictHalf(set map[string]struct{}) {
	target := len(set) / 2
	for k := range set {
		if len(set) <= target {
			break
		}
		delete(set, k)
	}
}

// HasSessionKey reports whether a session key exists for a peer.
func (s *Service) HasSessionKey(peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessionKeys[peerID]
	return ok
}

// SessionKey returns a copy of the session key for a peer, or nil.
func (s *Service) SessionKey(peerID string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.sessionKeys[peerID]
	if !ok {
		return nil
	}
	out := make([]byte, len(key))
	copy(out, key)
	return out
}

// SetSessionKey restores a previously persisted session key, replacing
// any existing key for the peer.
func (s *Service) SetSessionKey(peerID string, key []byte) error {
	if len(key) != SessionKeyLength {
		return ErrInvalidSessionKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.sessionKeys[peerID]; ok {
		zeroFill(old)
	}
	stored := make([]byte, SessionKeyLength)
	copy(stored, key)
	s.sessionKeys[peerID] = stored
	s.seenNonces[peerID] = make(map[string]struct{})
	return nil
}

// PeerPublicKey returns a copy of a peer's raw public key, or nil.
func (s *Service) PeerPublicKey(peerID string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	pub, ok := s.peerPublicKeys[peerID]
	if !ok {
		return nil
	}
	out := make([]byte, len(pub))
	copy(out, pub)
	return out
}

// RemovePeer deletes all key material for a peer, zeroizing the session key.
func (s *Service) RemovePeer(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.sessionKeys[peerID]; ok {
		zeroFill(key)
		delete(s.sessionKeys, peerID)
	}
	delete(s.peerPublicKeys, peerID)
	delete(s.seenNonces, peerID)
}

// ComputeSafetyNumber computes the shared 60-digit safety number for two
// public keys. Both peers obtain the same number because the keys are
// sorted lexicographically before hashing.
func ComputeSafetyNumber(publicKeyAB64, publicKeyBB64 string) (string, error) {
	a, err := base64.StdEncoding.DecodeString(publicKeyAB64)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	b, err := base64.StdEncoding.DecodeString(publicKeyBB64)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	var combined []byte
	if string(a) <= string(b) {
		combined = append(append(combined, a...), b...)
	} else {
		combined = append(append(combined, b...), a...)
	}
	digest := sha256.Sum256(combined)

	// Pairs of bytes map to 5-digit blocks (mod 100000).
	var out strings.Builder
	for i := 0; i+1 < 24; i += 2 {
		val := (int(digest[i])<<8 | int(digest[i+1])) % 100000
		fmt.Fprintf(&out, "%05d", val)
	}
	result := out.String()
	if len(result) > 60 {
		result = result[:60]
	}
	return result, nil
}

// zeroFill overwrites a byte slice with zeros so key material does not
// linger in memory.
func zeroFill(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
