package group

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	nonceSize = chacha20poly1305.NonceSize
	tagSize   = chacha20poly1305.Overhead
)

// CryptoService holds sender keys for group messaging.
//
// Each member generates a symmetric sender key and distributes it to
// all other members over encrypted 1:1 channels. Messages are encrypted
// once with the author's key and broadcast to every connected member.
type CryptoService struct {
	mu sync.RWMutex

	// senderKeys maps group ID to device ID to key material.
	senderKeys map[string]map[string][]byte
}

// NewCryptoService returns an empty sender key store.
func NewCryptoService() *CryptoService {
	return &CryptoService{senderKeys: make(map[string]map[string][]byte)}
}

// GenerateSenderKey creates a new random sender key, base64-encoded.
func GenerateSenderKey() string {
	key := make([]byte, SenderKeySize)
	if _, err := rand.Read(key); err != nil {
		panic(fmt.Sprintf("group: rand.Read: %v", err))
	}
	return base64.StdEncoding.EncodeToString(key)
}

func decodeSenderKey(keyB64 string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSenderKey, err)
	}
	if len(key) != SenderKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSenderKey, SenderKeySize, len(key))
	}
	return key, nil
}

// SetSenderKey stores a sender key for a member in a group.
func (c *CryptoService) SetSenderKey(groupID, deviceID, senderKeyB64 string) error {
	key, err := decodeSenderKey(senderKeyB64)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.senderKeys[groupID] == nil {
		c.senderKeys[groupID] = make(map[string][]byte)
	}
	if old := c.senderKeys[groupID][deviceID]; old != nil {
		zeroFill(old)
	}
	c.senderKeys[groupID][deviceID] = key
	return nil
}

// HasSenderKey reports whether a key is held for the member.
func (c *CryptoService) HasSenderKey(groupID, deviceID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.senderKeys[groupID][deviceID]
	return ok
}

// SenderKey returns a copy of a member's sender key, or nil.
func (c *CryptoService) SenderKey(groupID, deviceID string) []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.senderKeys[groupID][deviceID]
	if !ok {
		return nil
	}
	out := make([]byte, len(key))
	copy(out, key)
	return out
}

// RemoveSenderKey deletes a member's key, zeroizing the material.
func (c *CryptoService) RemoveSenderKey(groupID, deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key, ok := c.senderKeys[groupID][deviceID]; ok {
		zeroFill(key)
		delete(c.senderKeys[groupID], deviceID)
	}
}

// ClearGroupKeys deletes every key for a group, zeroizing the material.
func (c *CryptoService) ClearGroupKeys(groupID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.senderKeys[groupID] {
		zeroFill(key)
	}
	delete(c.senderKeys, groupID)
}

// Encrypt seals plaintext with our own sender key.
// Output layout: nonce (12) || ciphertext || MAC (16).
func (c *CryptoService) Encrypt(plaintext []byte, groupID, selfDeviceID string) ([]byte, error) {
	key := c.SenderKey(groupID, selfDeviceID)
	if key == nil {
		return nil, fmt.Errorf("%w: %s in group %s", ErrNoSenderKey, selfDeviceID, groupID)
	}
	defer zeroFill(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("group: create cipher: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("group: generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a message with the author's sender key.
// Expects: nonce (12) || ciphertext || MAC (16).
func (c *CryptoService) Decrypt(encrypted []byte, groupID, authorDeviceID string) ([]byte, error) {
	if len(encrypted) < nonceSize+tagSize {
		return nil, ErrCiphertextTooSmall
	}
	key := c.SenderKey(groupID, authorDeviceID)
	if key == nil {
		return nil, fmt.Errorf("%w: %s in group %s", ErrNoSenderKey, authorDeviceID, groupID)
	}
	defer zeroFill(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("group: create cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, encrypted[:nonceSize], encrypted[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("group: decrypt from %s: %w", authorDeviceID, err)
	}
	return plaintext, nil
}

func zeroFill(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
