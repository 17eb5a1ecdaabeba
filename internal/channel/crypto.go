package channel

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	nonceSize = chacha20poly1305.NonceSize
	tagSize   = chacha20poly1305.Overhead

	contentKeyInfoPrefix = "zajel_channel_content_epoch_"
	routingEpochPrefix   = "epoch:hourly:"
)

// GenerateSigningKeypair creates an Ed25519 keypair for manifests and
// chunks. Returns (publicKeyB64, privateSeedB64).
func GenerateSigningKeypair() (string, string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("channel: generate signing key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(pub),
		base64.StdEncoding.EncodeToString(priv.Seed()), nil
}

// GenerateEncryptionKeypair creates an X25519 keypair for content
// encryption. Returns (publicKeyB64, privateKeyB64).
func GenerateEncryptionKeypair() (string, string, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("channel: generate encryption key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(priv.PublicKey().Bytes()),
		base64.StdEncoding.EncodeToString(priv.Bytes()), nil
}

// DeriveChannelID derives a channel ID from the owner's Ed25519 public
// key: SHA-256 truncated to 16 bytes, hex-encoded.
func DeriveChannelID(ownerPublicKeyB64 string) (string, error) {
	pub, err := base64.StdEncoding.DecodeString(ownerPublicKeyB64)
	if err != nil {
		return "", fmt.Errorf("channel: decode owner key: %w", err)
	}
	digest := sha256.Sum256(pub)
	return hex.EncodeToString(digest[:16]), nil
}

func signingKeyFromSeed(privateSeedB64 string) (ed25519.PrivateKey, error) {
	seed, err := base64.StdEncoding.DecodeString(privateSeedB64)
	if err != nil {
		return nil, fmt.Errorf("channel: decode signing seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("channel: signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// SignManifest populates the manifest signature using the owner's
// Ed25519 private seed.
func SignManifest(m *Manifest, privateSeedB64 string) error {
	key, err := signingKeyFromSeed(privateSeedB64)
	if err != nil {
		return err
	}
	signable, err := m.SignableJSON()
	if err != nil {
		return err
	}
	m.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(key, signable))
	return nil
}

// VerifyManifest checks the manifest's Ed25519 signature against its
// owner key.
func VerifyManifest(m *Manifest) bool {
	sig, err := base64.StdEncoding.DecodeString(m.Signature)
	if err != nil || len(sig) == 0 {
		return false
	}
	pub, err := base64.StdEncoding.DecodeString(m.OwnerKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	signable, err := m.SignableJSON()
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), signable, sig)
}

// SignChunkPayload signs an encrypted chunk payload, returning the
// base64 signature.
func SignChunkPayload(encryptedPayload []byte, privateSeedB64 string) (string, error) {
	key, err := signingKeyFromSeed(privateSeedB64)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(key, encryptedPayload)), nil
}

// VerifyChunkSignature checks a chunk's Ed25519 signature over its
// encrypted payload.
func VerifyChunkSignature(c *Chunk) bool {
	sig, err := base64.StdEncoding.DecodeString(c.Signature)
	if err != nil || len(sig) == 0 {
		return false
	}
	pub, err := base64.StdEncoding.DecodeString(c.AuthorPubkey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), c.EncryptedPayload, sig)
}

// deriveContentKey derives the symmetric content key for an epoch via
// HKDF-SHA256 over the channel's X25519 private key.
func deriveContentKey(encryptionPrivateKeyB64 string, keyEpoch int) ([]byte, error) {
	ikm, err := base64.StdEncoding.DecodeString(encryptionPrivateKeyB64)
	if err != nil {
		return nil, fmt.Errorf("channel: decode encryption key: %w", err)
	}
	info := fmt.Sprintf("%s%d", contentKeyInfoPrefix, keyEpoch)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("channel: derive content key: %w", err)
	}
	return key, nil
}

// EncryptPayload seals a chunk payload with the epoch content key.
// Output layout: nonce (12) || ciphertext || MAC (16).
func EncryptPayload(p *Payload, encryptionPrivateKeyB64 string, keyEpoch int) ([]byte, error) {
	key, err := deriveContentKey(encryptionPrivateKeyB64, keyEpoch)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("channel: create cipher: %w", err)
	}
	plaintext, err := p.Bytes()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("channel: generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptPayload opens a chunk payload with the epoch content key.
func DecryptPayload(encrypted []byte, encryptionPrivateKeyB64 string, keyEpoch int) (*Payload, error) {
	if len(encrypted) < nonceSize+tagSize {
		return nil, ErrPayloadTooSmall
	}
	key, err := deriveContentKey(encryptionPrivateKeyB64, keyEpoch)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("channel: create cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, encrypted[:nonceSize], encrypted[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("channel: decrypt payload: %w", err)
	}
	return PayloadFromBytes(plaintext)
}

// CreateChunks encrypts a payload, splits the ciphertext at the channel's
// max upstream size, and signs every piece.
func CreateChunks(p *Payload, ch *Owned, sequence int, routingHash string) ([]*Chunk, error) {
	encrypted, err := EncryptPayload(p, ch.EncryptionKeyPrivate, ch.Manifest.KeyEpoch)
	if err != nil {
		return nil, err
	}

	chunkSize := ch.Manifest.Rules.MaxUpstreamSize
	if chunkSize <= 0 {
		chunkSize = DefaultMaxUpstreamSize
	}
	totalChunks := (len(encrypted) + chunkSize - 1) / chunkSize
	if totalChunks < 1 {
		totalChunks = 1
	}

	chunks := make([]*Chunk, 0, totalChunks)
	for i := 0; i < totalChunks; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(encrypted) {
			end = len(encrypted)
		}
		data := encrypted[start:end]

		sig, err := SignChunkPayload(data, ch.SigningKeyPrivate)
		if err != nil {
			return nil, err
		}
		shortID := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
		chunks = append(chunks, &Chunk{
			ChunkID:          fmt.Sprintf("ch_%s_%03d", shortID, i),
			RoutingHash:      routingHash,
			Sequence:         sequence,
			ChunkIndex:       i,
			TotalChunks:      totalChunks,
			Size:             len(data),
			Signature:        sig,
			AuthorPubkey:     ch.Manifest.OwnerKey,
			EncryptedPayload: data,
		})
	}
	return chunks, nil
}

// DeriveRoutingHash computes the relay routing hash for the current
// hourly epoch: HMAC-SHA256(secret, "epoch:hourly:<unixms/3600000>")
// truncated to 16 bytes, hex-encoded.
func DeriveRoutingHash(channelSecretB64 string) (string, error) {
	return DeriveRoutingHashAt(channelSecretB64, time.Now())
}

// DeriveRoutingHashAt computes the routing hash for a specific time.
func DeriveRoutingHashAt(channelSecretB64 string, at time.Time) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(channelSecretB64)
	if err != nil {
		return "", fmt.Errorf("channel: decode channel secret: %w", err)
	}
	hourlyEpoch := at.UnixMilli() / 3_600_000
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s%d", routingEpochPrefix, hourlyEpoch)
	return hex.EncodeToString(mac.Sum(nil)[:16]), nil
}
