package channel

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const upstreamHKDFInfo = "zajel_upstream_message"

// UpstreamType classifies subscriber-to-owner messages.
type UpstreamType string

const (
	UpstreamReply    UpstreamType = "reply"
	UpstreamVote     UpstreamType = "vote"
	UpstreamReaction UpstreamType = "reaction"
)

// parseUpstreamType maps unknown values to reply, matching the app.
func parseUpstreamType(s string) UpstreamType {
	switch UpstreamType(s) {
	case UpstreamReply, UpstreamVote, UpstreamReaction:
		return UpstreamType(s)
	default:
		return UpstreamReply
	}
}

// UpstreamPayload is the decrypted content of an upstream message,
// visible only to the channel owner.
type UpstreamPayload struct {
	Type            UpstreamType
	Content         string
	Timestamp       time.Time
	ReplyTo         string
	PollID          string
	VoteOptionIndex int
	HasVote         bool
}

type upstreamPayloadWire struct {
	Type            string  `json:"type"`
	Content         string  `json:"content"`
	Timestamp       string  `json:"timestamp"`
	ReplyTo         *string `json:"reply_to,omitempty"`
	PollID          *string `json:"poll_id,omitempty"`
	VoteOptionIndex *int    `json:"vote_option_index,omitempty"`
}

// Bytes serializes the payload for encryption.
func (p *UpstreamPayload) Bytes() ([]byte, error) {
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	w := upstreamPayloadWire{
		Type:      string(p.Type),
		Content:   p.Content,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
	}
	if p.ReplyTo != "" {
		w.ReplyTo = &p.ReplyTo
	}
	if p.PollID != "" {
		w.PollID = &p.PollID
	}
	if p.HasVote {
		idx := p.VoteOptionIndex
		w.VoteOptionIndex = &idx
	}
	return json.Marshal(w)
}

// UpstreamPayloadFromBytes deserializes a decrypted upstream payload.
func UpstreamPayloadFromBytes(raw []byte) (*UpstreamPayload, error) {
	var w upstreamPayloadWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("channel: decode upstream payload: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("channel: decode upstream timestamp: %w", err)
	}
	p := &UpstreamPayload{
		Type:      parseUpstreamType(w.Type),
		Content:   w.Content,
		Timestamp: ts,
	}
	if w.ReplyTo != nil {
		p.ReplyTo = *w.ReplyTo
	}
	if w.PollID != nil {
		p.PollID = *w.PollID
	}
	if w.VoteOptionIndex != nil {
		p.VoteOptionIndex = *w.VoteOptionIndex
		p.HasVote = true
	}
	return p, nil
}

// UpstreamMessage is an encrypted subscriber-to-owner message. The
// ephemeral X25519 public key travels alongside in the WS envelope so
// the owner can reconstruct the shared secret.
type UpstreamMessage struct {
	ID                 string       `json:"id"`
	ChannelID          string       `json:"channel_id"`
	Type               UpstreamType `json:"type"`
	EncryptedPayload   []byte       `json:"-"`
	Signature          string       `json:"signature"`
	SenderEphemeralKey string       `json:"sender_ephemeral_key"`
	Timestamp          time.Time    `json:"timestamp"`

	// EphemeralX25519Pub is the base64 X25519 public key needed for
	// decryption. Carried in the transport envelope, not signed.
	EphemeralX25519Pub string `json:"-"`
}

type upstreamMessageWire struct {
	ID                 string `json:"id"`
	ChannelID          string `json:"channel_id"`
	Type               string `json:"type"`
	EncryptedPayload   string `json:"encrypted_payload"`
	Signature          string `json:"signature"`
	SenderEphemeralKey string `json:"sender_ephemeral_key"`
	Timestamp          string `json:"timestamp"`
}

// MarshalJSON encodes the message with the payload base64-encoded.
func (m UpstreamMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(upstreamMessageWire{
		ID:                 m.ID,
		ChannelID:          m.ChannelID,
		Type:               string(m.Type),
		EncryptedPayload:   base64.StdEncoding.EncodeToString(m.EncryptedPayload),
		Signature:          m.Signature,
		SenderEphemeralKey: m.SenderEphemeralKey,
		Timestamp:          m.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// UnmarshalJSON decodes a wire upstream message.
func (m *UpstreamMessage) UnmarshalJSON(data []byte) error {
	var w upstreamMessageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("channel: decode upstream message: %w", err)
	}
	payload, err := base64.StdEncoding.DecodeString(w.EncryptedPayload)
	if err != nil {
		return fmt.Errorf("channel: decode upstream ciphertext: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return fmt.Errorf("channel: decode upstream timestamp: %w", err)
	}
	*m = UpstreamMessage{
		ID:                 w.ID,
		ChannelID:          w.ChannelID,
		Type:               parseUpstreamType(w.Type),
		EncryptedPayload:   payload,
		Signature:          w.Signature,
		SenderEphemeralKey: w.SenderEphemeralKey,
		Timestamp:          ts,
	}
	return nil
}

func deriveUpstreamKey(sharedSecret []byte) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret, nil, []byte(upstreamHKDFInfo)), key); err != nil {
		return nil, fmt.Errorf("channel: derive upstream key: %w", err)
	}
	return key, nil
}

// EncryptUpstream seals an upstream payload for the channel owner
// using an ephemeral X25519 exchange, then signs the ciphertext with
// an ephemeral Ed25519 key. Nothing in the message links back to the
// subscriber's long-term identity.
func EncryptUpstream(p *UpstreamPayload, ownerEncryptPubB64, channelID string, msgType UpstreamType) (*UpstreamMessage, error) {
	plaintext, err := p.Bytes()
	if err != nil {
		return nil, err
	}

	ephemeral, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("channel: generate ephemeral key: %w", err)
	}
	ownerPubBytes, err := base64.StdEncoding.DecodeString(ownerEncryptPubB64)
	if err != nil {
		return nil, fmt.Errorf("channel: decode owner encrypt key: %w", err)
	}
	ownerPub, err := ecdh.X25519().NewPublicKey(ownerPubBytes)
	if err != nil {
		return nil, fmt.Errorf("channel: parse owner encrypt key: %w", err)
	}
	sharedSecret, err := ephemeral.ECDH(ownerPub)
	if err != nil {
		return nil, fmt.Errorf("channel: upstream key exchange: %w", err)
	}
	key, err := deriveUpstreamKey(sharedSecret)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("channel: create cipher: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("channel: generate nonce: %w", err)
	}
	encrypted := aead.Seal(nonce, nonce, plaintext, nil)

	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("channel: generate ephemeral signing key: %w", err)
	}
	signature := ed25519.Sign(signPriv, encrypted)

	shortID := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return &UpstreamMessage{
		ID:                 "up_" + shortID,
		ChannelID:          channelID,
		Type:               msgType,
		EncryptedPayload:   encrypted,
		Signature:          base64.StdEncoding.EncodeToString(signature),
		SenderEphemeralKey: base64.StdEncoding.EncodeToString(signPub),
		Timestamp:          time.Now().UTC(),
		EphemeralX25519Pub: base64.StdEncoding.EncodeToString(ephemeral.PublicKey().Bytes()),
	}, nil
}

// DecryptUpstream verifies and opens an upstream message as the
// channel owner.
func DecryptUpstream(m *UpstreamMessage, encryptionPrivateKeyB64, ephemeralX25519PubB64 string) (*UpstreamPayload, error) {
	sig, err := base64.StdEncoding.DecodeString(m.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamSignature, err)
	}
	senderPub, err := base64.StdEncoding.DecodeString(m.SenderEphemeralKey)
	if err != nil || len(senderPub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: bad sender key", ErrUpstreamSignature)
	}
	if !ed25519.Verify(ed25519.PublicKey(senderPub), m.EncryptedPayload, sig) {
		return nil, ErrUpstreamSignature
	}

	privBytes, err := base64.StdEncoding.DecodeString(encryptionPrivateKeyB64)
	if err != nil {
		return nil, fmt.Errorf("channel: decode encryption key: %w", err)
	}
	priv, err := ecdh.X25519().NewPrivateKey(privBytes)
	if err != nil {
		return nil, fmt.Errorf("channel: parse encryption key: %w", err)
	}
	ephPubBytes, err := base64.StdEncoding.DecodeString(ephemeralX25519PubB64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ephemeral key: %v", ErrUpstreamDecrypt, err)
	}
	ephPub, err := ecdh.X25519().NewPublicKey(ephPubBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ephemeral key: %v", ErrUpstreamDecrypt, err)
	}
	sharedSecret, err := priv.ECDH(ephPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamDecrypt, err)
	}
	key, err := deriveUpstreamKey(sharedSecret)
	if err != nil {
		return nil, err
	}

	if len(m.EncryptedPayload) < nonceSize+tagSize {
		return nil, ErrPayloadTooSmall
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("channel: create cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, m.EncryptedPayload[:nonceSize], m.EncryptedPayload[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamDecrypt, err)
	}
	return UpstreamPayloadFromBytes(plaintext)
}
