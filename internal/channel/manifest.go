// Package channel implements broadcast channels: Ed25519-signed
// manifests, epoch-keyed content encryption, chunked relay publishing,
// invite links, polls, and encrypted upstream messages.
package channel

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// LinkPrefix is the URI scheme for channel invite links.
	LinkPrefix = "zajel://channel/"

	// MaxChunksPerChannel bounds cached chunks per subscription.
	MaxChunksPerChannel = 1000

	// DefaultMaxUpstreamSize is the default chunk split size in bytes.
	DefaultMaxUpstreamSize = 4096
)

// Errors for channel operations.
var (
	ErrInvalidLink        = errors.New("channel: invalid invite link")
	ErrLinkExpired        = errors.New("channel: invite link has expired")
	ErrBadSignature       = errors.New("channel: signature verification failed")
	ErrUnauthorizedAuthor = errors.New("channel: author not authorized to publish")
	ErrContentTypeBlocked = errors.New("channel: content type not allowed")
	ErrChannelNotFound    = errors.New("channel: channel not found")
	ErrAdminExists        = errors.New("channel: admin already appointed")
	ErrAdminNotFound      = errors.New("channel: admin not in manifest")
	ErrAdminIsOwner       = errors.New("channel: cannot appoint the owner as an admin")
	ErrPayloadTooSmall    = errors.New("channel: encrypted payload too short")
	ErrUpstreamSignature  = errors.New("channel: upstream message signature invalid")
	ErrUpstreamDecrypt    = errors.New("channel: upstream message decryption failed")
)

// AdminKey is an admin entry in the channel manifest.
type AdminKey struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// Rules govern channel behavior. Field order matches the Dart app's
// ChannelRules.toJson().
type Rules struct {
	RepliesEnabled  bool     `json:"replies_enabled"`
	PollsEnabled    bool     `json:"polls_enabled"`
	MaxUpstreamSize int      `json:"max_upstream_size"`
	AllowedTypes    []string `json:"allowed_types"`
}

// DefaultRules returns the rules applied to new channels.
func DefaultRules() Rules {
	return Rules{
		RepliesEnabled:  true,
		PollsEnabled:    true,
		MaxUpstreamSize: DefaultMaxUpstreamSize,
		AllowedTypes:    []string{"text"},
	}
}

// Allows reports whether a content type may be published.
func (r Rules) Allows(contentType string) bool {
	for _, t := range r.AllowedTypes {
		if t == contentType {
			return true
		}
	}
	return false
}

// Manifest is the signed channel manifest.
type Manifest struct {
	ChannelID         string     `json:"channel_id"`
	Name              string     `json:"name"`
	Description       string     `json:"description"`
	OwnerKey          string     `json:"owner_key"`
	AdminKeys         []AdminKey `json:"admin_keys"`
	CurrentEncryptKey string     `json:"current_encrypt_key"`
	KeyEpoch          int        `json:"key_epoch"`
	Rules             Rules      `json:"rules"`
	Signature         string     `json:"signature"`
}

// signableManifest has alphabetically sorted fields and no signature.
// The canonical byte layout must match the Dart app's toSignableJson().
type signableManifest struct {
	AdminKeys         []AdminKey `json:"admin_keys"`
	ChannelID         string     `json:"channel_id"`
	CurrentEncryptKey string     `json:"current_encrypt_key"`
	Description       string     `json:"description"`
	KeyEpoch          int        `json:"key_epoch"`
	Name              string     `json:"name"`
	OwnerKey          string     `json:"owner_key"`
	Rules             Rules      `json:"rules"`
}

// SignableJSON returns the canonical JSON bytes covered by the
// manifest signature: sorted keys, no whitespace, no HTML escaping,
// signature excluded.
func (m *Manifest) SignableJSON() ([]byte, error) {
	admins := m.AdminKeys
	if admins == nil {
		admins = []AdminKey{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(signableManifest{
		AdminKeys:         admins,
		ChannelID:         m.ChannelID,
		CurrentEncryptKey: m.CurrentEncryptKey,
		Description:       m.Description,
		KeyEpoch:          m.KeyEpoch,
		Name:              m.Name,
		OwnerKey:          m.OwnerKey,
		Rules:             m.Rules,
	}); err != nil {
		return nil, fmt.Errorf("channel: encode signable manifest: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// IsAdmin reports whether a public key belongs to an appointed admin.
func (m *Manifest) IsAdmin(publicKey string) bool {
	for _, a := range m.AdminKeys {
		if a.Key == publicKey {
			return true
		}
	}
	return false
}

// IsAuthorizedPublisher reports whether a key may publish to the
// channel: the owner or any appointed admin.
func (m *Manifest) IsAuthorizedPublisher(publicKey string) bool {
	return publicKey == m.OwnerKey || m.IsAdmin(publicKey)
}

// Payload is the decrypted content of a channel chunk.
type Payload struct {
	ContentType string
	Payload     []byte
	Metadata    map[string]any
	ReplyTo     string
	Author      string
	Timestamp   time.Time
}

type payloadWire struct {
	Type      string         `json:"type"`
	Payload   string         `json:"payload"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp string         `json:"timestamp"`
	ReplyTo   *string        `json:"reply_to,omitempty"`
	Author    *string        `json:"author,omitempty"`
}

// Bytes serializes the payload for encryption.
func (p *Payload) Bytes() ([]byte, error) {
	meta := p.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	w := payloadWire{
		Type:      p.ContentType,
		Payload:   base64.StdEncoding.EncodeToString(p.Payload),
		Metadata:  meta,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
	}
	if p.ReplyTo != "" {
		w.ReplyTo = &p.ReplyTo
	}
	if p.Author != "" {
		w.Author = &p.Author
	}
	return json.Marshal(w)
}

// PayloadFromBytes deserializes a decrypted chunk payload.
func PayloadFromBytes(raw []byte) (*Payload, error) {
	var w payloadWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("channel: decode payload: %w", err)
	}
	body, err := base64.StdEncoding.DecodeString(w.Payload)
	if err != nil {
		return nil, fmt.Errorf("channel: decode payload body: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("channel: decode payload timestamp: %w", err)
	}
	p := &Payload{
		ContentType: w.Type,
		Payload:     body,
		Metadata:    w.Metadata,
		Timestamp:   ts,
	}
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}
	if w.ReplyTo != nil {
		p.ReplyTo = *w.ReplyTo
	}
	if w.Author != nil {
		p.Author = *w.Author
	}
	return p, nil
}

// Chunk is the atomic unit of channel content relayed through the VPS.
type Chunk struct {
	ChunkID          string `json:"chunk_id"`
	RoutingHash      string `json:"routing_hash"`
	Sequence         int    `json:"sequence"`
	ChunkIndex       int    `json:"chunk_index"`
	TotalChunks      int    `json:"total_chunks"`
	Size             int    `json:"size"`
	Signature        string `json:"signature"`
	AuthorPubkey     string `json:"author_pubkey"`
	EncryptedPayload []byte `json:"-"`
}

type chunkWire struct {
	ChunkID          string `json:"chunk_id"`
	RoutingHash      string `json:"routing_hash"`
	Sequence         int    `json:"sequence"`
	ChunkIndex       int    `json:"chunk_index"`
	TotalChunks      int    `json:"total_chunks"`
	Size             int    `json:"size"`
	Signature        string `json:"signature"`
	AuthorPubkey     string `json:"author_pubkey"`
	EncryptedPayload string `json:"encrypted_payload"`
}

// MarshalJSON encodes the chunk with the payload base64-encoded.
func (c Chunk) MarshalJSON() ([]byte, error) {
	return json.Marshal(chunkWire{
		ChunkID:          c.ChunkID,
		RoutingHash:      c.RoutingHash,
		Sequence:         c.Sequence,
		ChunkIndex:       c.ChunkIndex,
		TotalChunks:      c.TotalChunks,
		Size:             c.Size,
		Signature:        c.Signature,
		AuthorPubkey:     c.AuthorPubkey,
		EncryptedPayload: base64.StdEncoding.EncodeToString(c.EncryptedPayload),
	})
}

// UnmarshalJSON decodes a wire chunk.
func (c *Chunk) UnmarshalJSON(data []byte) error {
	var w chunkWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("channel: decode chunk: %w", err)
	}
	payload, err := base64.StdEncoding.DecodeString(w.EncryptedPayload)
	if err != nil {
		return fmt.Errorf("channel: decode chunk payload: %w", err)
	}
	*c = Chunk{
		ChunkID:          w.ChunkID,
		RoutingHash:      w.RoutingHash,
		Sequence:         w.Sequence,
		ChunkIndex:       w.ChunkIndex,
		TotalChunks:      w.TotalChunks,
		Size:             w.Size,
		Signature:        w.Signature,
		AuthorPubkey:     w.AuthorPubkey,
		EncryptedPayload: payload,
	}
	return nil
}

// Subscribed is a channel this client follows.
type Subscribed struct {
	ChannelID     string
	Manifest      Manifest
	EncryptionKey string
	SubscribedAt  time.Time
	Chunks        map[string]*Chunk
}

// Owned is a channel this client publishes to.
type Owned struct {
	ChannelID            string
	Manifest             Manifest
	SigningKeyPrivate    string
	EncryptionKeyPrivate string
	EncryptionKeyPublic  string
	Sequence             int
	Chunks               map[string]*Chunk
}

// IsLink reports whether text looks like a channel invite link.
func IsLink(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), LinkPrefix)
}
