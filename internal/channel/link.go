package channel

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// linkPayload is the JSON body of an invite link. The single-letter
// keys match the Dart app's ChannelLinkService.
type linkPayload struct {
	Manifest  Manifest `json:"m"`
	Key       string   `json:"k"`
	CreatedAt string   `json:"created_at"`
	Version   int      `json:"version"`
	ExpiresAt string   `json:"expires_at,omitempty"`
}

// EncodeLink builds a channel invite link from a manifest and the
// content decryption key.
//
// The link contains the channel decryption key: anyone holding it can
// read all channel content. Share only through secure channels.
func EncodeLink(m Manifest, encryptionKeyPrivate string) (string, error) {
	return EncodeLinkWithExpiry(m, encryptionKeyPrivate, time.Time{})
}

// EncodeLinkWithExpiry builds an invite link that decoders reject after
// expiresAt. A zero time means no expiry.
func EncodeLinkWithExpiry(m Manifest, encryptionKeyPrivate string, expiresAt time.Time) (string, error) {
	payload := linkPayload{
		Manifest:  m,
		Key:       encryptionKeyPrivate,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Version:   1,
	}
	if !expiresAt.IsZero() {
		payload.ExpiresAt = expiresAt.UTC().Format(time.RFC3339Nano)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("channel: encode invite link: %w", err)
	}
	encoded := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(raw)
	return LinkPrefix + encoded, nil
}

// DecodeLink parses an invite link and returns the manifest plus the
// content decryption key. The scheme prefix is optional and base64
// padding is restored before decoding.
func DecodeLink(link string) (Manifest, string, error) {
	trimmed := strings.TrimSpace(link)
	trimmed = strings.TrimPrefix(trimmed, LinkPrefix)
	if trimmed == "" {
		return Manifest{}, "", ErrInvalidLink
	}

	if pad := len(trimmed) % 4; pad != 0 {
		trimmed += strings.Repeat("=", 4-pad)
	}
	raw, err := base64.URLEncoding.DecodeString(trimmed)
	if err != nil {
		return Manifest{}, "", fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}

	var payload linkPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Manifest{}, "", fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	if payload.Key == "" || payload.Manifest.ChannelID == "" {
		return Manifest{}, "", fmt.Errorf("%w: missing manifest or key", ErrInvalidLink)
	}

	if payload.ExpiresAt != "" {
		exp, err := time.Parse(time.RFC3339Nano, payload.ExpiresAt)
		if err != nil {
			return Manifest{}, "", fmt.Errorf("%w: bad expires_at: %v", ErrInvalidLink, err)
		}
		if time.Now().After(exp) {
			return Manifest{}, "", ErrLinkExpired
		}
	}
	return payload.Manifest, payload.Key, nil
}
