// Package deaddrop implements offline reconnection for trusted peers:
// encrypted connection-info envelopes left at deterministic meeting
// points, retrieved and decrypted when the other peer comes online.
package deaddrop

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Hamza-Labs-Core/zajel-sub000/internal/crypto"
)

// Errors for dead drop operations.
var (
	// ErrNoSessionKey is returned when no session exists for the peer.
	// This is a configuration error, not a retryable condition: without
	// the shared session key the envelope can never be opened.
	ErrNoSessionKey = errors.New("deaddrop: no session key for peer")

	// ErrDecrypt is returned when an envelope fails to decrypt or parse.
	// Callers retry other matches; this must never crash the caller.
	ErrDecrypt = errors.New("deaddrop: decryption failed")
)

// ConnectionInfo is the payload stored inside a dead drop. The JSON key
// casing matches the Dart app's ConnectionInfo.toJson().
type ConnectionInfo struct {
	PublicKey      string    `json:"pubkey"`
	RelayID        string    `json:"relay,omitempty"`
	SourceID       string    `json:"sourceId,omitempty"`
	IP             string    `json:"ip,omitempty"`
	Port           int       `json:"port,omitempty"`
	FallbackRelays []string  `json:"fallbackRelays"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewConnectionInfo builds connection info stamped with the current time.
func NewConnectionInfo(publicKeyB64 string) ConnectionInfo {
	return ConnectionInfo{
		PublicKey:      publicKeyB64,
		FallbackRelays: []string{},
		Timestamp:      time.Now().UTC(),
	}
}

// DeadDrop is an encrypted envelope retrieved from the signaling server.
type DeadDrop struct {
	PeerID           string    `json:"peerId,omitempty"`
	EncryptedPayload string    `json:"encryptedPayload"`
	RelayID          string    `json:"relayId"`
	MeetingPoint     string    `json:"meetingPoint"`
	RetrievedAt      time.Time `json:"retrievedAt,omitempty"`
}

// LiveMatch signals that a trusted peer is currently online at a shared
// meeting point.
type LiveMatch struct {
	PeerID          string         `json:"peerId,omitempty"`
	RelayID         string         `json:"relayId"`
	MeetingPoint    string         `json:"meetingPoint"`
	ConnectionHints map[string]any `json:"connectionHints,omitempty"`
}

// RendezvousResult is the server's answer to a rendezvous registration.
type RendezvousResult struct {
	LiveMatches []LiveMatch `json:"liveMatches"`
	DeadDrops   []DeadDrop  `json:"deadDrops"`
	Success     bool        `json:"success"`
	Error       string      `json:"error,omitempty"`
}

// HasMatches reports whether the result contains anything actionable.
func (r RendezvousResult) HasMatches() bool {
	return len(r.LiveMatches) > 0 || len(r.DeadDrops) > 0
}

// TotalMatches counts live matches plus dead drops.
func (r RendezvousResult) TotalMatches() int {
	return len(r.LiveMatches) + len(r.DeadDrops)
}

// Create encrypts connection info as a dead drop payload using the
// session key shared with peerID. Returns the base64 envelope.
func Create(svc *crypto.Service, peerID string, info ConnectionInfo) (string, error) {
	if !svc.HasSessionKey(peerID) {
		return "", fmt.Errorf("%w: %s", ErrNoSessionKey, peerID)
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("deaddrop: marshal connection info: %w", err)
	}
	return svc.Encrypt(peerID, string(raw))
}

// Decrypt opens a dead drop payload left by peerID.
//
// A missing session key is ErrNoSessionKey (hard configuration error);
// any decryption or parse failure is ErrDecrypt, which callers treat as
// "try the next match".
func Decrypt(svc *crypto.Service, peerID, encryptedPayload string) (ConnectionInfo, error) {
	if !svc.HasSessionKey(peerID) {
		return ConnectionInfo{}, fmt.Errorf("%w: %s", ErrNoSessionKey, peerID)
	}
	plaintext, err := svc.Decrypt(peerID, encryptedPayload)
	if err != nil {
		return ConnectionInfo{}, fmt.Errorf("%w: from %s: %v", ErrDecrypt, peerID, err)
	}
	var info ConnectionInfo
	if err := json.Unmarshal([]byte(plaintext), &info); err != nil {
		return ConnectionInfo{}, fmt.Errorf("%w: from %s: %v", ErrDecrypt, peerID, err)
	}
	return info, nil
}
