// Package group implements small full-mesh P2P groups: membership
// models, sender key encryption, in-memory message storage, and the
// invitation payload carried over 1:1 data channels.
package group

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	// SenderKeySize is the length of a group sender key in bytes.
	SenderKeySize = 32

	// MaxMembers caps group size. Groups are full-mesh so every member
	// holds a connection to every other member.
	MaxMembers = 15

	// MaxMessagesPerGroup bounds in-memory history per group.
	MaxMessagesPerGroup = 5000
)

// Errors for group operations.
var (
	ErrGroupFull          = errors.New("group: group is full")
	ErrDuplicateMember    = errors.New("group: member already in group")
	ErrMemberNotFound     = errors.New("group: member not found")
	ErrGroupNotFound      = errors.New("group: group not found")
	ErrNoSenderKey        = errors.New("group: no sender key")
	ErrInvalidSenderKey   = errors.New("group: invalid sender key")
	ErrCiphertextTooSmall = errors.New("group: encrypted message too short")
	ErrInvalidMessage     = errors.New("group: invalid message")
)

// Member is a participant in a group.
type Member struct {
	DeviceID    string    `json:"device_id"`
	DisplayName string    `json:"display_name"`
	PublicKey   string    `json:"public_key"`
	JoinedAt    time.Time `json:"joined_at"`
}

// Group is a small full-mesh P2P conversation.
type Group struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	SelfDeviceID string    `json:"self_device_id"`
	Members      []Member  `json:"members"`
	CreatedAt    time.Time `json:"created_at"`
	CreatedBy    string    `json:"created_by"`
}

// MemberCount returns the number of members.
func (g *Group) MemberCount() int { return len(g.Members) }

// OtherMembers returns every member except ourselves.
func (g *Group) OtherMembers() []Member {
	others := make([]Member, 0, len(g.Members))
	for _, m := range g.Members {
		if m.DeviceID != g.SelfDeviceID {
			others = append(others, m)
		}
	}
	return others
}

// HasMember reports whether deviceID is in the group.
func (g *Group) HasMember(deviceID string) bool {
	for _, m := range g.Members {
		if m.DeviceID == deviceID {
			return true
		}
	}
	return false
}

// AddMember appends a member, enforcing the size cap and uniqueness.
func (g *Group) AddMember(m Member) error {
	if len(g.Members) >= MaxMembers {
		return fmt.Errorf("%w: %d members", ErrGroupFull, len(g.Members))
	}
	if g.HasMember(m.DeviceID) {
		return fmt.Errorf("%w: %s", ErrDuplicateMember, m.DeviceID)
	}
	g.Members = append(g.Members, m)
	return nil
}

// RemoveMember deletes a member by device ID.
func (g *Group) RemoveMember(deviceID string) error {
	for i, m := range g.Members {
		if m.DeviceID == deviceID {
			g.Members = append(g.Members[:i], g.Members[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrMemberNotFound, deviceID)
}

// Message is a single group message. ID is derived from the author and
// sequence number, which makes duplicate detection across the mesh O(1).
type Message struct {
	GroupID        string
	AuthorDeviceID string
	SequenceNumber int
	Content        string
	MessageType    string
	Metadata       map[string]any
	Timestamp      time.Time
	IsOutgoing     bool
}

// ID returns the mesh-wide unique message identifier.
func (m *Message) ID() string {
	return fmt.Sprintf("%s:%d", m.AuthorDeviceID, m.SequenceNumber)
}

// messageWire is the serialized form that gets encrypted, matching the
// Dart app's GroupMessage.toBytes().
type messageWire struct {
	AuthorDeviceID string         `json:"author_device_id"`
	SequenceNumber int            `json:"sequence_number"`
	Type           string         `json:"type"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata"`
	Timestamp      string         `json:"timestamp"`
}

// Bytes serializes the message for encryption.
func (m *Message) Bytes() ([]byte, error) {
	meta := m.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	mt := m.MessageType
	if mt == "" {
		mt = "text"
	}
	return json.Marshal(messageWire{
		AuthorDeviceID: m.AuthorDeviceID,
		SequenceNumber: m.SequenceNumber,
		Type:           mt,
		Content:        m.Content,
		Metadata:       meta,
		Timestamp:      m.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// MessageFromBytes deserializes a decrypted message. The author claimed
// inside the plaintext is returned as-is; callers must compare it with
// the envelope author before trusting the message.
func MessageFromBytes(raw []byte, groupID string) (*Message, error) {
	var w struct {
		AuthorDeviceID *string        `json:"author_device_id"`
		SequenceNumber *int           `json:"sequence_number"`
		Type           string         `json:"type"`
		Content        *string        `json:"content"`
		Metadata       map[string]any `json:"metadata"`
		Timestamp      *string        `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if w.AuthorDeviceID == nil || w.SequenceNumber == nil || w.Content == nil || w.Timestamp == nil {
		return nil, fmt.Errorf("%w: missing required fields", ErrInvalidMessage)
	}
	ts, err := time.Parse(time.RFC3339Nano, *w.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp: %v", ErrInvalidMessage, err)
	}
	mt := w.Type
	if mt == "" {
		mt = "text"
	}
	meta := w.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return &Message{
		GroupID:        groupID,
		AuthorDeviceID: *w.AuthorDeviceID,
		SequenceNumber: *w.SequenceNumber,
		Content:        *w.Content,
		MessageType:    mt,
		Metadata:       meta,
		Timestamp:      ts,
	}, nil
}

// Invitation is the payload of a "ginv:" message sent over an encrypted
// 1:1 channel. It carries the full roster, everyone's sender keys, and
// the fresh sender key generated for the invitee.
type Invitation struct {
	GroupID          string            `json:"groupId"`
	GroupName        string            `json:"groupName"`
	CreatedBy        string            `json:"createdBy"`
	Members          []Member          `json:"members"`
	SenderKeys       map[string]string `json:"senderKeys"`
	InviteeSenderKey string            `json:"inviteeSenderKey"`
}

// Encode serializes the invitation for the wire.
func (inv *Invitation) Encode() (string, error) {
	raw, err := json.Marshal(inv)
	if err != nil {
		return "", fmt.Errorf("group: encode invitation: %w", err)
	}
	return string(raw), nil
}

// DecodeInvitation parses a "ginv:" payload and validates its sender keys.
func DecodeInvitation(payload string) (*Invitation, error) {
	var inv Invitation
	if err := json.Unmarshal([]byte(payload), &inv); err != nil {
		return nil, fmt.Errorf("group: decode invitation: %w", err)
	}
	if inv.GroupID == "" || inv.InviteeSenderKey == "" {
		return nil, fmt.Errorf("group: decode invitation: missing groupId or inviteeSenderKey")
	}
	if _, err := decodeSenderKey(inv.InviteeSenderKey); err != nil {
		return nil, err
	}
	for deviceID, keyB64 := range inv.SenderKeys {
		if _, err := decodeSenderKey(keyB64); err != nil {
			return nil, fmt.Errorf("group: invitation key for %s: %w", deviceID, err)
		}
	}
	return &inv, nil
}

// Envelope is the outer "grp:" JSON broadcast to every connected member.
type Envelope struct {
	GroupID        string `json:"groupId"`
	AuthorDeviceID string `json:"authorDeviceId"`
	Ciphertext     string `json:"ciphertext"`
}

// EncodeEnvelope wraps an encrypted message for the wire.
func EncodeEnvelope(groupID, authorDeviceID string, encrypted []byte) (string, error) {
	raw, err := json.Marshal(Envelope{
		GroupID:        groupID,
		AuthorDeviceID: authorDeviceID,
		Ciphertext:     base64.StdEncoding.EncodeToString(encrypted),
	})
	if err != nil {
		return "", fmt.Errorf("group: encode envelope: %w", err)
	}
	return string(raw), nil
}

// DecodeEnvelope parses a "grp:" payload.
func DecodeEnvelope(payload string) (*Envelope, []byte, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil, nil, fmt.Errorf("group: decode envelope: %w", err)
	}
	if env.GroupID == "" || env.AuthorDeviceID == "" {
		return nil, nil, fmt.Errorf("group: decode envelope: missing groupId or authorDeviceId")
	}
	encrypted, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, nil, fmt.Errorf("group: decode envelope ciphertext: %w", err)
	}
	return &env, encrypted, nil
}
