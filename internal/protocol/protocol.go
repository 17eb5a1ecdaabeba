// Package protocol defines the framing used on the Zajel WebRTC data
// channels: JSON control frames (handshake, file transfer) and the
// plaintext prefix scheme that multiplexes sub-protocols over one
// encrypted message stream.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Data channel labels. These must match the Dart app's WebRTC constants.
const (
	// MessageChannelLabel is the label of the ordered reliable channel
	// carrying handshake frames and encrypted application messages.
	MessageChannelLabel = "messages"

	// FileChannelLabel is the label of the ordered reliable channel
	// carrying encrypted file transfer frames.
	FileChannelLabel = "files"
)

// File transfer constants.
const (
	// FileChunkSize is the fixed chunk size for file transfers in bytes.
	FileChunkSize = 4096

	// ChunkSendDelay is the pacing delay between chunk sends in
	// milliseconds, to avoid overwhelming the data channel.
	ChunkSendDelayMS = 10
)

// FrameType identifies a JSON control frame on a data channel.
type FrameType string

// Control frame types. Any payload that is not JSON with a recognized
// type field is treated as opaque encrypted text.
const (
	FrameHandshake     FrameType = "handshake"
	FrameFileStart     FrameType = "file_start"
	FrameFileChunk     FrameType = "file_chunk"
	FrameFileComplete  FrameType = "file_complete"
	FrameEncryptedText FrameType = "encrypted_text"
)

// Handshake is the key-exchange frame sent when the messages channel
// opens. It is the only unencrypted frame on the channel.
type Handshake struct {
	Type      FrameType `json:"type"`
	PublicKey string    `json:"publicKey"`
}

// NewHandshake builds a handshake frame for a base64 public key.
func NewHandshake(publicKeyB64 string) Handshake {
	return Handshake{Type: FrameHandshake, PublicKey: publicKeyB64}
}

// FileStart announces an incoming file transfer.
type FileStart struct {
	Type        FrameType `json:"type"`
	FileID      string    `json:"fileId"`
	FileName    string    `json:"fileName"`
	TotalSize   int64     `json:"totalSize"`
	TotalChunks int       `json:"totalChunks"`
}

// FileChunk carries one base64-encoded chunk of a file transfer.
type FileChunk struct {
	Type       FrameType `json:"type"`
	FileID     string    `json:"fileId"`
	ChunkIndex int       `json:"chunkIndex"`
	Data       string    `json:"data"`
}

// FileComplete terminates a file transfer. SHA256 lets the receiver
// verify integrity of the reassembled file.
type FileComplete struct {
	Type   FrameType `json:"type"`
	FileID string    `json:"fileId"`
	SHA256 string    `json:"sha256,omitempty"`
}

// Frame is the parsed form of a raw data-channel message. Exactly one
// of the typed fields is set according to Type; for FrameEncryptedText
// the Raw field holds the untouched payload.
type Frame struct {
	Type         FrameType
	Handshake    *Handshake
	FileStart    *FileStart
	FileChunk    *FileChunk
	FileComplete *FileComplete
	Raw          string
}

// ParseFrame parses a raw data-channel message. Messages that are not
// JSON objects with a known type field are classified as encrypted text
// and returned verbatim in Raw. This never errors, because ciphertext is
// expected to look like garbage here.
func ParseFrame(data string) Frame {
	var probe struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal([]byte(data), &probe); err == nil {
		switch probe.Type {
		case FrameHandshake:
			var h Handshake
			if json.Unmarshal([]byte(data), &h) == nil && h.PublicKey != "" {
				return Frame{Type: FrameHandshake, Handshake: &h}
			}
		case FrameFileStart:
			var f FileStart
			if json.Unmarshal([]byte(data), &f) == nil {
				return Frame{Type: FrameFileStart, FileStart: &f}
			}
		case FrameFileChunk:
			var f FileChunk
			if json.Unmarshal([]byte(data), &f) == nil {
				return Frame{Type: FrameFileChunk, FileChunk: &f}
			}
		case FrameFileComplete:
			var f FileComplete
			if json.Unmarshal([]byte(data), &f) == nil {
				return Frame{Type: FrameFileComplete, FileComplete: &f}
			}
		}
	}
	return Frame{Type: FrameEncryptedText, Raw: data}
}

// Marshal serializes a control frame to its wire form.
func Marshal(frame any) (string, error) {
	raw, err := json.Marshal(frame)
	if err != nil {
		return "", fmt.Errorf("marshal frame: %w", err)
	}
	return string(raw), nil
}

// PlaintextKind classifies a decrypted application message by its
// string prefix.
type PlaintextKind int

// Plaintext kinds multiplexed over the encrypted message stream.
const (
	// KindText is an unprefixed plain text message.
	KindText PlaintextKind = iota

	// KindGroupInvite is a group invitation ("ginv:" prefix).
	KindGroupInvite

	// KindGroupMessage is a group ciphertext envelope ("grp:" prefix).
	KindGroupMessage

	// KindTyping is a typing indicator ("typ:0" or "typ:1").
	KindTyping

	// KindReceipt is a delivery/read receipt ("rcpt:d" or "rcpt:r").
	KindReceipt
)

// Plaintext prefixes.
const (
	GroupInvitePrefix  = "ginv:"
	GroupMessagePrefix = "grp:"
	TypingPrefix       = "typ:"
	ReceiptPrefix      = "rcpt:"
)

// Receipt values carried after ReceiptPrefix.
const (
	ReceiptDelivered = "d"
	ReceiptRead      = "r"
)

// Plaintext is a demultiplexed decrypted message.
type Plaintext struct {
	Kind PlaintextKind

	// Body is the content after the prefix (or the whole message for
	// KindText).
	Body string

	// Typing is set for KindTyping: true for "typ:1".
	Typing bool

	// Receipt is set for KindReceipt: ReceiptDelivered or ReceiptRead.
	Receipt string
}

// ParsePlaintext demultiplexes a decrypted message by prefix.
func ParsePlaintext(msg string) Plaintext {
	switch {
	case strings.HasPrefix(msg, GroupInvitePrefix):
		return Plaintext{Kind: KindGroupInvite, Body: msg[len(GroupInvitePrefix):]}
	case strings.HasPrefix(msg, GroupMessagePrefix):
		return Plaintext{Kind: KindGroupMessage, Body: msg[len(GroupMessagePrefix):]}
	case strings.HasPrefix(msg, TypingPrefix):
		body := msg[len(TypingPrefix):]
		return Plaintext{Kind: KindTyping, Body: body, Typing: body == "1"}
	case strings.HasPrefix(msg, ReceiptPrefix):
		body := msg[len(ReceiptPrefix):]
		return Plaintext{Kind: KindReceipt, Body: body, Receipt: body}
	default:
		return Plaintext{Kind: KindText, Body: msg}
	}
}

// TypingMessage builds the wire form of a typing indicator.
func TypingMessage(isTyping bool) string {
	if isTyping {
		return TypingPrefix + "1"
	}
	return TypingPrefix + "0"
}

// ReceiptMessage builds the wire form of a receipt.
func ReceiptMessage(kind string) string {
	return ReceiptPrefix + kind
}
