package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrameHandshake(t *testing.T) {
	wire, err := Marshal(NewHandshake("cHVibGljLWtleQ=="))
	require.NoError(t, err)

	frame := ParseFrame(wire)
	assert.Equal(t, FrameHandshake, frame.Type)
	require.NotNil(t, frame.Handshake)
	assert.Equal(t, "cHVibGljLWtleQ==", frame.Handshake.PublicKey)
}

func TestParseFrameHandshakeMissingKey(t *testing.T) {
	// A handshake without a public key is useless; treat it as opaque.
	frame := ParseFrame(`{"type":"handshake"}`)
	assert.Equal(t, FrameEncryptedText, frame.Type)
	assert.Nil(t, frame.Handshake)
}

func TestParseFrameFileTransfer(t *testing.T) {
	start, err := Marshal(FileStart{
		Type:        FrameFileStart,
		FileID:      "f1",
		FileName:    "report.pdf",
		TotalSize:   8192,
		TotalChunks: 2,
	})
	require.NoError(t, err)

	frame := ParseFrame(start)
	assert.Equal(t, FrameFileStart, frame.Type)
	require.NotNil(t, frame.FileStart)
	assert.Equal(t, "report.pdf", frame.FileStart.FileName)
	assert.Equal(t, int64(8192), frame.FileStart.TotalSize)
	assert.Equal(t, 2, frame.FileStart.TotalChunks)

	chunk, err := Marshal(FileChunk{Type: FrameFileChunk, FileID: "f1", ChunkIndex: 1, Data: "QUJD"})
	require.NoError(t, err)
	frame = ParseFrame(chunk)
	assert.Equal(t, FrameFileChunk, frame.Type)
	require.NotNil(t, frame.FileChunk)
	assert.Equal(t, 1, frame.FileChunk.ChunkIndex)
	assert.Equal(t, "QUJD", frame.FileChunk.Data)

	complete, err := Marshal(FileComplete{Type: FrameFileComplete, FileID: "f1", SHA256: "abc123"})
	require.NoError(t, err)
	frame = ParseFrame(complete)
	assert.Equal(t, FrameFileComplete, frame.Type)
	require.NotNil(t, frame.FileComplete)
	assert.Equal(t, "abc123", frame.FileComplete.SHA256)
}

func TestParseFrameOpaque(t *testing.T) {
	for _, raw := range []string{
		"HbGxvIHdvcmxkIQ==",
		"not json at all",
		`{"type":"unknown_frame","x":1}`,
		`{"no_type_field":true}`,
		"",
		"[1,2,3]",
	} {
		frame := ParseFrame(raw)
		assert.Equal(t, FrameEncryptedText, frame.Type, "input %q", raw)
		assert.Equal(t, raw, frame.Raw, "input %q", raw)
	}
}

func TestParsePlaintext(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want Plaintext
	}{
		{"plain text", "hello there", Plaintext{Kind: KindText, Body: "hello there"}},
		{"group invite", "ginv:{...}", Plaintext{Kind: KindGroupInvite, Body: "{...}"}},
		{"group message", "grp:envelope", Plaintext{Kind: KindGroupMessage, Body: "envelope"}},
		{"typing start", "typ:1", Plaintext{Kind: KindTyping, Body: "1", Typing: true}},
		{"typing stop", "typ:0", Plaintext{Kind: KindTyping, Body: "0", Typing: false}},
		{"delivered receipt", "rcpt:d", Plaintext{Kind: KindReceipt, Body: "d", Receipt: ReceiptDelivered}},
		{"read receipt", "rcpt:r", Plaintext{Kind: KindReceipt, Body: "r", Receipt: ReceiptRead}},
		{"empty", "", Plaintext{Kind: KindText, Body: ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParsePlaintext(tt.msg))
		})
	}
}

func TestTypingMessage(t *testing.T) {
	assert.Equal(t, "typ:1", TypingMessage(true))
	assert.Equal(t, "typ:0", TypingMessage(false))
}

func TestReceiptMessage(t *testing.T) {
	assert.Equal(t, "rcpt:d", ReceiptMessage(ReceiptDelivered))
	assert.Equal(t, "rcpt:r", ReceiptMessage(ReceiptRead))
}
