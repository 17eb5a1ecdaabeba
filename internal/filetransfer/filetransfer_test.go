package filetransfer

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hamza-Labs-Core/zajel-sub000/internal/crypto"
	"github.com/Hamza-Labs-Core/zajel-sub000/internal/protocol"
)

func pairedServices(t *testing.T) (*crypto.Service, *crypto.Service, string, string) {
	t.Helper()

	alice := crypto.NewService()
	require.NoError(t, alice.Initialize())
	bob := crypto.NewService()
	require.NoError(t, bob.Initialize())

	alicePub, err := alice.PublicKeyBase64()
	require.NoError(t, err)
	bobPub, err := bob.PublicKeyBase64()
	require.NoError(t, err)
	aliceID, err := alice.StableID()
	require.NoError(t, err)
	bobID, err := bob.StableID()
	require.NoError(t, err)

	_, err = alice.PerformKeyExchange(bobID, bobPub)
	require.NoError(t, err)
	_, err = bob.PerformKeyExchange(aliceID, alicePub)
	require.NoError(t, err)
	return alice, bob, aliceID, bobID
}

// wireUp connects a sender service to a receiver service through an
// in-process encrypted pipe.
func wireUp(t *testing.T) (*Service, *Service) {
	t.Helper()
	aliceCrypto, bobCrypto, aliceID, bobID := pairedServices(t)

	var receiver *Service
	send := func(encrypted string) error {
		plaintext, err := bobCrypto.Decrypt(aliceID, encrypted)
		if err != nil {
			return err
		}
		frame := protocol.ParseFrame(plaintext)
		switch frame.Type {
		case protocol.FrameFileStart:
			return receiver.HandleStart(aliceID, *frame.FileStart)
		case protocol.FrameFileChunk:
			return receiver.HandleChunk(aliceID, *frame.FileChunk)
		case protocol.FrameFileComplete:
			return receiver.HandleComplete(aliceID, *frame.FileComplete)
		}
		return nil
	}

	sender, err := NewService(aliceCrypto, send, t.TempDir(), nil)
	require.NoError(t, err)
	receiver, err = NewService(bobCrypto, func(string) error { return nil }, t.TempDir(), nil)
	require.NoError(t, err)

	_ = bobID
	return sender, receiver
}

func TestSendAndReceiveFile(t *testing.T) {
	sender, receiver := wireUp(t)

	content := make([]byte, 3*protocol.FileChunkSize+100)
	for i := range content {
		content[i] = byte(i % 251)
	}
	srcPath := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	var gotPeer string
	receiver.OnFileReceived(func(peerID string, info Progress) {
		gotPeer = peerID
	})

	fileID, err := sender.SendFile(context.Background(), receiverPeerID(t, receiver), srcPath)
	require.NoError(t, err)
	assert.NotEmpty(t, fileID)

	info, err := receiver.WaitForFile(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.True(t, info.Completed)
	assert.Equal(t, "data.bin", info.FileName)
	assert.Equal(t, int64(len(content)), info.TotalSize)
	assert.NotEmpty(t, gotPeer)

	written, err := os.ReadFile(info.FilePath)
	require.NoError(t, err)
	assert.Equal(t, content, written)

	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), info.SHA256)
}

// receiverPeerID returns the peer ID the sender encrypts for. The wire
// helper establishes exactly one session, so any held session works.
func receiverPeerID(t *testing.T, receiver *Service) string {
	t.Helper()
	id, err := receiver.crypto.StableID()
	require.NoError(t, err)
	return id
}

func TestHandleStartValidation(t *testing.T) {
	svc, err := NewService(crypto.NewService(), func(string) error { return nil }, t.TempDir(), nil)
	require.NoError(t, err)

	err = svc.HandleStart("peer", protocol.FileStart{FileID: "f1", FileName: "x", TotalSize: MaxFileSize + 1, TotalChunks: 1})
	assert.ErrorIs(t, err, ErrTooLarge)

	err = svc.HandleStart("peer", protocol.FileStart{FileID: "f1", FileName: "x", TotalSize: 10, TotalChunks: MaxChunks + 1})
	assert.ErrorIs(t, err, ErrTooManyChunks)

	err = svc.HandleStart("peer", protocol.FileStart{FileID: "f1", FileName: "x", TotalSize: 0, TotalChunks: 1})
	assert.ErrorIs(t, err, ErrTooLarge)

	err = svc.HandleStart("peer", protocol.FileStart{
		FileID: "f1", FileName: "x",
		TotalSize:   int64(protocol.FileChunkSize) * 3,
		TotalChunks: 2,
	})
	assert.ErrorIs(t, err, ErrSizeInconsistent)
}

func TestConcurrentTransferLimit(t *testing.T) {
	svc, err := NewService(crypto.NewService(), func(string) error { return nil }, t.TempDir(), nil)
	require.NoError(t, err)

	for i := 0; i < MaxConcurrentTransfers; i++ {
		err := svc.HandleStart("peer", protocol.FileStart{
			FileID: string(rune('a' + i)), FileName: "x", TotalSize: 10, TotalChunks: 1,
		})
		require.NoError(t, err)
	}
	err = svc.HandleStart("peer", protocol.FileStart{FileID: "overflow", FileName: "x", TotalSize: 10, TotalChunks: 1})
	assert.ErrorIs(t, err, ErrTooManyTransfers)
}

func TestHandleChunkUnknownTransfer(t *testing.T) {
	svc, err := NewService(crypto.NewService(), func(string) error { return nil }, t.TempDir(), nil)
	require.NoError(t, err)

	err = svc.HandleChunk("peer", protocol.FileChunk{FileID: "nope", ChunkIndex: 0, Data: ""})
	assert.ErrorIs(t, err, ErrUnknownTransfer)
}

func TestHandleCompleteHashMismatch(t *testing.T) {
	svc, err := NewService(crypto.NewService(), func(string) error { return nil }, t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, svc.HandleStart("peer", protocol.FileStart{
		FileID: "f1", FileName: "x.txt", TotalSize: 5, TotalChunks: 1,
	}))
	require.NoError(t, svc.HandleChunk("peer", protocol.FileChunk{
		FileID: "f1", ChunkIndex: 0,
		Data: base64.StdEncoding.EncodeToString([]byte("hello")),
	}))

	err = svc.HandleComplete("peer", protocol.FileComplete{FileID: "f1", SHA256: "deadbeef"})
	assert.ErrorIs(t, err, ErrHashMismatch)

	// The failed transfer is discarded entirely.
	_, ok := svc.Transfer("f1")
	assert.False(t, ok)
}

func TestHandleCompleteMissingChunk(t *testing.T) {
	svc, err := NewService(crypto.NewService(), func(string) error { return nil }, t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, svc.HandleStart("peer", protocol.FileStart{
		FileID: "f1", FileName: "x.txt", TotalSize: 10, TotalChunks: 2,
	}))
	require.NoError(t, svc.HandleChunk("peer", protocol.FileChunk{
		FileID: "f1", ChunkIndex: 1,
		Data: base64.StdEncoding.EncodeToString([]byte("hello")),
	}))

	err = svc.HandleComplete("peer", protocol.FileComplete{FileID: "f1"})
	assert.ErrorIs(t, err, ErrMissingChunk)
}

func TestOversizedTransferDropped(t *testing.T) {
	svc, err := NewService(crypto.NewService(), func(string) error { return nil }, t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, svc.HandleStart("peer", protocol.FileStart{
		FileID: "f1", FileName: "x.txt", TotalSize: 10, TotalChunks: 1,
	}))
	big := base64.StdEncoding.EncodeToString(make([]byte, 100))
	err = svc.HandleChunk("peer", protocol.FileChunk{FileID: "f1", ChunkIndex: 0, Data: big})
	assert.ErrorIs(t, err, ErrOversizedTransfer)

	_, ok := svc.Transfer("f1")
	assert.False(t, ok)
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "passwd", sanitizeFilename("../../etc/passwd"))
	assert.Equal(t, "notes.txt", sanitizeFilename("dir/sub/notes.txt"))
	assert.Equal(t, "win.ini", sanitizeFilename(`..\..\windows\win.ini`))

	generated := sanitizeFilename("..")
	assert.Contains(t, generated, "unnamed_")
	generated = sanitizeFilename("")
	assert.Contains(t, generated, "unnamed_")
}

func TestWaitForFileTimeout(t *testing.T) {
	svc, err := NewService(crypto.NewService(), func(string) error { return nil }, t.TempDir(), nil)
	require.NoError(t, err)

	_, err = svc.WaitForFile(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrWaitTimeout)
}
