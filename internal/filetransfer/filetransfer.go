// Package filetransfer implements chunked file transfer over encrypted
// data channels: sending with pacing, receiving with progress tracking,
// and SHA-256 integrity verification.
package filetransfer

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Hamza-Labs-Core/zajel-sub000/internal/crypto"
	"github.com/Hamza-Labs-Core/zajel-sub000/internal/protocol"
)

const (
	// MaxFileSize caps incoming transfers at 100 MB.
	MaxFileSize = 100 * 1024 * 1024

	// MaxChunks caps the declared chunk count of a transfer.
	MaxChunks = 10000

	// MaxConcurrentTransfers bounds simultaneous incoming transfers.
	MaxConcurrentTransfers = 10

	// transferTimeout is how long an incomplete transfer may sit idle
	// before it is discarded.
	transferTimeout = 300 * time.Second
)

// Errors for file transfer operations.
var (
	ErrTooLarge          = errors.New("filetransfer: file exceeds size limit")
	ErrTooManyChunks     = errors.New("filetransfer: chunk count exceeds limit")
	ErrTooManyTransfers  = errors.New("filetransfer: too many concurrent transfers")
	ErrUnknownTransfer   = errors.New("filetransfer: unknown file id")
	ErrMissingChunk      = errors.New("filetransfer: missing chunk")
	ErrHashMismatch      = errors.New("filetransfer: hash mismatch")
	ErrSizeInconsistent  = errors.New("filetransfer: declared size and chunk count disagree")
	ErrOversizedTransfer = errors.New("filetransfer: received more bytes than declared")
	ErrWaitTimeout       = errors.New("filetransfer: wait for file timed out")
)

// SendFunc delivers one encrypted frame to the peer.
type SendFunc func(encrypted string) error

// Progress tracks a single file transfer.
type Progress struct {
	FileID         string
	FileName       string
	TotalSize      int64
	TotalChunks    int
	ReceivedChunks int
	BytesReceived  int64
	Completed      bool
	FilePath       string
	SHA256         string
}

type incomingTransfer struct {
	info      Progress
	chunks    map[int][]byte
	startedAt time.Time
}

// Service manages file transfers over an encrypted channel.
type Service struct {
	crypto     *crypto.Service
	send       SendFunc
	receiveDir string
	log        *slog.Logger

	mu       sync.Mutex
	incoming map[string]*incomingTransfer

	completed chan Progress

	onFileReceived func(peerID string, info Progress)
}

// NewService creates a file transfer service writing received files to
// receiveDir, which is created if missing.
func NewService(cryptoSvc *crypto.Service, send SendFunc, receiveDir string, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(receiveDir, 0o755); err != nil {
		return nil, fmt.Errorf("filetransfer: create receive dir: %w", err)
	}
	return &Service{
		crypto:     cryptoSvc,
		send:       send,
		receiveDir: receiveDir,
		log:        log.With("component", "filetransfer"),
		incoming:   make(map[string]*incomingTransfer),
		completed:  make(chan Progress, MaxConcurrentTransfers),
	}, nil
}

// OnFileReceived registers a callback fired when a transfer completes.
func (s *Service) OnFileReceived(fn func(peerID string, info Progress)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFileReceived = fn
}

// SendFile streams a file to a peer as encrypted file_start, file_chunk
// and file_complete frames, pacing chunks to avoid flooding the data
// channel. Returns the generated file ID.
func (s *Service) SendFile(ctx context.Context, peerID, filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("filetransfer: read file: %w", err)
	}

	fileID := uuid.NewString()
	chunkSize := protocol.FileChunkSize
	totalChunks := (len(data) + chunkSize - 1) / chunkSize
	if totalChunks < 1 {
		totalChunks = 1
	}
	fileName := filepath.Base(filePath)

	s.log.Info("sending file",
		"file", fileName, "bytes", len(data), "chunks", totalChunks, "peer_id", peerID)

	start, err := protocol.Marshal(protocol.FileStart{
		Type:        protocol.FrameFileStart,
		FileID:      fileID,
		FileName:    fileName,
		TotalSize:   int64(len(data)),
		TotalChunks: totalChunks,
	})
	if err != nil {
		return "", err
	}
	if err := s.sendEncrypted(peerID, start); err != nil {
		return "", err
	}

	delay := time.Duration(protocol.ChunkSendDelayMS) * time.Millisecond
	for i := 0; i < totalChunks; i++ {
		offset := i * chunkSize
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		frame, err := protocol.Marshal(protocol.FileChunk{
			Type:       protocol.FrameFileChunk,
			FileID:     fileID,
			ChunkIndex: i,
			Data:       base64.StdEncoding.EncodeToString(data[offset:end]),
		})
		if err != nil {
			return "", err
		}
		if err := s.sendEncrypted(peerID, frame); err != nil {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}

	sum := sha256.Sum256(data)
	complete, err := protocol.Marshal(protocol.FileComplete{
		Type:   protocol.FrameFileComplete,
		FileID: fileID,
		SHA256: hex.EncodeToString(sum[:]),
	})
	if err != nil {
		return "", err
	}
	if err := s.sendEncrypted(peerID, complete); err != nil {
		return "", err
	}

	s.log.Info("file sent", "file", fileName, "file_id", fileID)
	return fileID, nil
}

func (s *Service) sendEncrypted(peerID, plaintext string) error {
	encrypted, err := s.crypto.Encrypt(peerID, plaintext)
	if err != nil {
		return err
	}
	return s.send(encrypted)
}

// HandleStart processes a decrypted file_start frame.
func (s *Service) HandleStart(peerID string, msg protocol.FileStart) error {
	if msg.TotalSize <= 0 || msg.TotalSize > MaxFileSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, msg.TotalSize)
	}
	if msg.TotalChunks <= 0 || msg.TotalChunks > MaxChunks {
		return fmt.Errorf("%w: %d chunks", ErrTooManyChunks, msg.TotalChunks)
	}
	if msg.TotalSize > int64(msg.TotalChunks)*int64(protocol.FileChunkSize) {
		return fmt.Errorf("%w: %d bytes in %d chunks", ErrSizeInconsistent, msg.TotalSize, msg.TotalChunks)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupStaleLocked()

	active := 0
	for _, t := range s.incoming {
		if !t.info.Completed {
			active++
		}
	}
	if active >= MaxConcurrentTransfers {
		return ErrTooManyTransfers
	}

	safeName := sanitizeFilename(msg.FileName)
	s.incoming[msg.FileID] = &incomingTransfer{
		info: Progress{
			FileID:      msg.FileID,
			FileName:    safeName,
			TotalSize:   msg.TotalSize,
			TotalChunks: msg.TotalChunks,
		},
		chunks:    make(map[int][]byte),
		startedAt: time.Now(),
	}
	s.log.Info("receiving file",
		"file", safeName, "bytes", msg.TotalSize, "chunks", msg.TotalChunks, "peer_id", peerID)
	return nil
}

// HandleChunk processes a decrypted file_chunk frame.
func (s *Service) HandleChunk(peerID string, msg protocol.FileChunk) error {
	data, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		return fmt.Errorf("filetransfer: decode chunk data: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.incoming[msg.FileID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, msg.FileID)
	}

	t.info.BytesReceived += int64(len(data))
	// 10% tolerance over the declared size before the transfer is dropped
	if t.info.BytesReceived > t.info.TotalSize+t.info.TotalSize/10 {
		delete(s.incoming, msg.FileID)
		return fmt.Errorf("%w: %d > %d", ErrOversizedTransfer, t.info.BytesReceived, t.info.TotalSize)
	}

	t.chunks[msg.ChunkIndex] = data
	t.info.ReceivedChunks++
	return nil
}

// HandleComplete processes a decrypted file_complete frame: reassembles
// the chunks in index order, verifies the sender's SHA-256 when
// present, and writes the file under the receive directory.
func (s *Service) HandleComplete(peerID string, msg protocol.FileComplete) error {
	s.mu.Lock()
	t, ok := s.incoming[msg.FileID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, msg.FileID)
	}

	var data []byte
	for i := 0; i < t.info.TotalChunks; i++ {
		chunk, ok := t.chunks[i]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: index %d of %s", ErrMissingChunk, i, msg.FileID)
		}
		data = append(data, chunk...)
	}

	sum := sha256.Sum256(data)
	actual := hex.EncodeToString(sum[:])
	if msg.SHA256 != "" && actual != msg.SHA256 {
		delete(s.incoming, msg.FileID)
		s.mu.Unlock()
		return fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, msg.SHA256, actual)
	}

	savePath, err := s.resolveSavePath(t.info.FileName)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := os.WriteFile(savePath, data, 0o644); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("filetransfer: write file: %w", err)
	}

	t.info.Completed = true
	t.info.FilePath = savePath
	t.info.SHA256 = actual
	info := t.info
	callback := s.onFileReceived
	s.mu.Unlock()

	s.log.Info("file received",
		"file", info.FileName, "bytes", len(data), "sha256", actual[:16])

	select {
	case s.completed <- info:
	default:
	}
	if callback != nil {
		callback(peerID, info)
	}
	return nil
}

// WaitForFile blocks until any transfer completes or the timeout
// elapses.
func (s *Service) WaitForFile(ctx context.Context, timeout time.Duration) (Progress, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case info := <-s.completed:
		return info, nil
	case <-timer.C:
		return Progress{}, ErrWaitTimeout
	case <-ctx.Done():
		return Progress{}, ctx.Err()
	}
}

// Transfer returns a snapshot of a transfer's progress.
func (s *Service) Transfer(fileID string) (Progress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.incoming[fileID]
	if !ok {
		return Progress{}, false
	}
	return t.info, true
}

func (s *Service) resolveSavePath(fileName string) (string, error) {
	dir, err := filepath.Abs(s.receiveDir)
	if err != nil {
		return "", fmt.Errorf("filetransfer: resolve receive dir: %w", err)
	}
	savePath := filepath.Join(dir, fileName)
	if !strings.HasPrefix(savePath, dir+string(filepath.Separator)) {
		return "", fmt.Errorf("filetransfer: path traversal in file name %q", fileName)
	}
	return savePath, nil
}

func (s *Service) cleanupStaleLocked() {
	now := time.Now()
	for id, t := range s.incoming {
		if !t.info.Completed && now.Sub(t.startedAt) > transferTimeout {
			s.log.Warn("cleaning up stale transfer", "file_id", id)
			delete(s.incoming, id)
		}
	}
}

// sanitizeFilename strips directory components and null bytes. Empty
// or dot-only names get a generated fallback.
func sanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	base = strings.ReplaceAll(base, "\x00", "")
	if base == "" || base == "." || base == ".." || base == "/" {
		return "unnamed_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	return base
}
