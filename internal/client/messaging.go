package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Hamza-Labs-Core/zajel-sub000/internal/protocol"
	"github.com/Hamza-Labs-Core/zajel-sub000/internal/queue"
)

// Sub-protocol prefixes multiplexed over the 1:1 encrypted stream.
const (
	prefixGroupInvite = "ginv:"
	prefixGroupMsg    = "grp:"
	prefixTyping      = "typ:"
	prefixReceipt     = "rcpt:"
)

// SendText sends an encrypted text message to a connected peer.
func (c *Client) SendText(ctx context.Context, peerID, content string) error {
	if err := c.sendEncrypted(ctx, peerID, content); err != nil {
		return err
	}
	c.log.Info("sent message", "peer", peerID, "size", len(content))
	return nil
}

// ReceiveMessage waits for a text message from any connected peer.
func (c *Client) ReceiveMessage(timeout time.Duration) (ReceivedMessage, error) {
	msg, err := c.messages.Get(timeout)
	if err == queue.ErrTimeout {
		return ReceivedMessage{}, fmt.Errorf("client: no message within %s", timeout)
	}
	return msg, err
}

// SetTyping announces typing state to a peer. On the receiving side a
// started indicator auto-clears after 5 seconds without a refresh.
func (c *Client) SetTyping(ctx context.Context, peerID string, typing bool) error {
	flag := "0"
	if typing {
		flag = "1"
	}
	return c.sendEncrypted(ctx, peerID, prefixTyping+flag)
}

// WaitForTyping waits for a typing state change from any peer.
func (c *Client) WaitForTyping(timeout time.Duration) (TypingEvent, error) {
	return c.typingEvents.Get(timeout)
}

// SendReadReceipt marks the peer's messages as read.
func (c *Client) SendReadReceipt(ctx context.Context, peerID string) error {
	return c.sendEncrypted(ctx, peerID, prefixReceipt+"r")
}

// WaitForReceipt waits for a delivery or read receipt.
func (c *Client) WaitForReceipt(timeout time.Duration) (Receipt, error) {
	return c.receipts.Get(timeout)
}

// sendEncrypted encrypts plaintext for a peer and sends it on the
// messages channel.
func (c *Client) sendEncrypted(ctx context.Context, peerID, plaintext string) error {
	c.mu.Lock()
	_, connected := c.peers[peerID]
	engine := c.engine
	c.mu.Unlock()
	if !connected || engine == nil {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}
	encrypted, err := c.crypto.Encrypt(peerID, plaintext)
	if err != nil {
		return err
	}
	return engine.SendMessage(ctx, encrypted)
}

// sendFileData encrypts and sends a frame on the files channel. Wired
// into the file transfer service at Connect.
func (c *Client) sendFileData(encrypted string) error {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()
	if engine == nil {
		return ErrPeerNotFound
	}
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	return engine.SendFileData(ctx, encrypted)
}

// handleMessageData processes inbound frames from the messages channel.
func (c *Client) handleMessageData(peerID, data string) {
	frame := protocol.ParseFrame(data)

	switch frame.Type {
	case protocol.FrameHandshake:
		if c.crypto.HasSessionKey(peerID) {
			return
		}
		key, err := c.crypto.PerformKeyExchange(peerID, frame.Handshake.PublicKey)
		if err != nil {
			c.log.Error("key exchange failed", "peer", peerID, "error", err)
			return
		}
		if err := c.store.SaveSessionKey(peerID, key); err != nil {
			c.log.Warn("failed to persist session key", "peer", peerID, "error", err)
		}
		c.log.Info("key exchange completed", "peer", peerID)

	case protocol.FrameEncryptedText:
		plaintext, err := c.crypto.Decrypt(peerID, frame.Raw)
		if err != nil {
			c.log.Debug("decrypt failed", "peer", peerID, "error", err)
			return
		}
		c.demux(peerID, plaintext)

	default:
		c.log.Debug("unexpected frame on messages channel", "type", frame.Type)
	}
}

// demux routes decrypted plaintext by sub-protocol prefix.
func (c *Client) demux(peerID, plaintext string) {
	switch {
	case strings.HasPrefix(plaintext, prefixGroupInvite):
		c.handleGroupInvitation(peerID, plaintext[len(prefixGroupInvite):])

	case strings.HasPrefix(plaintext, prefixGroupMsg):
		c.handleGroupEnvelope(peerID, plaintext[len(prefixGroupMsg):])

	case strings.HasPrefix(plaintext, prefixTyping):
		c.handleTyping(peerID, plaintext[len(prefixTyping):] == "1")

	case strings.HasPrefix(plaintext, prefixReceipt):
		c.receipts.Put(Receipt{PeerID: peerID, Kind: plaintext[len(prefixReceipt):]})

	default:
		c.messages.Put(ReceivedMessage{
			PeerID:    peerID,
			Content:   plaintext,
			Timestamp: time.Now().UTC(),
		})
		// Every received text message is acknowledged.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
			defer cancel()
			if err := c.sendEncrypted(ctx, peerID, prefixReceipt+"d"); err != nil {
				c.log.Debug("failed to send delivery receipt", "peer", peerID, "error", err)
			}
		}()
	}
}

func (c *Client) handleTyping(peerID string, typing bool) {
	c.mu.Lock()
	if timer, ok := c.typingTimers[peerID]; ok {
		timer.Stop()
		delete(c.typingTimers, peerID)
	}
	if typing {
		c.typingTimers[peerID] = time.AfterFunc(typingClearDelay, func() {
			c.mu.Lock()
			delete(c.typingTimers, peerID)
			c.mu.Unlock()
			c.typingEvents.Put(TypingEvent{PeerID: peerID, Typing: false})
		})
	}
	c.mu.Unlock()
	c.typingEvents.Put(TypingEvent{PeerID: peerID, Typing: typing})
}

// handleFileData processes inbound ciphertext from the files channel.
func (c *Client) handleFileData(peerID, data string) {
	plaintext, err := c.crypto.Decrypt(peerID, data)
	if err != nil {
		c.log.Debug("file channel decrypt failed", "peer", peerID, "error", err)
		return
	}
	frame := protocol.ParseFrame(plaintext)
	switch frame.Type {
	case protocol.FrameFileStart:
		err = c.transfers.HandleStart(peerID, *frame.FileStart)
	case protocol.FrameFileChunk:
		err = c.transfers.HandleChunk(peerID, *frame.FileChunk)
	case protocol.FrameFileComplete:
		err = c.transfers.HandleComplete(peerID, *frame.FileComplete)
	default:
		c.log.Debug("unexpected frame on files channel", "type", frame.Type)
		return
	}
	if err != nil {
		c.log.Warn("file transfer error", "peer", peerID, "error", err)
	}
}
