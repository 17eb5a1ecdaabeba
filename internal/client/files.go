package client

import (
	"context"
	"fmt"
	"time"

	"github.com/Hamza-Labs-Core/zajel-sub000/internal/filetransfer"
)

// SendFile streams a file to a connected peer over the files channel.
// Returns the transfer's file ID.
func (c *Client) SendFile(ctx context.Context, peerID, filePath string) (string, error) {
	c.mu.Lock()
	_, connected := c.peers[peerID]
	c.mu.Unlock()
	if !connected {
		return "", fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}
	return c.transfers.SendFile(ctx, peerID, filePath)
}

// ReceiveFile waits for an inbound transfer to complete and verify.
func (c *Client) ReceiveFile(ctx context.Context, timeout time.Duration) (filetransfer.Progress, error) {
	return c.transfers.WaitForFile(ctx, timeout)
}

// TransferProgress reports the state of a known transfer.
func (c *Client) TransferProgress(fileID string) (filetransfer.Progress, bool) {
	return c.transfers.Transfer(fileID)
}
