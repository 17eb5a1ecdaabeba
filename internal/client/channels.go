package client

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/Hamza-Labs-Core/zajel-sub000/internal/channel"
	"github.com/Hamza-Labs-Core/zajel-sub000/internal/signaling"
)

// CreateChannel creates an owned broadcast channel, registers us as
// its owner with the relay, and returns the channel with its invite
// link.
func (c *Client) CreateChannel(name, description string) (*channel.Owned, string, error) {
	ch, err := c.channels.Create(name, description)
	if err != nil {
		return nil, "", err
	}
	link, err := c.channels.InviteLink(ch.ChannelID)
	if err != nil {
		return nil, "", err
	}
	if c.signaling != nil {
		if err := c.signaling.RegisterChannelOwner(ch.ChannelID); err != nil {
			c.log.Warn("channel owner registration failed", "channel", ch.ChannelID, "error", err)
		}
	}
	return ch, link, nil
}

// SubscribeToChannel joins a channel from an invite link and
// subscribes with the relay.
func (c *Client) SubscribeToChannel(link string) (*channel.Subscribed, error) {
	sub, err := c.channels.Subscribe(link)
	if err != nil {
		return nil, err
	}
	if c.signaling != nil {
		if err := c.signaling.SubscribeChannel(sub.ChannelID); err != nil {
			c.log.Warn("channel subscription with relay failed", "channel", sub.ChannelID, "error", err)
		}
	}
	return sub, nil
}

// PublishToChannel publishes text to an owned channel and announces
// the resulting chunks to the relay.
func (c *Client) PublishToChannel(channelID, text string) ([]*channel.Chunk, error) {
	chunks, err := c.channels.PublishText(channelID, text)
	if err != nil {
		return nil, err
	}
	c.announceChunks(channelID, chunks)
	return chunks, nil
}

// PublishPayload publishes arbitrary content to an owned channel.
func (c *Client) PublishPayload(channelID string, payload *channel.Payload) ([]*channel.Chunk, error) {
	chunks, err := c.channels.Publish(channelID, payload)
	if err != nil {
		return nil, err
	}
	c.announceChunks(channelID, chunks)
	return chunks, nil
}

func (c *Client) announceChunks(channelID string, chunks []*channel.Chunk) {
	if c.signaling == nil {
		return
	}
	anns := make([]any, 0, len(chunks))
	for _, ch := range chunks {
		anns = append(anns, ch)
	}
	if err := c.signaling.AnnounceChunks(c.PairingCode(), channelID, anns); err != nil {
		c.log.Warn("chunk announce failed", "channel", channelID, "error", err)
	}
}

// ReceiveChannelContent waits for decrypted broadcast content from any
// subscribed channel.
func (c *Client) ReceiveChannelContent(timeout time.Duration) (ChannelContent, error) {
	return c.channelContent.Get(timeout)
}

// ChannelInviteLink returns the invite link of an owned channel.
func (c *Client) ChannelInviteLink(channelID string) (string, error) {
	return c.channels.InviteLink(channelID)
}

// Channels exposes the channel service for admin and poll operations.
func (c *Client) Channels() *channel.Service { return c.channels }

// chunkRelayLoop serves chunk pulls from our caches, pulls announced
// chunks, and ingests delivered chunk data.
func (c *Client) chunkRelayLoop() {
	defer c.wg.Done()

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		for {
			ev, err := c.signaling.WaitForChunkPullContext(c.ctx)
			if err != nil {
				return
			}
			c.handleChunkPull(ev)
		}
	}()
	go func() {
		defer wg.Done()
		for {
			ev, err := c.signaling.WaitForChunkAvailableContext(c.ctx)
			if err != nil {
				return
			}
			if err := c.signaling.RequestChunk(c.PairingCode(), ev.ChunkID, ev.ChannelID); err != nil {
				c.log.Warn("chunk request failed", "chunk", ev.ChunkID, "error", err)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for {
			ev, err := c.signaling.WaitForChunkDataContext(c.ctx)
			if err != nil {
				return
			}
			c.handleChunkData(ev)
		}
	}()

	wg.Wait()
}

func (c *Client) handleChunkPull(ev signaling.ChunkEvent) {
	chunk := c.channels.Store().Chunk(ev.ChannelID, ev.ChunkID)
	if chunk == nil {
		if owned := c.channels.Store().Owned(ev.ChannelID); owned != nil {
			chunk = owned.Chunks[ev.ChunkID]
		}
	}
	if chunk == nil {
		c.log.Debug("pull for unknown chunk", "chunk", ev.ChunkID, "channel", ev.ChannelID)
		return
	}
	if err := c.signaling.PushChunk(ev.ChunkID, ev.ChannelID, chunk); err != nil {
		c.log.Warn("chunk push failed", "chunk", ev.ChunkID, "error", err)
	}
}

func (c *Client) handleChunkData(ev signaling.ChunkEvent) {
	var msg struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(ev.Raw, &msg); err != nil || msg.Data == nil {
		c.log.Warn("malformed chunk data", "chunk", ev.ChunkID)
		return
	}
	var chunk channel.Chunk
	if err := json.Unmarshal(msg.Data, &chunk); err != nil {
		c.log.Warn("bad chunk payload", "chunk", ev.ChunkID, "error", err)
		return
	}
	payload, err := c.channels.ReceiveChunk(ev.ChannelID, &chunk)
	if err != nil {
		c.log.Warn("chunk rejected", "chunk", chunk.ChunkID, "channel", ev.ChannelID, "error", err)
		return
	}
	if payload != nil {
		c.channelContent.Put(ChannelContent{ChannelID: ev.ChannelID, Payload: payload})
	}
}
