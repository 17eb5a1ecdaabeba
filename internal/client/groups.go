package client

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Hamza-Labs-Core/zajel-sub000/internal/group"
)

// CreateGroup creates a local group with ourselves as the only member
// and generates our sender key.
func (c *Client) CreateGroup(name string) (*group.Group, error) {
	c.mu.Lock()
	deviceID := c.deviceID
	c.mu.Unlock()
	if deviceID == "" {
		return nil, ErrNotConnected
	}
	pub, err := c.crypto.PublicKeyBase64()
	if err != nil {
		return nil, err
	}

	g := &group.Group{
		ID:           uuid.NewString(),
		Name:         name,
		SelfDeviceID: deviceID,
		CreatedAt:    time.Now().UTC(),
		CreatedBy:    deviceID,
	}
	if err := g.AddMember(group.Member{
		DeviceID:    deviceID,
		DisplayName: c.displayName,
		PublicKey:   pub,
		JoinedAt:    g.CreatedAt,
	}); err != nil {
		return nil, err
	}
	if err := c.groupCrypto.SetSenderKey(g.ID, deviceID, group.GenerateSenderKey()); err != nil {
		return nil, err
	}
	c.groups.SaveGroup(g)
	c.log.Info("created group", "group", g.ID, "name", name)
	return g, nil
}

// InviteToGroup adds a connected peer to a group and sends the
// invitation, including every known sender key plus a freshly
// generated one for the invitee, over the 1:1 encrypted channel.
func (c *Client) InviteToGroup(ctx context.Context, peerID, groupID string) error {
	g := c.groups.Group(groupID)
	if g == nil {
		return fmt.Errorf("%w: %s", group.ErrGroupNotFound, groupID)
	}

	c.mu.Lock()
	peer, connected := c.peers[peerID]
	c.mu.Unlock()
	if !connected {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}

	if !g.HasMember(peerID) {
		if err := g.AddMember(group.Member{
			DeviceID:    peerID,
			DisplayName: peer.DisplayName,
			PublicKey:   peer.PublicKey,
			JoinedAt:    time.Now().UTC(),
		}); err != nil {
			return err
		}
	}

	inviteeKey := group.GenerateSenderKey()
	if err := c.groupCrypto.SetSenderKey(groupID, peerID, inviteeKey); err != nil {
		return err
	}

	senderKeys := make(map[string]string, g.MemberCount())
	for _, m := range g.Members {
		if key := c.groupCrypto.SenderKey(groupID, m.DeviceID); key != nil {
			senderKeys[m.DeviceID] = base64.StdEncoding.EncodeToString(key)
		}
	}

	inv := group.Invitation{
		GroupID:          groupID,
		GroupName:        g.Name,
		CreatedBy:        g.CreatedBy,
		Members:          g.Members,
		SenderKeys:       senderKeys,
		InviteeSenderKey: inviteeKey,
	}
	payload, err := inv.Encode()
	if err != nil {
		return err
	}
	if err := c.sendEncrypted(ctx, peerID, prefixGroupInvite+payload); err != nil {
		return err
	}

	c.groups.SaveGroup(g)
	c.log.Info("invited peer to group", "peer", peerID, "group", groupID)
	return nil
}

// SendGroupMessage encrypts content with our sender key and fans the
// envelope out to every connected group member.
func (c *Client) SendGroupMessage(ctx context.Context, groupID, content string) (*group.Message, error) {
	g := c.groups.Group(groupID)
	if g == nil {
		return nil, fmt.Errorf("%w: %s", group.ErrGroupNotFound, groupID)
	}
	c.mu.Lock()
	deviceID := c.deviceID
	c.mu.Unlock()

	m := &group.Message{
		GroupID:        groupID,
		AuthorDeviceID: deviceID,
		SequenceNumber: c.groups.NextSequence(groupID, deviceID),
		Content:        content,
		MessageType:    "text",
		Timestamp:      time.Now().UTC(),
		IsOutgoing:     true,
	}
	raw, err := m.Bytes()
	if err != nil {
		return nil, err
	}
	encrypted, err := c.groupCrypto.Encrypt(raw, groupID, deviceID)
	if err != nil {
		return nil, err
	}
	envelope, err := group.EncodeEnvelope(groupID, deviceID, encrypted)
	if err != nil {
		return nil, err
	}

	c.groups.SaveMessage(m)

	sent := 0
	for _, member := range g.OtherMembers() {
		c.mu.Lock()
		_, connected := c.peers[member.DeviceID]
		c.mu.Unlock()
		if !connected {
			continue
		}
		if err := c.sendEncrypted(ctx, member.DeviceID, prefixGroupMsg+envelope); err != nil {
			c.log.Warn("group send failed", "peer", member.DeviceID, "error", err)
			continue
		}
		sent++
	}
	c.log.Info("sent group message", "group", groupID, "sequence", m.SequenceNumber, "recipients", sent)
	return m, nil
}

// ReceiveGroupMessage waits for a group message from any group.
func (c *Client) ReceiveGroupMessage(timeout time.Duration) (*group.Message, error) {
	return c.groupMessages.Get(timeout)
}

// WaitForGroupInvite waits for an accepted group invitation.
func (c *Client) WaitForGroupInvite(timeout time.Duration) (GroupInvite, error) {
	return c.groupInvites.Get(timeout)
}

// Groups returns all locally known groups.
func (c *Client) Groups() []*group.Group {
	return c.groups.Groups()
}

// GroupMessages returns stored messages for a group, oldest first.
func (c *Client) GroupMessages(groupID string, limit int) []*group.Message {
	return c.groups.Messages(groupID, limit)
}

// LeaveGroup zeroizes all sender keys for the group and deletes it.
func (c *Client) LeaveGroup(groupID string) {
	c.groupCrypto.ClearGroupKeys(groupID)
	c.groups.DeleteGroup(groupID)
	c.log.Info("left group", "group", groupID)
}

// handleGroupInvitation imports a group created by a peer. Receiving
// an invitation for a group we already belong to is a no-op.
func (c *Client) handleGroupInvitation(peerID, payload string) {
	inv, err := group.DecodeInvitation(payload)
	if err != nil {
		c.log.Warn("bad group invitation", "peer", peerID, "error", err)
		return
	}
	if c.groups.Group(inv.GroupID) != nil {
		c.log.Debug("already a member, ignoring invitation", "group", inv.GroupID)
		return
	}

	c.mu.Lock()
	deviceID := c.deviceID
	c.mu.Unlock()

	g := &group.Group{
		ID:           inv.GroupID,
		Name:         inv.GroupName,
		SelfDeviceID: deviceID,
		Members:      inv.Members,
		CreatedAt:    time.Now().UTC(),
		CreatedBy:    inv.CreatedBy,
	}
	if !g.HasMember(deviceID) {
		if err := g.AddMember(group.Member{DeviceID: deviceID, DisplayName: c.displayName, JoinedAt: time.Now().UTC()}); err != nil {
			c.log.Warn("cannot join group", "group", inv.GroupID, "error", err)
			return
		}
	}

	for dev, keyB64 := range inv.SenderKeys {
		if err := c.groupCrypto.SetSenderKey(inv.GroupID, dev, keyB64); err != nil {
			c.log.Warn("bad sender key in invitation", "group", inv.GroupID, "device", dev, "error", err)
		}
	}
	if err := c.groupCrypto.SetSenderKey(inv.GroupID, deviceID, inv.InviteeSenderKey); err != nil {
		c.log.Warn("bad invitee sender key", "group", inv.GroupID, "error", err)
		return
	}

	c.groups.SaveGroup(g)
	c.groupInvites.Put(GroupInvite{PeerID: peerID, GroupID: inv.GroupID, GroupName: inv.GroupName})
	c.log.Info("joined group via invitation", "group", inv.GroupID, "name", inv.GroupName, "from", peerID)
}

// handleGroupEnvelope decrypts and validates an inbound group message.
func (c *Client) handleGroupEnvelope(peerID, payload string) {
	env, encrypted, err := group.DecodeEnvelope(payload)
	if err != nil {
		c.log.Warn("bad group envelope", "peer", peerID, "error", err)
		return
	}
	plaintext, err := c.groupCrypto.Decrypt(encrypted, env.GroupID, env.AuthorDeviceID)
	if err != nil {
		c.log.Warn("group decrypt failed", "group", env.GroupID, "author", env.AuthorDeviceID, "error", err)
		return
	}
	m, err := group.MessageFromBytes(plaintext, env.GroupID)
	if err != nil {
		c.log.Warn("bad group message", "group", env.GroupID, "error", err)
		return
	}
	if c.groups.IsDuplicate(env.GroupID, m.ID()) {
		return
	}
	if !c.groups.ValidateSequence(env.GroupID, m.AuthorDeviceID, m.SequenceNumber) {
		return
	}
	c.groups.SaveMessage(m)
	c.groupMessages.Put(m)
}
