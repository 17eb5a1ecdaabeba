package client

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Hamza-Labs-Core/zajel-sub000/internal/crypto"
	"github.com/Hamza-Labs-Core/zajel-sub000/internal/deaddrop"
	"github.com/Hamza-Labs-Core/zajel-sub000/internal/peerstore"
)

// Day offsets registered to tolerate clock skew at day boundaries.
var rendezvousOffsets = []int{-1, 0, 1}

// RendezvousPeer is a trusted peer found through the rendezvous
// protocol, either live or via a dead drop.
type RendezvousPeer struct {
	PeerID string
	Live   bool
	Info   deaddrop.ConnectionInfo
	Match  deaddrop.LiveMatch
}

// RegisterRendezvous derives meeting points and hourly tokens for
// every trusted peer and registers them with the signaling server,
// leaving an encrypted dead drop for each peer that shares a session
// key.
func (c *Client) RegisterRendezvous() error {
	if c.signaling == nil {
		return ErrNotConnected
	}
	peers, err := c.store.Peers()
	if err != nil {
		return err
	}

	stableID, err := c.crypto.StableID()
	if err != nil {
		return err
	}
	pub, err := c.crypto.PublicKeyBase64()
	if err != nil {
		return err
	}
	info := deaddrop.NewConnectionInfo(pub)

	var dailyPoints, hourlyTokens []string
	deadDrops := make(map[string]any)

	for _, p := range peers {
		pubBytes, err := base64.StdEncoding.DecodeString(p.PublicKey)
		if err != nil {
			c.log.Warn("bad stored public key", "peer", p.PeerID, "error", err)
			continue
		}
		points, err := c.crypto.DeriveDailyPoints(pubBytes, rendezvousOffsets)
		if err != nil {
			c.log.Warn("cannot derive meeting points", "peer", p.PeerID, "error", err)
			continue
		}
		dailyPoints = append(dailyPoints, points...)

		if key := c.crypto.SessionKey(p.PeerID); key != nil {
			hourlyTokens = append(hourlyTokens, crypto.DeriveHourlyTokens(key, rendezvousOffsets)...)
		}

		if c.crypto.HasSessionKey(p.PeerID) {
			envelope, err := deaddrop.Create(c.crypto, p.PeerID, info)
			if err != nil {
				c.log.Warn("dead drop creation failed", "peer", p.PeerID, "error", err)
				continue
			}
			for _, point := range points {
				deadDrops[point] = envelope
			}
		}
	}

	if err := c.signaling.RegisterRendezvous(stableID, dailyPoints, hourlyTokens, deadDrops); err != nil {
		return err
	}
	c.log.Info("registered rendezvous",
		"points", len(dailyPoints),
		"tokens", len(hourlyTokens),
		"dead_drops", len(deadDrops))
	return nil
}

// CheckRendezvous waits for the rendezvous result and resolves every
// match: live matches are passed through, dead drops are decrypted by
// trying each trusted peer's session key.
func (c *Client) CheckRendezvous(timeout time.Duration) ([]RendezvousPeer, error) {
	raw, err := c.signaling.WaitForRendezvousResult(timeout)
	if err != nil {
		return nil, err
	}
	var result deaddrop.RendezvousResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("client: bad rendezvous result: %w", err)
	}

	peers, err := c.store.Peers()
	if err != nil {
		return nil, err
	}

	var found []RendezvousPeer
	for _, m := range result.LiveMatches {
		found = append(found, RendezvousPeer{PeerID: m.PeerID, Live: true, Match: m})
	}
	for _, dd := range result.DeadDrops {
		peerID, info, ok := c.openDeadDrop(peers, dd)
		if !ok {
			c.log.Debug("undecryptable dead drop", "meeting_point", dd.MeetingPoint)
			continue
		}
		found = append(found, RendezvousPeer{PeerID: peerID, Info: info})
	}
	return found, nil
}

// openDeadDrop tries every trusted peer's session key against a dead
// drop envelope.
func (c *Client) openDeadDrop(peers []peerstore.Peer, dd deaddrop.DeadDrop) (string, deaddrop.ConnectionInfo, bool) {
	if dd.PeerID != "" {
		info, err := deaddrop.Decrypt(c.crypto, dd.PeerID, dd.EncryptedPayload)
		if err == nil {
			return dd.PeerID, info, true
		}
	}
	for _, p := range peers {
		if !c.crypto.HasSessionKey(p.PeerID) {
			continue
		}
		info, err := deaddrop.Decrypt(c.crypto, p.PeerID, dd.EncryptedPayload)
		if err != nil {
			continue
		}
		return p.PeerID, info, true
	}
	return "", deaddrop.ConnectionInfo{}, false
}
