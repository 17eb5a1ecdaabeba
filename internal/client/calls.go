package client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Hamza-Labs-Core/zajel-sub000/internal/signaling"
)

// ActiveCall tracks an in-progress call. Media tracks are out of
// scope; the SDP and call control messages are relayed in full so
// media-capable peers can negotiate.
type ActiveCall struct {
	CallID     string
	PeerID     string
	WithVideo  bool
	IsOutgoing bool
}

type callPayload struct {
	CallID    string `json:"callId"`
	SDP       string `json:"sdp"`
	WithVideo bool   `json:"withVideo"`
	Reason    string `json:"reason"`
}

// Call starts a call with a connected peer.
func (c *Client) Call(peerID string, withVideo bool) (*ActiveCall, error) {
	c.mu.Lock()
	_, connected := c.peers[peerID]
	engine := c.engine
	c.mu.Unlock()
	if !connected || engine == nil {
		return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}

	sdp, err := engine.CreateOffer()
	if err != nil {
		return nil, err
	}
	call := &ActiveCall{
		CallID:     uuid.NewString(),
		PeerID:     peerID,
		WithVideo:  withVideo,
		IsOutgoing: true,
	}
	if err := c.signaling.SendCallOffer(call.CallID, peerID, sdp, withVideo); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.activeCall = call
	c.mu.Unlock()
	c.log.Info("calling", "peer", peerID, "call", call.CallID, "video", withVideo)
	return call, nil
}

// WaitForCall waits for an incoming call offer and applies its SDP.
func (c *Client) WaitForCall(timeout time.Duration) (*ActiveCall, error) {
	sig, err := c.signaling.WaitForCallSignal(timeout)
	if err != nil {
		return nil, err
	}
	if sig.SignalType != signaling.TypeCallOffer {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrUnexpectedSig, sig.SignalType, signaling.TypeCallOffer)
	}
	var payload callPayload
	if err := json.Unmarshal(sig.Payload, &payload); err != nil {
		return nil, fmt.Errorf("client: bad call offer payload: %w", err)
	}

	call := &ActiveCall{
		CallID:     payload.CallID,
		PeerID:     sig.FromCode,
		WithVideo:  payload.WithVideo,
		IsOutgoing: false,
	}

	c.mu.Lock()
	engine := c.engine
	c.activeCall = call
	c.mu.Unlock()
	if engine != nil && payload.SDP != "" {
		if err := engine.SetRemoteDescription("offer", payload.SDP); err != nil {
			return nil, err
		}
	}

	c.log.Info("incoming call", "peer", call.PeerID, "call", call.CallID, "video", call.WithVideo)
	return call, nil
}

// AcceptCall answers the active incoming call.
func (c *Client) AcceptCall() error {
	c.mu.Lock()
	call := c.activeCall
	engine := c.engine
	c.mu.Unlock()
	if call == nil {
		return ErrNoActiveCall
	}
	if engine == nil {
		return ErrPeerNotFound
	}
	sdp, err := engine.CreateAnswer()
	if err != nil {
		return err
	}
	return c.signaling.SendCallAnswer(call.CallID, call.PeerID, sdp)
}

// RejectCall declines the active incoming call.
func (c *Client) RejectCall() error {
	c.mu.Lock()
	call := c.activeCall
	c.activeCall = nil
	c.mu.Unlock()
	if call == nil {
		return nil
	}
	return c.signaling.SendCallReject(call.CallID, call.PeerID, "declined")
}

// Hangup ends the active call.
func (c *Client) Hangup() error {
	c.mu.Lock()
	call := c.activeCall
	c.activeCall = nil
	c.mu.Unlock()
	if call == nil {
		return nil
	}
	return c.signaling.SendCallHangup(call.CallID, call.PeerID)
}

// ActiveCallInfo returns the current call, or nil.
func (c *Client) ActiveCallInfo() *ActiveCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeCall
}
