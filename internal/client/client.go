// Package client is the high-level orchestrator: it ties the signaling
// client, the WebRTC transport, the crypto service, and the storage
// layers into one API for pairing, messaging, calls, groups, channels,
// and file transfer.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Hamza-Labs-Core/zajel-sub000/internal/channel"
	"github.com/Hamza-Labs-Core/zajel-sub000/internal/config"
	"github.com/Hamza-Labs-Core/zajel-sub000/internal/crypto"
	"github.com/Hamza-Labs-Core/zajel-sub000/internal/filetransfer"
	"github.com/Hamza-Labs-Core/zajel-sub000/internal/group"
	"github.com/Hamza-Labs-Core/zajel-sub000/internal/peerstore"
	"github.com/Hamza-Labs-Core/zajel-sub000/internal/protocol"
	"github.com/Hamza-Labs-Core/zajel-sub000/internal/queue"
	"github.com/Hamza-Labs-Core/zajel-sub000/internal/signaling"
	"github.com/Hamza-Labs-Core/zajel-sub000/internal/webrtc"
)

const (
	pairTimeout   = 120 * time.Second
	signalTimeout = 30 * time.Second
	channelWait   = 30 * time.Second
)

// typingClearDelay is how long a typing indicator stays on without a
// refresh. Overridden in tests.
var typingClearDelay = 5 * time.Second

// Errors for client operations.
var (
	ErrNotConnected  = errors.New("client: not connected to signaling server")
	ErrPeerNotFound  = errors.New("client: not connected to peer")
	ErrNoActiveCall  = errors.New("client: no active call")
	ErrUnexpectedSig = errors.New("client: unexpected signal type")
)

// ConnectedPeer is a peer with an established WebRTC session.
type ConnectedPeer struct {
	PeerID      string
	PublicKey   string
	DisplayName string
	IsInitiator bool
}

// ReceivedMessage is a decrypted 1:1 text message.
type ReceivedMessage struct {
	PeerID    string
	Content   string
	Timestamp time.Time
}

// Receipt is a delivery or read receipt. Kind is "d" or "r".
type Receipt struct {
	PeerID string
	Kind   string
}

// TypingEvent reports a peer starting or stopping typing. Events with
// Typing=false are also emitted automatically when a typing indicator
// goes stale.
type TypingEvent struct {
	PeerID string
	Typing bool
}

// GroupInvite reports an accepted group invitation.
type GroupInvite struct {
	PeerID    string
	GroupID   string
	GroupName string
}

// ChannelContent is decrypted broadcast content from a subscribed
// channel.
type ChannelContent struct {
	ChannelID string
	Payload   *channel.Payload
}

// Client is the headless Zajel client.
type Client struct {
	// AutoAcceptPairs accepts incoming pair requests without asking.
	// Set before Connect.
	AutoAcceptPairs bool

	cfg         *config.ClientConfig
	log         *slog.Logger
	displayName string

	crypto      *crypto.Service
	signaling   *signaling.Client
	store       peerstore.Store
	groups      *group.Store
	groupCrypto *group.CryptoService
	channels    *channel.Service
	transfers   *filetransfer.Service

	// newEngine builds the transport; replaced in tests.
	newEngine func() webrtc.Engine

	mu           sync.Mutex
	engine       webrtc.Engine
	peers        map[string]*ConnectedPeer
	activeCall   *ActiveCall
	typingTimers map[string]*time.Timer
	deviceID     string

	messages       *queue.Queue[ReceivedMessage]
	receipts       *queue.Queue[Receipt]
	typingEvents   *queue.Queue[TypingEvent]
	groupMessages  *queue.Queue[*group.Message]
	groupInvites   *queue.Queue[GroupInvite]
	channelContent *queue.Queue[ChannelContent]

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds a client from configuration. Connect must be called
// before anything else.
func New(cfg *config.ClientConfig, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		cfg:            cfg,
		log:            log.With("component", "client"),
		displayName:    cfg.Identity.DisplayName,
		crypto:         crypto.NewService(),
		groups:         group.NewStore(log),
		groupCrypto:    group.NewCryptoService(),
		channels:       channel.NewService(channel.NewStore(), log),
		peers:          make(map[string]*ConnectedPeer),
		typingTimers:   make(map[string]*time.Timer),
		messages:       queue.New[ReceivedMessage](),
		receipts:       queue.New[Receipt](),
		typingEvents:   queue.New[TypingEvent](),
		groupMessages:  queue.New[*group.Message](),
		groupInvites:   queue.New[GroupInvite](),
		channelContent: queue.New[ChannelContent](),
	}
	c.newEngine = func() webrtc.Engine {
		return webrtc.NewPionEngine(cfg.WebRTC.ICEServers, log)
	}
	return c
}

// PairingCode returns our pairing code once connected.
func (c *Client) PairingCode() string {
	if c.signaling == nil {
		return ""
	}
	return c.signaling.PairingCode
}

// Crypto exposes the crypto service for safety-number display.
func (c *Client) Crypto() *crypto.Service { return c.crypto }

// Connect initializes crypto and storage, connects to the signaling
// server, and returns our pairing code.
func (c *Client) Connect(ctx context.Context) (string, error) {
	if err := c.crypto.Initialize(); err != nil {
		return "", err
	}
	pub, err := c.crypto.PublicKeyBase64()
	if err != nil {
		return "", err
	}

	store, err := peerstore.Open(c.cfg.Storage.PeerDBPath)
	if err != nil {
		return "", err
	}
	c.store = store

	c.transfers, err = filetransfer.NewService(c.crypto, c.sendFileData, c.cfg.Storage.ReceiveDir, c.log)
	if err != nil {
		return "", err
	}

	sig, err := signaling.NewClient(c.cfg.Signaling.URL, c.cfg.Signaling.PairingCode, c.log)
	if err != nil {
		return "", err
	}
	c.signaling = sig

	code, err := sig.Connect(ctx, pub)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.deviceID = code
	c.mu.Unlock()

	c.ctx, c.cancel = context.WithCancel(context.Background())
	if c.AutoAcceptPairs {
		c.wg.Add(1)
		go c.autoAcceptLoop()
	}
	c.wg.Add(1)
	go c.chunkRelayLoop()

	c.log.Info("connected", "name", c.displayName, "code", code)
	return code, nil
}

// Disconnect tears down the peer connection, the signaling session,
// and storage.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Lock()
		engine := c.engine
		c.engine = nil
		c.peers = make(map[string]*ConnectedPeer)
		for _, timer := range c.typingTimers {
			timer.Stop()
		}
		c.mu.Unlock()

		if engine != nil {
			_ = engine.Close()
		}
		if c.signaling != nil {
			c.signaling.Disconnect()
		}
		if c.store != nil {
			_ = c.store.Close()
		}
		c.wg.Wait()
		c.log.Info("disconnected")
	})
}

// ── Pairing ──────────────────────────────────────────────

// PairWith initiates pairing and establishes the WebRTC session.
func (c *Client) PairWith(ctx context.Context, targetCode string) (*ConnectedPeer, error) {
	if c.signaling == nil {
		return nil, ErrNotConnected
	}
	if err := c.signaling.PairWith(targetCode, c.displayName); err != nil {
		return nil, err
	}
	match, err := c.signaling.WaitForPairMatch(ctx, pairTimeout)
	if err != nil {
		return nil, err
	}
	return c.establishConnection(ctx, match)
}

// WaitForPair waits for a completed pairing initiated by a remote peer
// and establishes the WebRTC session.
func (c *Client) WaitForPair(ctx context.Context, timeout time.Duration) (*ConnectedPeer, error) {
	if c.signaling == nil {
		return nil, ErrNotConnected
	}
	match, err := c.signaling.WaitForPairMatch(ctx, timeout)
	if err != nil {
		return nil, err
	}
	return c.establishConnection(ctx, match)
}

// WaitForPairRequest waits for an incoming pair request.
func (c *Client) WaitForPairRequest(timeout time.Duration) (signaling.PairRequest, error) {
	if c.signaling == nil {
		return signaling.PairRequest{}, ErrNotConnected
	}
	return c.signaling.WaitForPairRequest(timeout)
}

// AcceptPair accepts an incoming pair request.
func (c *Client) AcceptPair(req signaling.PairRequest) error {
	return c.signaling.RespondToPair(req.FromCode, true)
}

// RejectPair rejects an incoming pair request.
func (c *Client) RejectPair(req signaling.PairRequest) error {
	return c.signaling.RespondToPair(req.FromCode, false)
}

func (c *Client) autoAcceptLoop() {
	defer c.wg.Done()
	for {
		req, err := c.signaling.WaitForPairRequestContext(c.ctx)
		if err != nil {
			return
		}
		c.log.Info("auto-accepting pair", "from", req.FromCode)
		if err := c.signaling.RespondToPair(req.FromCode, true); err != nil {
			c.log.Error("auto-accept failed", "from", req.FromCode, "error", err)
		}
	}
}

// establishConnection runs the SDP/ICE exchange and the key-exchange
// handshake after a pairing match. Re-pairing with an already-known
// peer replaces the stored peer and its session key.
func (c *Client) establishConnection(ctx context.Context, match signaling.PairMatch) (*ConnectedPeer, error) {
	peerID := match.PeerCode

	c.mu.Lock()
	if _, known := c.peers[peerID]; known {
		c.log.Info("re-pairing with known peer, replacing session", "peer", peerID)
		c.crypto.RemovePeer(peerID)
		delete(c.peers, peerID)
	}
	old := c.engine
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	engine := c.newEngine()
	engine.OnMessage(func(data string) { c.handleMessageData(peerID, data) })
	engine.OnFileData(func(data string) { c.handleFileData(peerID, data) })
	engine.OnICECandidate(func(cand webrtc.ICECandidate) {
		raw, err := json.Marshal(cand)
		if err != nil {
			return
		}
		if err := c.signaling.SendICECandidate(peerID, raw); err != nil {
			c.log.Warn("failed to relay ICE candidate", "peer", peerID, "error", err)
		}
	})

	if err := engine.Start(match.IsInitiator); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.engine = engine
	c.mu.Unlock()

	if err := c.exchangeSDP(engine, match); err != nil {
		return nil, err
	}

	c.wg.Add(1)
	go c.iceCandidateLoop(engine)

	chCtx, cancel := context.WithTimeout(ctx, channelWait)
	defer cancel()
	if err := engine.WaitForMessageChannel(chCtx); err != nil {
		return nil, fmt.Errorf("client: waiting for data channel: %w", err)
	}

	pub, err := c.crypto.PublicKeyBase64()
	if err != nil {
		return nil, err
	}
	handshake, err := json.Marshal(protocol.NewHandshake(pub))
	if err != nil {
		return nil, err
	}
	if err := engine.SendMessage(ctx, string(handshake)); err != nil {
		return nil, err
	}

	peer := &ConnectedPeer{
		PeerID:      peerID,
		PublicKey:   match.PeerPublicKey,
		IsInitiator: match.IsInitiator,
	}
	c.mu.Lock()
	c.peers[peerID] = peer
	c.mu.Unlock()

	now := time.Now().UTC()
	if err := c.store.SavePeer(peerstore.Peer{
		PeerID:      peerID,
		DisplayName: peerID,
		PublicKey:   match.PeerPublicKey,
		TrustedAt:   now,
		LastSeen:    now,
	}); err != nil {
		c.log.Warn("failed to persist peer", "peer", peerID, "error", err)
	}

	c.log.Info("connected to peer", "peer", peerID, "initiator", match.IsInitiator)
	return peer, nil
}

func (c *Client) exchangeSDP(engine webrtc.Engine, match signaling.PairMatch) error {
	if match.IsInitiator {
		sdp, err := engine.CreateOffer()
		if err != nil {
			return err
		}
		if err := c.signaling.SendOffer(match.PeerCode, sdp); err != nil {
			return err
		}
		sig, err := c.waitForSDP(signaling.TypeAnswer)
		if err != nil {
			return err
		}
		return engine.SetRemoteDescription("answer", sig.SDP)
	}

	sig, err := c.waitForSDP(signaling.TypeOffer)
	if err != nil {
		return err
	}
	if err := engine.SetRemoteDescription("offer", sig.SDP); err != nil {
		return err
	}
	sdp, err := engine.CreateAnswer()
	if err != nil {
		return err
	}
	return c.signaling.SendAnswer(match.PeerCode, sdp)
}

// waitForSDP consumes WebRTC signals until the wanted description
// arrives, feeding any early ICE candidates straight to the engine.
func (c *Client) waitForSDP(want signaling.MessageType) (signaling.SessionDescription, error) {
	deadline := time.Now().Add(signalTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return signaling.SessionDescription{}, fmt.Errorf("client: timed out waiting for %s", want)
		}
		sig, err := c.signaling.WaitForWebRTCSignal(remaining)
		if err != nil {
			return signaling.SessionDescription{}, err
		}
		switch sig.SignalType {
		case want:
			var desc signaling.SessionDescription
			if err := json.Unmarshal(sig.Payload, &desc); err != nil {
				return signaling.SessionDescription{}, fmt.Errorf("client: bad %s payload: %w", want, err)
			}
			return desc, nil
		case signaling.TypeICECandidate:
			c.applyRemoteCandidate(sig.Payload)
		default:
			return signaling.SessionDescription{}, fmt.Errorf("%w: got %s, want %s", ErrUnexpectedSig, sig.SignalType, want)
		}
	}
}

func (c *Client) iceCandidateLoop(engine webrtc.Engine) {
	defer c.wg.Done()
	for {
		sig, err := c.signaling.WaitForWebRTCSignalContext(c.ctx)
		if err != nil {
			return
		}
		if sig.SignalType == signaling.TypeICECandidate {
			c.applyRemoteCandidate(sig.Payload)
		}
	}
}

func (c *Client) applyRemoteCandidate(payload json.RawMessage) {
	var cand webrtc.ICECandidate
	if err := json.Unmarshal(payload, &cand); err != nil {
		c.log.Debug("bad ICE candidate payload", "error", err)
		return
	}
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()
	if engine != nil {
		_ = engine.AddICECandidate(cand)
	}
}

// ── Peer management ──────────────────────────────────────

// ConnectedPeers returns the currently connected peers.
func (c *Client) ConnectedPeers() []*ConnectedPeer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*ConnectedPeer, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	return out
}

// BlockPeer blocks a peer, drops the live connection state, and
// zeroizes its session key.
func (c *Client) BlockPeer(peerID string) error {
	if err := c.store.BlockPeer(peerID); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.peers, peerID)
	c.mu.Unlock()
	c.crypto.RemovePeer(peerID)
	c.log.Info("blocked peer", "peer", peerID)
	return nil
}

// UnblockPeer unblocks a previously blocked peer.
func (c *Client) UnblockPeer(peerID string) error {
	return c.store.UnblockPeer(peerID)
}

// TrustedPeers returns all stored, non-blocked peers.
func (c *Client) TrustedPeers() ([]peerstore.Peer, error) {
	return c.store.Peers()
}
