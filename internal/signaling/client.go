// Package signaling implements the WebSocket control plane: pairing,
// WebRTC and call signal relay, rendezvous registration, and the
// channel chunk protocol. One primary connection is maintained with
// heartbeats and reconnection; federation redirects get secondary
// connections with events routed back through the same handlers.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/Hamza-Labs-Core/zajel-sub000/internal/queue"
)

const (
	// HeartbeatInterval is how often a ping is sent on the primary
	// connection.
	HeartbeatInterval = 30 * time.Second

	registerTimeout  = 10 * time.Second
	initialBackoff   = time.Second
	maxBackoff       = 60 * time.Second
	handshakeTimeout = 15 * time.Second
)

// Errors for signaling operations.
var (
	ErrInvalidURL   = errors.New("signaling: invalid server URL, must start with ws:// or wss://")
	ErrNotConnected = errors.New("signaling: not connected")
	ErrPairFailed   = errors.New("signaling: pair error")
	ErrTimeout      = errors.New("signaling: timed out")
)

type redirectConn struct {
	conn *websocket.Conn
	done chan struct{}
}

// Client is a WebSocket signaling client.
type Client struct {
	url         string
	PairingCode string
	log         *slog.Logger

	mu        sync.Mutex
	writeMu   sync.Mutex
	conn      *websocket.Conn
	publicKey string
	connected bool
	closed    bool

	registeredCh chan struct{}
	regOnce      *sync.Once

	done chan struct{}
	wg   sync.WaitGroup

	pairRequests      *queue.Queue[PairRequest]
	pairMatches       *queue.Queue[PairMatch]
	pairRejections    *queue.Queue[string]
	webrtcSignals     *queue.Queue[WebRTCSignal]
	callSignals       *queue.Queue[CallSignal]
	rendezvousMatches *queue.Queue[RendezvousMatch]
	rendezvousResults *queue.Queue[json.RawMessage]
	errorsQ           *queue.Queue[string]
	chunkPulls        *queue.Queue[ChunkEvent]
	chunkAvailable    *queue.Queue[ChunkEvent]
	chunkData         *queue.Queue[ChunkEvent]

	pairErrCh chan string

	redirects  map[string]*redirectConn
	peerToConn map[string]*websocket.Conn
}

// NewClient validates the server URL and prepares a client. An empty
// pairingCode generates a fresh one.
func NewClient(url, pairingCode string, log *slog.Logger) (*Client, error) {
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		return nil, fmt.Errorf("%w: %s", ErrInvalidURL, url)
	}
	if log == nil {
		log = slog.Default()
	}
	if pairingCode == "" {
		pairingCode = GeneratePairingCode()
	}
	return &Client{
		url:               url,
		PairingCode:       pairingCode,
		log:               log.With("component", "signaling"),
		registeredCh:      make(chan struct{}),
		regOnce:           &sync.Once{},
		done:              make(chan struct{}),
		pairRequests:      queue.New[PairRequest](),
		pairMatches:       queue.New[PairMatch](),
		pairRejections:    queue.New[string](),
		webrtcSignals:     queue.New[WebRTCSignal](),
		callSignals:       queue.New[CallSignal](),
		rendezvousMatches: queue.New[RendezvousMatch](),
		rendezvousResults: queue.New[json.RawMessage](),
		errorsQ:           queue.New[string](),
		chunkPulls:        queue.New[ChunkEvent](),
		chunkAvailable:    queue.New[ChunkEvent](),
		chunkData:         queue.New[ChunkEvent](),
		pairErrCh:         make(chan string, 1),
		redirects:         make(map[string]*redirectConn),
		peerToConn:        make(map[string]*websocket.Conn),
	}, nil
}

// IsConnected reports whether the primary connection is up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect dials the server, registers our pairing code and public key,
// and starts the receive and heartbeat loops. Returns the pairing code.
func (c *Client) Connect(ctx context.Context, publicKeyB64 string) (string, error) {
	if strings.HasPrefix(c.url, "ws://") {
		c.log.Warn("INSECURE: unencrypted WebSocket connection; signaling traffic including public keys and pairing codes is visible to network observers",
			"url", c.url)
	}

	c.log.Info("connecting", "url", c.url, "code", c.PairingCode)
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return "", fmt.Errorf("signaling: dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.publicKey = publicKeyB64
	c.connected = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.receiveLoop()

	if err := c.sendRegister(conn); err != nil {
		return "", err
	}

	select {
	case <-c.registeredCh:
	case <-time.After(registerTimeout):
		c.log.Warn("timed out waiting for registered response", "url", c.url)
	case <-ctx.Done():
		return "", ctx.Err()
	}

	c.wg.Add(1)
	go c.heartbeatLoop()

	c.log.Info("connected and registered", "code", c.PairingCode)
	return c.PairingCode, nil
}

func (c *Client) sendRegister(conn *websocket.Conn) error {
	return c.sendOn(conn, map[string]any{
		"type":        TypeRegister,
		"pairingCode": c.PairingCode,
		"publicKey":   c.publicKey,
	})
}

// Disconnect closes all connections and stops background loops.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.connected = false
	close(c.done)
	conn := c.conn
	c.conn = nil
	for _, r := range c.redirects {
		close(r.done)
		_ = r.conn.Close()
	}
	c.redirects = make(map[string]*redirectConn)
	c.peerToConn = make(map[string]*websocket.Conn)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()
	c.log.Info("disconnected")
}

// ConnectToRedirect registers our pairing code on a federated server.
// Called automatically when the registered response carries redirects.
func (c *Client) ConnectToRedirect(endpoint string) error {
	c.mu.Lock()
	if _, ok := c.redirects[endpoint]; ok || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.Dial(endpoint, nil)
	if err != nil {
		c.log.Warn("failed to connect to redirect", "endpoint", endpoint, "error", err)
		return fmt.Errorf("signaling: dial redirect %s: %w", endpoint, err)
	}
	if err := c.sendRegister(conn); err != nil {
		_ = conn.Close()
		return err
	}

	r := &redirectConn{conn: conn, done: make(chan struct{})}
	c.mu.Lock()
	c.redirects[endpoint] = r
	c.mu.Unlock()

	c.wg.Add(1)
	go c.redirectReceiveLoop(endpoint, r)
	c.log.Info("registered on redirect server", "endpoint", endpoint)
	return nil
}

func (c *Client) redirectReceiveLoop(endpoint string, r *redirectConn) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.redirects, endpoint)
		c.mu.Unlock()
	}()
	for {
		_, raw, err := r.conn.ReadMessage()
		if err != nil {
			select {
			case <-r.done:
			case <-c.done:
			default:
				c.log.Info("redirect connection closed", "endpoint", endpoint, "error", err)
			}
			return
		}
		c.handleMessage(raw, r.conn)
	}
}

// ── Pairing ────────────────────────────────────────────────

// PairWith sends a pair request to another peer's code.
func (c *Client) PairWith(targetCode, proposedName string) error {
	select {
	case <-c.pairErrCh:
	default:
	}
	msg := map[string]any{
		"type":       TypePairRequest,
		"targetCode": targetCode,
	}
	if proposedName != "" {
		msg["proposedName"] = proposedName
	}
	if err := c.send(msg); err != nil {
		return err
	}
	c.log.Info("sent pair request", "target", targetCode)
	return nil
}

// RespondToPair accepts or rejects an incoming pair request.
func (c *Client) RespondToPair(targetCode string, accept bool) error {
	err := c.sendToPeer(targetCode, map[string]any{
		"type":       TypePairResponse,
		"targetCode": targetCode,
		"accepted":   accept,
	})
	if err != nil {
		return err
	}
	c.log.Info("responded to pair", "from", targetCode, "accepted", accept)
	return nil
}

// WaitForPairRequest blocks until a pair request arrives.
func (c *Client) WaitForPairRequest(timeout time.Duration) (PairRequest, error) {
	req, err := c.pairRequests.Get(timeout)
	if errors.Is(err, queue.ErrTimeout) {
		return PairRequest{}, fmt.Errorf("%w: pair request", ErrTimeout)
	}
	return req, err
}

// WaitForPairRequestContext blocks until a pair request arrives or the
// context is done.
func (c *Client) WaitForPairRequestContext(ctx context.Context) (PairRequest, error) {
	return c.pairRequests.GetContext(ctx)
}

// WaitForPairMatch blocks until both sides accept. A pair_error from
// the server fails fast instead of burning the whole timeout.
func (c *Client) WaitForPairMatch(ctx context.Context, timeout time.Duration) (PairMatch, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		match PairMatch
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		m, err := c.pairMatches.GetContext(ctx)
		resCh <- result{m, err}
	}()

	select {
	case errMsg := <-c.pairErrCh:
		return PairMatch{}, fmt.Errorf("%w: %s", ErrPairFailed, errMsg)
	case r := <-resCh:
		if errors.Is(r.err, context.DeadlineExceeded) || errors.Is(r.err, queue.ErrTimeout) {
			return PairMatch{}, fmt.Errorf("%w: pair match", ErrTimeout)
		}
		return r.match, r.err
	}
}

// WaitForPairRejection blocks until a peer rejects our pair request.
func (c *Client) WaitForPairRejection(timeout time.Duration) (string, error) {
	code, err := c.pairRejections.Get(timeout)
	if errors.Is(err, queue.ErrTimeout) {
		return "", fmt.Errorf("%w: pair rejection", ErrTimeout)
	}
	return code, err
}

// ── WebRTC signaling relay ─────────────────────────────────

// SendOffer relays a WebRTC offer to a peer.
func (c *Client) SendOffer(target, sdp string) error {
	return c.sendToPeer(target, map[string]any{
		"type":    TypeOffer,
		"target":  target,
		"payload": SessionDescription{Type: "offer", SDP: sdp},
	})
}

// SendAnswer relays a WebRTC answer to a peer.
func (c *Client) SendAnswer(target, sdp string) error {
	return c.sendToPeer(target, map[string]any{
		"type":    TypeAnswer,
		"target":  target,
		"payload": SessionDescription{Type: "answer", SDP: sdp},
	})
}

// SendICECandidate relays an ICE candidate to a peer.
func (c *Client) SendICECandidate(target string, candidate json.RawMessage) error {
	return c.sendToPeer(target, map[string]any{
		"type":    TypeICECandidate,
		"target":  target,
		"payload": candidate,
	})
}

// WaitForWebRTCSignal blocks until an offer, answer, or ICE candidate
// arrives.
func (c *Client) WaitForWebRTCSignal(timeout time.Duration) (WebRTCSignal, error) {
	sig, err := c.webrtcSignals.Get(timeout)
	if errors.Is(err, queue.ErrTimeout) {
		return WebRTCSignal{}, fmt.Errorf("%w: webrtc signal", ErrTimeout)
	}
	return sig, err
}

// WaitForWebRTCSignalContext blocks until a signal arrives or the
// context is done.
func (c *Client) WaitForWebRTCSignalContext(ctx context.Context) (WebRTCSignal, error) {
	return c.webrtcSignals.GetContext(ctx)
}

// ── Call signaling ─────────────────────────────────────────

// SendCallOffer starts a call with a peer.
func (c *Client) SendCallOffer(callID, target, sdp string, withVideo bool) error {
	return c.send(map[string]any{
		"type":   TypeCallOffer,
		"target": target,
		"payload": map[string]any{
			"callId":    callID,
			"sdp":       sdp,
			"withVideo": withVideo,
		},
	})
}

// SendCallAnswer answers an incoming call.
func (c *Client) SendCallAnswer(callID, target, sdp string) error {
	return c.send(map[string]any{
		"type":    TypeCallAnswer,
		"target":  target,
		"payload": map[string]any{"callId": callID, "sdp": sdp},
	})
}

// SendCallReject declines an incoming call.
func (c *Client) SendCallReject(callID, target, reason string) error {
	if reason == "" {
		reason = "declined"
	}
	return c.send(map[string]any{
		"type":    TypeCallReject,
		"target":  target,
		"payload": map[string]any{"callId": callID, "reason": reason},
	})
}

// SendCallHangup ends an active call.
func (c *Client) SendCallHangup(callID, target string) error {
	return c.send(map[string]any{
		"type":    TypeCallHangup,
		"target":  target,
		"payload": map[string]any{"callId": callID},
	})
}

// SendCallICE relays a call ICE candidate.
func (c *Client) SendCallICE(callID, target, candidate string) error {
	return c.send(map[string]any{
		"type":    TypeCallICE,
		"target":  target,
		"payload": map[string]any{"callId": callID, "candidate": candidate},
	})
}

// WaitForCallSignal blocks until a call signal arrives.
func (c *Client) WaitForCallSignal(timeout time.Duration) (CallSignal, error) {
	sig, err := c.callSignals.Get(timeout)
	if errors.Is(err, queue.ErrTimeout) {
		return CallSignal{}, fmt.Errorf("%w: call signal", ErrTimeout)
	}
	return sig, err
}

// ── Rendezvous ─────────────────────────────────────────────

// RegisterRendezvous registers meeting points and dead drops for
// trusted peer reconnection.
func (c *Client) RegisterRendezvous(peerID string, dailyPoints, hourlyTokens []string, deadDrops map[string]any) error {
	if deadDrops == nil {
		deadDrops = map[string]any{}
	}
	return c.send(map[string]any{
		"type":          TypeRegisterRendezvous,
		"peerId":        peerID,
		"daily_points":  dailyPoints,
		"hourly_tokens": hourlyTokens,
		"dead_drops":    deadDrops,
	})
}

// WaitForRendezvousMatch blocks until a live match arrives.
func (c *Client) WaitForRendezvousMatch(timeout time.Duration) (RendezvousMatch, error) {
	m, err := c.rendezvousMatches.Get(timeout)
	if errors.Is(err, queue.ErrTimeout) {
		return RendezvousMatch{}, fmt.Errorf("%w: rendezvous match", ErrTimeout)
	}
	return m, err
}

// WaitForRendezvousResult blocks until a full rendezvous result,
// including dead drops, arrives. The raw JSON is returned for the
// caller to decode.
func (c *Client) WaitForRendezvousResult(timeout time.Duration) (json.RawMessage, error) {
	r, err := c.rendezvousResults.Get(timeout)
	if errors.Is(err, queue.ErrTimeout) {
		return nil, fmt.Errorf("%w: rendezvous result", ErrTimeout)
	}
	return r, err
}

// ── Channel relay ──────────────────────────────────────────

// RegisterChannelOwner registers this client as a channel's owner.
func (c *Client) RegisterChannelOwner(channelID string) error {
	return c.send(map[string]any{
		"type":      TypeChannelOwnerRegister,
		"channelId": channelID,
	})
}

// SubscribeChannel subscribes this client to a channel.
func (c *Client) SubscribeChannel(channelID string) error {
	return c.send(map[string]any{
		"type":      TypeChannelSubscribe,
		"channelId": channelID,
	})
}

// AnnounceChunks tells the relay which chunks we hold.
func (c *Client) AnnounceChunks(peerID, channelID string, chunks []any) error {
	return c.send(map[string]any{
		"type":      TypeChunkAnnounce,
		"peerId":    peerID,
		"channelId": channelID,
		"chunks":    chunks,
	})
}

// PushChunk uploads chunk data in response to a chunk_pull.
func (c *Client) PushChunk(chunkID, channelID string, data any) error {
	return c.send(map[string]any{
		"type":      TypeChunkPush,
		"peerId":    c.PairingCode,
		"chunkId":   chunkID,
		"channelId": channelID,
		"data":      data,
	})
}

// RequestChunk asks the relay for a chunk.
func (c *Client) RequestChunk(peerID, chunkID, channelID string) error {
	return c.send(map[string]any{
		"type":      TypeChunkRequest,
		"peerId":    peerID,
		"chunkId":   chunkID,
		"channelId": channelID,
	})
}

// WaitForChunkPull blocks until the relay asks us for a chunk.
func (c *Client) WaitForChunkPull(timeout time.Duration) (ChunkEvent, error) {
	ev, err := c.chunkPulls.Get(timeout)
	if errors.Is(err, queue.ErrTimeout) {
		return ChunkEvent{}, fmt.Errorf("%w: chunk pull", ErrTimeout)
	}
	return ev, err
}

// WaitForChunkAvailable blocks until the relay announces a chunk.
func (c *Client) WaitForChunkAvailable(timeout time.Duration) (ChunkEvent, error) {
	ev, err := c.chunkAvailable.Get(timeout)
	if errors.Is(err, queue.ErrTimeout) {
		return ChunkEvent{}, fmt.Errorf("%w: chunk available", ErrTimeout)
	}
	return ev, err
}

// WaitForChunkData blocks until chunk data is delivered.
func (c *Client) WaitForChunkData(timeout time.Duration) (ChunkEvent, error) {
	ev, err := c.chunkData.Get(timeout)
	if errors.Is(err, queue.ErrTimeout) {
		return ChunkEvent{}, fmt.Errorf("%w: chunk data", ErrTimeout)
	}
	return ev, err
}

// WaitForChunkPullContext blocks until the relay asks us for a chunk
// or the context is done.
func (c *Client) WaitForChunkPullContext(ctx context.Context) (ChunkEvent, error) {
	return c.chunkPulls.GetContext(ctx)
}

// WaitForChunkAvailableContext blocks until the relay announces a
// chunk or the context is done.
func (c *Client) WaitForChunkAvailableContext(ctx context.Context) (ChunkEvent, error) {
	return c.chunkAvailable.GetContext(ctx)
}

// WaitForChunkDataContext blocks until chunk data is delivered or the
// context is done.
func (c *Client) WaitForChunkDataContext(ctx context.Context) (ChunkEvent, error) {
	return c.chunkData.GetContext(ctx)
}

// SendRaw sends an arbitrary JSON message to the server.
func (c *Client) SendRaw(msg map[string]any) error {
	return c.send(msg)
}

// ── Internal ───────────────────────────────────────────────

func (c *Client) send(msg any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.sendOn(conn, msg)
}

// sendToPeer routes through the connection a peer's events arrived on,
// which matters once federation redirects are in play.
func (c *Client) sendToPeer(peerCode string, msg any) error {
	c.mu.Lock()
	conn, ok := c.peerToConn[peerCode]
	if !ok {
		conn = c.conn
	}
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.sendOn(conn, msg)
}

func (c *Client) sendOn(conn *websocket.Conn, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("signaling: marshal message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("signaling: write: %w", err)
	}
	return nil
}

func (c *Client) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.send(map[string]any{"type": TypePing}); err != nil && !errors.Is(err, ErrNotConnected) {
				c.log.Error("heartbeat failed", "error", err)
			}
		}
	}
}

func (c *Client) receiveLoop() {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				select {
				case <-c.done:
					return
				default:
				}
				c.log.Warn("websocket closed, reconnecting", "error", err)
				break
			}
			c.handleMessage(raw, conn)
		}

		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()

		if !c.reconnect() {
			return
		}
	}
}

// reconnect redials with exponential backoff until it succeeds or the
// client is shut down.
func (c *Client) reconnect() bool {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialBackoff
	bo.MaxInterval = maxBackoff
	bo.MaxElapsedTime = 0

	for {
		wait := bo.NextBackOff()
		select {
		case <-c.done:
			return false
		case <-time.After(wait):
		}

		c.log.Info("reconnecting", "url", c.url)
		dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		conn, _, err := dialer.Dial(c.url, nil)
		if err != nil {
			c.log.Error("reconnect failed", "error", err)
			continue
		}
		if err := c.sendRegister(conn); err != nil {
			c.log.Error("re-register failed", "error", err)
			_ = conn.Close()
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.connected = true
		c.mu.Unlock()
		c.log.Info("reconnected and re-registered", "code", c.PairingCode)
		return true
	}
}

func (c *Client) trackPeerConn(peerCode string, conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.peerToConn[peerCode]; !ok || conn != c.conn {
		c.peerToConn[peerCode] = conn
	}
}

func (c *Client) handleMessage(raw []byte, source *websocket.Conn) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.log.Warn("non-JSON message", "data", truncate(string(raw), 100))
		return
	}
	c.log.Debug("rx", "type", env.Type)

	switch env.Type {
	case TypeRegistered:
		c.regOnce.Do(func() { close(c.registeredCh) })
		var msg struct {
			Redirects []Redirect `json:"redirects"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil {
			for _, r := range msg.Redirects {
				if r.Endpoint != "" {
					go func(endpoint string) {
						_ = c.ConnectToRedirect(endpoint)
					}(r.Endpoint)
				}
			}
		}

	case TypePong:

	case TypePairIncoming:
		var msg struct {
			FromCode      *string `json:"fromCode"`
			FromPublicKey *string `json:"fromPublicKey"`
			ProposedName  string  `json:"proposedName"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil || msg.FromCode == nil || msg.FromPublicKey == nil {
			c.log.Warn("malformed pair_incoming")
			return
		}
		c.trackPeerConn(*msg.FromCode, source)
		c.pairRequests.Put(PairRequest{
			FromCode:      *msg.FromCode,
			FromPublicKey: *msg.FromPublicKey,
			ProposedName:  msg.ProposedName,
		})

	case TypePairMatched:
		var msg struct {
			PeerCode      *string `json:"peerCode"`
			PeerPublicKey *string `json:"peerPublicKey"`
			IsInitiator   *bool   `json:"isInitiator"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil || msg.PeerCode == nil || msg.PeerPublicKey == nil || msg.IsInitiator == nil {
			c.log.Warn("malformed pair_matched")
			return
		}
		c.trackPeerConn(*msg.PeerCode, source)
		c.pairMatches.Put(PairMatch{
			PeerCode:      *msg.PeerCode,
			PeerPublicKey: *msg.PeerPublicKey,
			IsInitiator:   *msg.IsInitiator,
		})

	case TypePairRejected:
		var msg struct {
			PeerCode *string `json:"peerCode"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil || msg.PeerCode == nil {
			c.log.Warn("malformed pair_rejected")
			return
		}
		c.pairRejections.Put(*msg.PeerCode)

	case TypePairTimeout:
		var msg struct {
			PeerCode string `json:"peerCode"`
		}
		_ = json.Unmarshal(raw, &msg)
		c.log.Warn("pair timeout", "peer", msg.PeerCode)

	case TypePairError:
		var msg struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw, &msg)
		if msg.Error == "" {
			msg.Error = "unknown"
		}
		c.log.Error("pair error", "error", msg.Error)
		select {
		case c.pairErrCh <- msg.Error:
		default:
		}
		c.errorsQ.Put(msg.Error)

	case TypeOffer, TypeAnswer, TypeICECandidate:
		var msg struct {
			From    *string         `json:"from"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil || msg.From == nil || msg.Payload == nil {
			c.log.Warn("malformed webrtc signal", "type", env.Type)
			return
		}
		c.trackPeerConn(*msg.From, source)
		c.webrtcSignals.Put(WebRTCSignal{
			SignalType: env.Type,
			FromCode:   *msg.From,
			Payload:    msg.Payload,
		})

	case TypeCallOffer, TypeCallAnswer, TypeCallReject, TypeCallHangup, TypeCallICE:
		var msg struct {
			From    *string         `json:"from"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil || msg.From == nil || msg.Payload == nil {
			c.log.Warn("malformed call signal", "type", env.Type)
			return
		}
		c.callSignals.Put(CallSignal{
			SignalType: env.Type,
			FromCode:   *msg.From,
			Payload:    msg.Payload,
		})

	case TypeRendezvousResult:
		c.queueRendezvous(raw)

	case TypeRendezvousPartial:
		var msg struct {
			Local json.RawMessage `json:"local"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Local == nil {
			return
		}
		c.queueRendezvous(msg.Local)

	case TypeRendezvousMatch:
		var msg struct {
			Match *struct {
				PeerID       string `json:"peerId"`
				RelayID      string `json:"relayId"`
				MeetingPoint string `json:"meetingPoint"`
			} `json:"match"`
			PeerID       string `json:"peerId"`
			RelayID      string `json:"relayId"`
			MeetingPoint string `json:"meetingPoint"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		m := RendezvousMatch{PeerID: msg.PeerID, RelayID: msg.RelayID, MeetingPoint: msg.MeetingPoint}
		if msg.Match != nil {
			m = RendezvousMatch{PeerID: msg.Match.PeerID, RelayID: msg.Match.RelayID, MeetingPoint: msg.Match.MeetingPoint}
		}
		if m.PeerID != "" {
			c.rendezvousMatches.Put(m)
		}

	case TypeChannelOwnerRegistered:
		c.log.Info("registered as channel owner", "message", truncate(string(raw), 120))

	case TypeChannelSubscribed:
		c.log.Info("subscribed to channel", "message", truncate(string(raw), 120))

	case TypeChunkAnnounceAck, TypeChunkPulling, TypeChunkPushAck:
		c.log.Debug("chunk ack", "type", env.Type)

	case TypeChunkPull:
		c.chunkPulls.Put(c.parseChunkEvent(env.Type, raw))

	case TypeChunkAvailable:
		c.chunkAvailable.Put(c.parseChunkEvent(env.Type, raw))

	case TypeChunkData:
		c.chunkData.Put(c.parseChunkEvent(env.Type, raw))

	case TypeChunkError:
		var msg struct {
			ChunkID string `json:"chunkId"`
			Error   string `json:"error"`
		}
		_ = json.Unmarshal(raw, &msg)
		c.log.Warn("chunk error", "chunk_id", msg.ChunkID, "error", msg.Error)

	case TypeError:
		var msg struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &msg)
		if msg.Message == "" {
			msg.Message = "unknown"
		}
		c.log.Error("server error", "message", msg.Message)
		c.errorsQ.Put(msg.Message)

	default:
		c.log.Debug("unhandled message type", "type", env.Type)
	}
}

func (c *Client) queueRendezvous(raw json.RawMessage) {
	var msg struct {
		LiveMatches []struct {
			PeerID  string `json:"peerId"`
			RelayID string `json:"relayId"`
		} `json:"liveMatches"`
	}
	if err := json.Unmarshal(raw, &msg); err == nil {
		for _, m := range msg.LiveMatches {
			c.rendezvousMatches.Put(RendezvousMatch{PeerID: m.PeerID, RelayID: m.RelayID})
		}
	}
	buf := make(json.RawMessage, len(raw))
	copy(buf, raw)
	c.rendezvousResults.Put(buf)
}

func (c *Client) parseChunkEvent(t MessageType, raw []byte) ChunkEvent {
	var msg struct {
		ChunkID   string `json:"chunkId"`
		ChannelID string `json:"channelId"`
		PeerID    string `json:"peerId"`
	}
	_ = json.Unmarshal(raw, &msg)
	buf := make(json.RawMessage, len(raw))
	copy(buf, raw)
	return ChunkEvent{
		Type:      t,
		ChunkID:   msg.ChunkID,
		ChannelID: msg.ChannelID,
		PeerID:    msg.PeerID,
		Raw:       buf,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
