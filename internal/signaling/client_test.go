package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient("wss://signal.example.com/ws", "", nil)
	require.NoError(t, err)
	return c
}

func TestGeneratePairingCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code := GeneratePairingCode()
		assert.Len(t, code, PairingCodeLength)
		for _, r := range code {
			assert.Contains(t, PairingCodeChars, string(r))
		}
		seen[code] = true
	}
	assert.Greater(t, len(seen), 40, "codes should be random")
}

func TestNewClientValidatesURL(t *testing.T) {
	_, err := NewClient("http://example.com", "", nil)
	assert.ErrorIs(t, err, ErrInvalidURL)

	_, err = NewClient("example.com/ws", "", nil)
	assert.ErrorIs(t, err, ErrInvalidURL)

	c, err := NewClient("ws://localhost:8080", "ABCDEF", nil)
	require.NoError(t, err)
	assert.Equal(t, "ABCDEF", c.PairingCode)

	_, err = NewClient("wss://signal.example.com/ws", "", nil)
	assert.NoError(t, err)
}

func TestHandlePairIncoming(t *testing.T) {
	c := newTestClient(t)

	c.handleMessage([]byte(`{"type":"pair_incoming","fromCode":"AAAAAA","fromPublicKey":"pk1","proposedName":"alice"}`), nil)

	req, err := c.WaitForPairRequest(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "AAAAAA", req.FromCode)
	assert.Equal(t, "pk1", req.FromPublicKey)
	assert.Equal(t, "alice", req.ProposedName)
}

func TestHandlePairIncomingMissingFields(t *testing.T) {
	c := newTestClient(t)

	c.handleMessage([]byte(`{"type":"pair_incoming","proposedName":"alice"}`), nil)

	_, err := c.WaitForPairRequest(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestHandlePairMatched(t *testing.T) {
	c := newTestClient(t)

	c.handleMessage([]byte(`{"type":"pair_matched","peerCode":"BBBBBB","peerPublicKey":"pk2","isInitiator":true}`), nil)

	m, err := c.WaitForPairMatch(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "BBBBBB", m.PeerCode)
	assert.Equal(t, "pk2", m.PeerPublicKey)
	assert.True(t, m.IsInitiator)
}

func TestPairErrorFastPath(t *testing.T) {
	c := newTestClient(t)

	go func() {
		time.Sleep(20 * time.Millisecond)
		c.handleMessage([]byte(`{"type":"pair_error","error":"Target not found"}`), nil)
	}()

	start := time.Now()
	_, err := c.WaitForPairMatch(context.Background(), 10*time.Second)
	require.ErrorIs(t, err, ErrPairFailed)
	assert.Contains(t, err.Error(), "Target not found")
	assert.Less(t, time.Since(start), 5*time.Second, "pair_error should fail fast")
}

func TestWaitForPairMatchTimeout(t *testing.T) {
	c := newTestClient(t)

	_, err := c.WaitForPairMatch(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestHandlePairRejected(t *testing.T) {
	c := newTestClient(t)

	c.handleMessage([]byte(`{"type":"pair_rejected","peerCode":"CCCCCC"}`), nil)

	code, err := c.WaitForPairRejection(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "CCCCCC", code)
}

func TestHandleWebRTCSignals(t *testing.T) {
	c := newTestClient(t)

	c.handleMessage([]byte(`{"type":"offer","from":"DDDDDD","payload":{"type":"offer","sdp":"v=0 offer"}}`), nil)
	c.handleMessage([]byte(`{"type":"ice_candidate","from":"DDDDDD","payload":{"candidate":"candidate:1"}}`), nil)

	sig, err := c.WaitForWebRTCSignal(time.Second)
	require.NoError(t, err)
	assert.Equal(t, TypeOffer, sig.SignalType)
	assert.Equal(t, "DDDDDD", sig.FromCode)

	var sd SessionDescription
	require.NoError(t, json.Unmarshal(sig.Payload, &sd))
	assert.Equal(t, "offer", sd.Type)
	assert.Equal(t, "v=0 offer", sd.SDP)

	sig, err = c.WaitForWebRTCSignal(time.Second)
	require.NoError(t, err)
	assert.Equal(t, TypeICECandidate, sig.SignalType)
}

func TestHandleCallSignal(t *testing.T) {
	c := newTestClient(t)

	c.handleMessage([]byte(`{"type":"call_offer","from":"EEEEEE","payload":{"callId":"c1","sdp":"v=0","withVideo":false}}`), nil)

	sig, err := c.WaitForCallSignal(time.Second)
	require.NoError(t, err)
	assert.Equal(t, TypeCallOffer, sig.SignalType)
	assert.Equal(t, "EEEEEE", sig.FromCode)

	var payload struct {
		CallID string `json:"callId"`
	}
	require.NoError(t, json.Unmarshal(sig.Payload, &payload))
	assert.Equal(t, "c1", payload.CallID)
}

func TestHandleRendezvousResult(t *testing.T) {
	c := newTestClient(t)

	c.handleMessage([]byte(`{"type":"rendezvous_result","liveMatches":[{"peerId":"peer1","relayId":"relay1"}],"deadDrops":[]}`), nil)

	m, err := c.WaitForRendezvousMatch(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "peer1", m.PeerID)
	assert.Equal(t, "relay1", m.RelayID)

	raw, err := c.WaitForRendezvousResult(time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "liveMatches")
}

func TestHandleRendezvousMatchShapes(t *testing.T) {
	c := newTestClient(t)

	c.handleMessage([]byte(`{"type":"rendezvous_match","match":{"peerId":"p1","relayId":"r1","meetingPoint":"mp1"}}`), nil)
	c.handleMessage([]byte(`{"type":"rendezvous_match","peerId":"p2","meetingPoint":"mp2"}`), nil)

	m, err := c.WaitForRendezvousMatch(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "p1", m.PeerID)
	assert.Equal(t, "mp1", m.MeetingPoint)

	m, err = c.WaitForRendezvousMatch(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "p2", m.PeerID)
}

func TestHandleChunkEvents(t *testing.T) {
	c := newTestClient(t)

	c.handleMessage([]byte(`{"type":"chunk_pull","chunkId":"ch_1","channelId":"chan1"}`), nil)
	c.handleMessage([]byte(`{"type":"chunk_available","chunkId":"ch_2","channelId":"chan1","peerId":"peer1"}`), nil)
	c.handleMessage([]byte(`{"type":"chunk_data","chunkId":"ch_2","channelId":"chan1","data":{"chunk_id":"ch_2"}}`), nil)

	pull, err := c.WaitForChunkPull(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ch_1", pull.ChunkID)

	avail, err := c.WaitForChunkAvailable(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ch_2", avail.ChunkID)
	assert.Equal(t, "peer1", avail.PeerID)

	data, err := c.WaitForChunkData(time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(data.Raw), "chunk_id")
}

func TestHandleGarbage(t *testing.T) {
	c := newTestClient(t)

	c.handleMessage([]byte(`not json at all`), nil)
	c.handleMessage([]byte(`{"type":"something_unknown"}`), nil)
	c.handleMessage([]byte(`{"type":"error","message":"bad request"}`), nil)
}

// testServer is a minimal in-process signaling server for connection
// level tests.
type testServer struct {
	t        *testing.T
	upgrader websocket.Upgrader
	mu       sync.Mutex
	received []map[string]any
}

func (s *testServer) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		s.mu.Lock()
		s.received = append(s.received, msg)
		s.mu.Unlock()
		switch msg["type"] {
		case "register":
			_ = conn.WriteJSON(map[string]any{"type": "registered"})
		case "ping":
			_ = conn.WriteJSON(map[string]any{"type": "pong"})
		case "pair_request":
			_ = conn.WriteJSON(map[string]any{
				"type":          "pair_matched",
				"peerCode":      msg["targetCode"],
				"peerPublicKey": "peer-key",
				"isInitiator":   true,
			})
		}
	}
}

func (s *testServer) messageTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.received))
	for _, m := range s.received {
		if t, ok := m["type"].(string); ok {
			types = append(types, t)
		}
	}
	return types
}

func startTestServer(t *testing.T) (*testServer, string) {
	t.Helper()
	s := &testServer{t: t}
	srv := httptest.NewServer(http.HandlerFunc(s.handler))
	t.Cleanup(srv.Close)
	return s, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnectAndRegister(t *testing.T) {
	srv, url := startTestServer(t)

	c, err := NewClient(url, "TESTAA", nil)
	require.NoError(t, err)

	code, err := c.Connect(context.Background(), "my-public-key")
	require.NoError(t, err)
	defer c.Disconnect()

	assert.Equal(t, "TESTAA", code)
	assert.True(t, c.IsConnected())

	types := srv.messageTypes()
	require.NotEmpty(t, types)
	assert.Equal(t, "register", types[0])

	srv.mu.Lock()
	reg := srv.received[0]
	srv.mu.Unlock()
	assert.Equal(t, "TESTAA", reg["pairingCode"])
	assert.Equal(t, "my-public-key", reg["publicKey"])
}

func TestPairOverWire(t *testing.T) {
	_, url := startTestServer(t)

	c, err := NewClient(url, "TESTBB", nil)
	require.NoError(t, err)
	_, err = c.Connect(context.Background(), "pk")
	require.NoError(t, err)
	defer c.Disconnect()

	require.NoError(t, c.PairWith("TESTCC", "bob"))

	m, err := c.WaitForPairMatch(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "TESTCC", m.PeerCode)
	assert.Equal(t, "peer-key", m.PeerPublicKey)
	assert.True(t, m.IsInitiator)
}

func TestDisconnectIdempotent(t *testing.T) {
	_, url := startTestServer(t)

	c, err := NewClient(url, "", nil)
	require.NoError(t, err)
	_, err = c.Connect(context.Background(), "pk")
	require.NoError(t, err)

	c.Disconnect()
	c.Disconnect()
	assert.False(t, c.IsConnected())
}

func TestSendWithoutConnection(t *testing.T) {
	c := newTestClient(t)

	err := c.PairWith("TESTDD", "")
	assert.ErrorIs(t, err, ErrNotConnected)
}
