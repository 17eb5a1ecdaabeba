package webrtc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopbackMessageDelivery(t *testing.T) {
	a, b := NewLoopbackPair()

	gotMsg := make(chan string, 1)
	gotFile := make(chan string, 1)
	b.OnMessage(func(data string) { gotMsg <- data })
	b.OnFileData(func(data string) { gotFile <- data })

	require.NoError(t, a.Start(true))
	require.NoError(t, b.Start(false))

	ctx := context.Background()
	require.NoError(t, a.SendMessage(ctx, "hello"))
	require.NoError(t, a.SendFileData(ctx, "chunk-data"))

	select {
	case msg := <-gotMsg:
		assert.Equal(t, "hello", msg)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
	select {
	case data := <-gotFile:
		assert.Equal(t, "chunk-data", data)
	case <-time.After(time.Second):
		t.Fatal("file data not delivered")
	}
}

func TestLoopbackBidirectional(t *testing.T) {
	a, b := NewLoopbackPair()

	fromA := make(chan string, 1)
	fromB := make(chan string, 1)
	a.OnMessage(func(data string) { fromB <- data })
	b.OnMessage(func(data string) { fromA <- data })

	require.NoError(t, a.Start(true))

	ctx := context.Background()
	require.NoError(t, a.SendMessage(ctx, "ping"))
	require.NoError(t, b.SendMessage(ctx, "pong"))

	assert.Equal(t, "ping", <-fromA)
	assert.Equal(t, "pong", <-fromB)
}

func TestLoopbackWaitForConnection(t *testing.T) {
	a, b := NewLoopbackPair()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := b.WaitForConnection(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, a.Start(true))
	require.NoError(t, b.WaitForConnection(context.Background()))
	assert.True(t, a.IsConnected())
	assert.True(t, b.IsConnected())
}

func TestLoopbackConnectionStateCallback(t *testing.T) {
	a, b := NewLoopbackPair()

	states := make(chan string, 2)
	a.OnConnectionStateChange(func(state string) { states <- state })

	require.NoError(t, a.Start(true))
	assert.Equal(t, "connected", <-states)
	_ = b

	require.NoError(t, a.Close())
	assert.Equal(t, "closed", <-states)
	assert.False(t, a.IsConnected())
}

func TestLoopbackSendAfterClose(t *testing.T) {
	a, b := NewLoopbackPair()
	require.NoError(t, a.Start(true))
	require.NoError(t, b.Start(false))
	require.NoError(t, a.Close())

	err := a.SendMessage(context.Background(), "too late")
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestPionOfferAnswerExchange(t *testing.T) {
	initiator := NewPionEngine(nil, nil)
	responder := NewPionEngine(nil, nil)
	defer initiator.Close()
	defer responder.Close()

	require.NoError(t, initiator.Start(true))
	require.NoError(t, responder.Start(false))

	offer, err := initiator.CreateOffer()
	require.NoError(t, err)
	assert.Contains(t, offer, "v=0")

	require.NoError(t, responder.SetRemoteDescription("offer", offer))
	answer, err := responder.CreateAnswer()
	require.NoError(t, err)
	assert.Contains(t, answer, "v=0")

	require.NoError(t, initiator.SetRemoteDescription("answer", answer))
}

func TestPionBuffersEarlyCandidates(t *testing.T) {
	e := NewPionEngine(nil, nil)
	defer e.Close()
	require.NoError(t, e.Start(false))

	// Before the remote description these must be buffered, not fail.
	err := e.AddICECandidate(ICECandidate{Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host"})
	assert.NoError(t, err)

	// Empty candidates are end-of-candidates markers.
	assert.NoError(t, e.AddICECandidate(ICECandidate{}))
}

func TestPionRequiresStart(t *testing.T) {
	e := NewPionEngine(nil, nil)
	_, err := e.CreateOffer()
	assert.ErrorIs(t, err, ErrNoConnection)
	assert.False(t, e.IsConnected())
}
