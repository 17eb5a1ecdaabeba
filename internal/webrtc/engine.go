// Package webrtc provides the peer-to-peer transport: two ordered
// reliable data channels ("messages" and "files") over a WebRTC peer
// connection. The Engine interface keeps the rest of the client
// independent of the underlying implementation so tests can run
// against an in-memory loopback pair.
package webrtc

import (
	"context"
	"errors"
)

// DefaultICEServers is used when no ICE servers are configured.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

// Errors for the transport layer.
var (
	ErrNoConnection  = errors.New("webrtc: no peer connection")
	ErrChannelClosed = errors.New("webrtc: data channel closed")
)

// ICECandidate is an ICE candidate as exchanged over signaling.
type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// Engine is a peer-to-peer transport endpoint. Start must be called
// before any other method. The initiator creates the data channels and
// the offer; the responder receives both.
type Engine interface {
	// Start creates the peer connection. The initiator also creates
	// the messages and files data channels.
	Start(isInitiator bool) error

	// CreateOffer produces a local SDP offer.
	CreateOffer() (string, error)

	// CreateAnswer produces a local SDP answer. The remote offer must
	// already be set.
	CreateAnswer() (string, error)

	// SetRemoteDescription applies the remote offer or answer.
	// sdpType is "offer" or "answer".
	SetRemoteDescription(sdpType, sdp string) error

	// AddICECandidate applies a remote ICE candidate. Candidates that
	// arrive before the remote description are buffered.
	AddICECandidate(c ICECandidate) error

	// SendMessage sends data on the messages channel, waiting for it
	// to open first.
	SendMessage(ctx context.Context, data string) error

	// SendFileData sends data on the files channel, waiting for it to
	// open first.
	SendFileData(ctx context.Context, data string) error

	// WaitForConnection blocks until the connection is established.
	WaitForConnection(ctx context.Context) error

	// WaitForMessageChannel blocks until the messages channel is open.
	WaitForMessageChannel(ctx context.Context) error

	// OnMessage registers the handler for inbound messages-channel
	// data. Must be called before Start.
	OnMessage(fn func(data string))

	// OnFileData registers the handler for inbound files-channel data.
	// Must be called before Start.
	OnFileData(fn func(data string))

	// OnICECandidate registers the handler for locally gathered
	// candidates. Must be called before Start.
	OnICECandidate(fn func(c ICECandidate))

	// OnConnectionStateChange registers the handler for connection
	// state transitions ("connected", "failed", "closed", ...).
	OnConnectionStateChange(fn func(state string))

	// IsConnected reports whether the connection is established.
	IsConnected() bool

	// Close tears down the connection and channels.
	Close() error
}
