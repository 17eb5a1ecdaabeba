package signaling

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
)

// Pairing code alphabet, with ambiguous characters removed. Must match
// the mobile app.
const (
	PairingCodeChars  = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	PairingCodeLength = 6
)

// GeneratePairingCode returns a random 6-character pairing code.
func GeneratePairingCode() string {
	code := make([]byte, PairingCodeLength)
	max := big.NewInt(int64(len(PairingCodeChars)))
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(fmt.Sprintf("signaling: rand.Int: %v", err))
		}
		code[i] = PairingCodeChars[n.Int64()]
	}
	return string(code)
}

// MessageType enumerates every control-plane message the server and
// client exchange.
type MessageType string

const (
	TypeRegister   MessageType = "register"
	TypeRegistered MessageType = "registered"
	TypePing       MessageType = "ping"
	TypePong       MessageType = "pong"
	TypeError      MessageType = "error"

	TypePairRequest  MessageType = "pair_request"
	TypePairIncoming MessageType = "pair_incoming"
	TypePairResponse MessageType = "pair_response"
	TypePairMatched  MessageType = "pair_matched"
	TypePairRejected MessageType = "pair_rejected"
	TypePairTimeout  MessageType = "pair_timeout"
	TypePairError    MessageType = "pair_error"

	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice_candidate"

	TypeCallOffer  MessageType = "call_offer"
	TypeCallAnswer MessageType = "call_answer"
	TypeCallReject MessageType = "call_reject"
	TypeCallHangup MessageType = "call_hangup"
	TypeCallICE    MessageType = "call_ice"

	TypeRegisterRendezvous MessageType = "register_rendezvous"
	TypeRendezvousResult   MessageType = "rendezvous_result"
	TypeRendezvousPartial  MessageType = "rendezvous_partial"
	TypeRendezvousMatch    MessageType = "rendezvous_match"

	TypeChannelOwnerRegister   MessageType = "channel-owner-register"
	TypeChannelOwnerRegistered MessageType = "channel-owner-registered"
	TypeChannelSubscribe       MessageType = "channel-subscribe"
	TypeChannelSubscribed      MessageType = "channel-subscribed"

	TypeChunkAnnounce    MessageType = "chunk_announce"
	TypeChunkAnnounceAck MessageType = "chunk_announce_ack"
	TypeChunkAvailable   MessageType = "chunk_available"
	TypeChunkRequest     MessageType = "chunk_request"
	TypeChunkPull        MessageType = "chunk_pull"
	TypeChunkPulling     MessageType = "chunk_pulling"
	TypeChunkPush        MessageType = "chunk_push"
	TypeChunkPushAck     MessageType = "chunk_push_ack"
	TypeChunkData        MessageType = "chunk_data"
	TypeChunkError       MessageType = "chunk_error"
)

// envelope is the minimal shape every inbound message shares.
type envelope struct {
	Type MessageType `json:"type"`
}

// PairRequest is an incoming pair request from another peer.
type PairRequest struct {
	FromCode      string
	FromPublicKey string
	ProposedName  string
}

// PairMatch is a successful pairing: both sides accepted.
type PairMatch struct {
	PeerCode      string
	PeerPublicKey string
	IsInitiator   bool
}

// WebRTCSignal is a relayed offer, answer, or ICE candidate.
type WebRTCSignal struct {
	SignalType MessageType
	FromCode   string
	Payload    json.RawMessage
}

// SessionDescription is the payload of offer and answer signals.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// CallSignal is a relayed call control message; the payload carries the
// call ID plus type-specific fields.
type CallSignal struct {
	SignalType MessageType
	FromCode   string
	Payload    json.RawMessage
}

// RendezvousMatch reports a trusted peer found at a shared meeting
// point.
type RendezvousMatch struct {
	PeerID       string
	RelayID      string
	MeetingPoint string
}

// ChunkEvent is a channel-relay event: a pull request, an availability
// notification, or delivered chunk data. Raw retains the full message
// for fields specific to one event kind.
type ChunkEvent struct {
	Type      MessageType
	ChunkID   string
	ChannelID string
	PeerID    string
	Raw       json.RawMessage
}

// Redirect points at a federated signaling server the client should
// also register on.
type Redirect struct {
	Endpoint string `json:"endpoint"`
}
