package webrtc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	pion "github.com/pion/webrtc/v4"

	"github.com/Hamza-Labs-Core/zajel-sub000/internal/protocol"
)

// PionEngine is the production Engine backed by pion/webrtc.
type PionEngine struct {
	iceServers []string
	log        *slog.Logger

	mu         sync.Mutex
	pc         *pion.PeerConnection
	msgCh      *pion.DataChannel
	fileCh     *pion.DataChannel
	remoteSet  bool
	pendingICE []ICECandidate

	msgOpen   chan struct{}
	fileOpen  chan struct{}
	connected chan struct{}
	msgOnce   sync.Once
	fileOnce  sync.Once
	connOnce  sync.Once

	onMessage   func(string)
	onFileData  func(string)
	onICE       func(ICECandidate)
	onStateFunc func(string)
}

var _ Engine = (*PionEngine)(nil)

// NewPionEngine builds an engine with the given ICE server URLs.
// Passing none uses DefaultICEServers.
func NewPionEngine(iceServers []string, log *slog.Logger) *PionEngine {
	if len(iceServers) == 0 {
		iceServers = DefaultICEServers
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "webrtc")
	for _, url := range iceServers {
		log.Info("ICE server configured", "url", url)
	}
	return &PionEngine{
		iceServers: iceServers,
		log:        log,
		msgOpen:    make(chan struct{}),
		fileOpen:   make(chan struct{}),
		connected:  make(chan struct{}),
	}
}

func (e *PionEngine) OnMessage(fn func(string))               { e.onMessage = fn }
func (e *PionEngine) OnFileData(fn func(string))              { e.onFileData = fn }
func (e *PionEngine) OnICECandidate(fn func(ICECandidate))    { e.onICE = fn }
func (e *PionEngine) OnConnectionStateChange(fn func(string)) { e.onStateFunc = fn }

func (e *PionEngine) Start(isInitiator bool) error {
	servers := make([]pion.ICEServer, 0, len(e.iceServers))
	for _, url := range e.iceServers {
		servers = append(servers, pion.ICEServer{URLs: []string{url}})
	}

	pc, err := pion.NewPeerConnection(pion.Configuration{ICEServers: servers})
	if err != nil {
		return fmt.Errorf("webrtc: create peer connection: %w", err)
	}

	pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil || e.onICE == nil {
			return
		}
		init := c.ToJSON()
		cand := ICECandidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			cand.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *init.SDPMLineIndex
		}
		e.onICE(cand)
	})

	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		e.log.Info("connection state", "state", state.String())
		if state == pion.PeerConnectionStateConnected {
			e.connOnce.Do(func() { close(e.connected) })
		}
		if e.onStateFunc != nil {
			e.onStateFunc(state.String())
		}
	})

	pc.OnDataChannel(func(dc *pion.DataChannel) {
		e.log.Info("received data channel", "label", dc.Label())
		e.setupChannel(dc)
	})

	e.mu.Lock()
	e.pc = pc
	e.mu.Unlock()

	if isInitiator {
		ordered := true
		init := &pion.DataChannelInit{Ordered: &ordered}
		msgCh, err := pc.CreateDataChannel(protocol.MessageChannelLabel, init)
		if err != nil {
			return fmt.Errorf("webrtc: create messages channel: %w", err)
		}
		fileCh, err := pc.CreateDataChannel(protocol.FileChannelLabel, init)
		if err != nil {
			return fmt.Errorf("webrtc: create files channel: %w", err)
		}
		e.setupChannel(msgCh)
		e.setupChannel(fileCh)
	}

	e.log.Info("created peer connection", "initiator", isInitiator)
	return nil
}

func (e *PionEngine) setupChannel(dc *pion.DataChannel) {
	switch dc.Label() {
	case protocol.MessageChannelLabel:
		e.mu.Lock()
		e.msgCh = dc
		e.mu.Unlock()
		dc.OnOpen(func() {
			e.log.Info("messages channel open")
			e.msgOnce.Do(func() { close(e.msgOpen) })
		})
		dc.OnMessage(func(msg pion.DataChannelMessage) {
			if e.onMessage != nil {
				e.onMessage(string(msg.Data))
			}
		})
		if dc.ReadyState() == pion.DataChannelStateOpen {
			e.msgOnce.Do(func() { close(e.msgOpen) })
		}

	case protocol.FileChannelLabel:
		e.mu.Lock()
		e.fileCh = dc
		e.mu.Unlock()
		dc.OnOpen(func() {
			e.log.Info("files channel open")
			e.fileOnce.Do(func() { close(e.fileOpen) })
		})
		dc.OnMessage(func(msg pion.DataChannelMessage) {
			if e.onFileData != nil {
				e.onFileData(string(msg.Data))
			}
		})
		if dc.ReadyState() == pion.DataChannelStateOpen {
			e.fileOnce.Do(func() { close(e.fileOpen) })
		}

	default:
		e.log.Warn("ignoring unknown data channel", "label", dc.Label())
	}
}

func (e *PionEngine) CreateOffer() (string, error) {
	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()
	if pc == nil {
		return "", ErrNoConnection
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("webrtc: create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("webrtc: set local description: %w", err)
	}
	return pc.LocalDescription().SDP, nil
}

func (e *PionEngine) CreateAnswer() (string, error) {
	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()
	if pc == nil {
		return "", ErrNoConnection
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("webrtc: create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("webrtc: set local description: %w", err)
	}
	return pc.LocalDescription().SDP, nil
}

func (e *PionEngine) SetRemoteDescription(sdpType, sdp string) error {
	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()
	if pc == nil {
		return ErrNoConnection
	}
	desc := pion.SessionDescription{Type: pion.NewSDPType(sdpType), SDP: sdp}
	if err := pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("webrtc: set remote description: %w", err)
	}

	e.mu.Lock()
	e.remoteSet = true
	pending := e.pendingICE
	e.pendingICE = nil
	e.mu.Unlock()

	for _, c := range pending {
		if err := e.AddICECandidate(c); err != nil {
			e.log.Debug("buffered ICE candidate rejected", "error", err)
		}
	}
	return nil
}

func (e *PionEngine) AddICECandidate(c ICECandidate) error {
	if c.Candidate == "" {
		return nil
	}

	e.mu.Lock()
	pc := e.pc
	if pc == nil || !e.remoteSet {
		e.pendingICE = append(e.pendingICE, c)
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	mid := c.SDPMid
	idx := c.SDPMLineIndex
	init := pion.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
	if err := pc.AddICECandidate(init); err != nil {
		// Trickled candidates can race teardown; not fatal.
		e.log.Debug("ICE candidate add error", "error", err)
	}
	return nil
}

func (e *PionEngine) SendMessage(ctx context.Context, data string) error {
	select {
	case <-e.msgOpen:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.mu.Lock()
	dc := e.msgCh
	e.mu.Unlock()
	if dc == nil {
		return ErrChannelClosed
	}
	if err := dc.SendText(data); err != nil {
		return fmt.Errorf("webrtc: send message: %w", err)
	}
	return nil
}

func (e *PionEngine) SendFileData(ctx context.Context, data string) error {
	select {
	case <-e.fileOpen:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.mu.Lock()
	dc := e.fileCh
	e.mu.Unlock()
	if dc == nil {
		return ErrChannelClosed
	}
	if err := dc.SendText(data); err != nil {
		return fmt.Errorf("webrtc: send file data: %w", err)
	}
	return nil
}

func (e *PionEngine) WaitForConnection(ctx context.Context) error {
	select {
	case <-e.connected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *PionEngine) WaitForMessageChannel(ctx context.Context) error {
	select {
	case <-e.msgOpen:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *PionEngine) IsConnected() bool {
	select {
	case <-e.connected:
		e.mu.Lock()
		pc := e.pc
		e.mu.Unlock()
		return pc != nil && pc.ConnectionState() == pion.PeerConnectionStateConnected
	default:
		return false
	}
}

func (e *PionEngine) Close() error {
	e.mu.Lock()
	pc := e.pc
	e.pc = nil
	e.msgCh = nil
	e.fileCh = nil
	e.mu.Unlock()
	if pc != nil {
		if err := pc.Close(); err != nil {
			return fmt.Errorf("webrtc: close: %w", err)
		}
	}
	e.log.Info("connection closed")
	return nil
}
