package webrtc

import (
	"context"
	"sync"
)

// LoopbackEngine is an in-memory Engine. NewLoopbackPair wires two of
// them together so data sent on one side's channels arrives at the
// other side's handlers. Used by tests and by higher layers that need
// a transport without real network I/O.
type LoopbackEngine struct {
	mu     sync.Mutex
	peer   *LoopbackEngine
	open   bool
	closed bool

	openCh chan struct{}

	onMessage   func(string)
	onFileData  func(string)
	onICE       func(ICECandidate)
	onStateFunc func(string)
}

var _ Engine = (*LoopbackEngine)(nil)

// NewLoopbackPair returns two connected engines. The channels open on
// the initiator's Start.
func NewLoopbackPair() (*LoopbackEngine, *LoopbackEngine) {
	a := &LoopbackEngine{openCh: make(chan struct{})}
	b := &LoopbackEngine{openCh: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

func (e *LoopbackEngine) OnMessage(fn func(string))               { e.onMessage = fn }
func (e *LoopbackEngine) OnFileData(fn func(string))              { e.onFileData = fn }
func (e *LoopbackEngine) OnICECandidate(fn func(ICECandidate))    { e.onICE = fn }
func (e *LoopbackEngine) OnConnectionStateChange(fn func(string)) { e.onStateFunc = fn }

func (e *LoopbackEngine) Start(isInitiator bool) error {
	if isInitiator {
		e.markOpen()
		e.peer.markOpen()
	}
	return nil
}

func (e *LoopbackEngine) markOpen() {
	e.mu.Lock()
	if e.open || e.closed {
		e.mu.Unlock()
		return
	}
	e.open = true
	close(e.openCh)
	fn := e.onStateFunc
	e.mu.Unlock()
	if fn != nil {
		fn("connected")
	}
}

func (e *LoopbackEngine) CreateOffer() (string, error)  { return "v=0 loopback-offer", nil }
func (e *LoopbackEngine) CreateAnswer() (string, error) { return "v=0 loopback-answer", nil }

func (e *LoopbackEngine) SetRemoteDescription(sdpType, sdp string) error { return nil }

func (e *LoopbackEngine) AddICECandidate(c ICECandidate) error { return nil }

func (e *LoopbackEngine) SendMessage(ctx context.Context, data string) error {
	return e.deliver(ctx, data, func(p *LoopbackEngine) func(string) { return p.onMessage })
}

func (e *LoopbackEngine) SendFileData(ctx context.Context, data string) error {
	return e.deliver(ctx, data, func(p *LoopbackEngine) func(string) { return p.onFileData })
}

func (e *LoopbackEngine) deliver(ctx context.Context, data string, handler func(*LoopbackEngine) func(string)) error {
	select {
	case <-e.openCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.mu.Lock()
	closed := e.closed
	peer := e.peer
	e.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	if fn := handler(peer); fn != nil {
		fn(data)
	}
	return nil
}

func (e *LoopbackEngine) WaitForConnection(ctx context.Context) error {
	select {
	case <-e.openCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *LoopbackEngine) WaitForMessageChannel(ctx context.Context) error {
	return e.WaitForConnection(ctx)
}

func (e *LoopbackEngine) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open && !e.closed
}

func (e *LoopbackEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	fn := e.onStateFunc
	e.mu.Unlock()
	if fn != nil {
		fn("closed")
	}
	return nil
}
