package node

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/datachannel"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	// ChunkChannelLabel is the label of the data channel carrying the file
	ChunkChannelLabel = "chunks"
	// ChunkChannelMaxRetransmits bounds retransmission on the unordered channel
	ChunkChannelMaxRetransmits uint16 = 3
	// DefaultMaxMessageSize bounds a single data channel message. It fits a
	// 256 KiB chunk packet and the manifest of a file of roughly 30 GiB.
	DefaultMaxMessageSize = 16 * 1024 * 1024
)

// WebRTCConfig contains configuration for WebRTC connections
type WebRTCConfig struct {
	STUNServers []string `json:"stun_servers"`
	TURNServers []string `json:"turn_servers"`
	Username    string   `json:"username"`
	Credential  string   `json:"credential"`
	// MaxMessageSize is the largest message either side sends or accepts
	MaxMessageSize int `json:"max_message_size"`
}

// DefaultWebRTCConfig returns a default WebRTC configuration
func DefaultWebRTCConfig() WebRTCConfig {
	return WebRTCConfig{
		STUNServers:    []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"},
		TURNServers:    []string{},
		MaxMessageSize: DefaultMaxMessageSize,
	}
}

func (c WebRTCConfig) messageLimit() int {
	if c.MaxMessageSize <= 0 {
		return DefaultMaxMessageSize
	}
	return c.MaxMessageSize
}

// ICEServers converts the configuration to pion's form
func (c WebRTCConfig) ICEServers() []webrtc.ICEServer {
	iceServers := []webrtc.ICEServer{}

	// Add STUN servers
	if len(c.STUNServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: c.STUNServers,
		})
	}

	// Add TURN servers if configured
	if len(c.TURNServers) > 0 && c.Username != "" && c.Credential != "" {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       c.TURNServers,
			Username:   c.Username,
			Credential: c.Credential,
		})
	}

	return iceServers
}

// PeerTransport is a Transport over a pion PeerConnection. The initiator
// creates the chunk channel; the responder picks it up when it arrives.
type PeerTransport struct {
	logger    *zap.Logger
	initiator bool
	pc        *webrtc.PeerConnection

	mu              sync.Mutex
	dc              *webrtc.DataChannel
	onCandidate     func(webrtc.ICECandidateInit)
	localCandidates []webrtc.ICECandidateInit
	onMessage       func([]byte)
	pendingMessages [][]byte
	remoteSet       bool
	pendingRemote   []webrtc.ICECandidateInit

	readLimit  int
	maxMessage atomic.Int64
	connected  atomic.Bool
	ready      chan struct{}
	readyOnce  sync.Once
	failed     chan struct{}
	failedOnce sync.Once
	closeOnce  sync.Once
}

// NewPeerTransport creates a peer connection for one side of a transfer
func NewPeerTransport(logger *zap.Logger, config WebRTCConfig, initiator bool) (*PeerTransport, error) {
	// Create WebRTC configuration
	rtcConfig := webrtc.Configuration{
		ICEServers:         config.ICEServers(),
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
		BundlePolicy:       webrtc.BundlePolicyBalanced,
		RTCPMuxPolicy:      webrtc.RTCPMuxPolicyRequire,
	}

	// Detached channels are read with a buffer of our own size; pion's read
	// loop stops at 64 KiB. The receive window has to hold a whole message.
	limit := config.messageLimit()
	settings := webrtc.SettingEngine{}
	settings.DetachDataChannels()
	settings.SetSCTPMaxReceiveBufferSize(uint32(2 * limit))

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settings))
	pc, err := api.NewPeerConnection(rtcConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	t := &PeerTransport{
		logger:    logger,
		initiator: initiator,
		pc:        pc,
		readLimit: limit,
		ready:     make(chan struct{}),
		failed:    make(chan struct{}),
	}
	t.maxMessage.Store(int64(limit))

	// Set up event handlers
	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		t.logger.Debug("ICE candidate generated", zap.String("candidate", candidate.String()))

		candidateInit := candidate.ToJSON()
		t.mu.Lock()
		handler := t.onCandidate
		if handler == nil {
			t.localCandidates = append(t.localCandidates, candidateInit)
		}
		t.mu.Unlock()

		if handler != nil {
			handler(candidateInit)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Info("Peer connection state changed", zap.String("state", state.String()))

		switch state {
		case webrtc.PeerConnectionStateConnected:
			t.connected.Store(true)
		case webrtc.PeerConnectionStateFailed:
			t.connected.Store(false)
			t.failedOnce.Do(func() { close(t.failed) })
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			t.connected.Store(false)
		}
	})

	if initiator {
		ordered := false
		maxRetransmits := ChunkChannelMaxRetransmits
		dc, err := pc.CreateDataChannel(ChunkChannelLabel, &webrtc.DataChannelInit{
			Ordered:        &ordered,
			MaxRetransmits: &maxRetransmits,
		})
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to create data channel: %w", err)
		}
		t.attachChannel(dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			t.logger.Info("Data channel received", zap.String("label", dc.Label()))
			if dc.Label() != ChunkChannelLabel {
				return
			}
			t.attachChannel(dc)
		})
	}

	return t, nil
}

func (t *PeerTransport) attachChannel(dc *webrtc.DataChannel) {
	t.mu.Lock()
	t.dc = dc
	t.mu.Unlock()

	dc.OnOpen(func() {
		raw, err := dc.Detach()
		if err != nil {
			t.logger.Error("Failed to detach data channel", zap.Error(err))
			t.failedOnce.Do(func() { close(t.failed) })
			return
		}

		if err := setSCTPMaxMessageSize(t.pc.SCTP(), uint32(t.readLimit)); err != nil {
			t.logger.Warn("Failed to raise SCTP message size",
				zap.Int("max_message_size", DefaultSCTPMessageSize),
				zap.Error(err))
			t.maxMessage.Store(DefaultSCTPMessageSize)
		}

		t.logger.Info("Data channel opened",
			zap.String("label", dc.Label()),
			zap.Int64("max_message_size", t.maxMessage.Load()))

		go t.readLoop(dc.Label(), raw)
		t.readyOnce.Do(func() { close(t.ready) })
	})
}

// readLoop hands every message on the detached channel to the handler
func (t *PeerTransport) readLoop(label string, raw datachannel.ReadWriteCloser) {
	buf := make([]byte, t.readLimit)
	for {
		n, _, err := raw.ReadDataChannel(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Debug("Data channel read stopped", zap.String("label", label), zap.Error(err))
			}
			t.logger.Info("Data channel closed", zap.String("label", label))
			return
		}
		t.deliver(append([]byte(nil), buf[:n]...))
	}
}

func (t *PeerTransport) deliver(data []byte) {
	t.mu.Lock()
	handler := t.onMessage
	if handler == nil {
		t.pendingMessages = append(t.pendingMessages, data)
	}
	t.mu.Unlock()

	if handler != nil {
		handler(data)
	}
}

// CreateOffer implements Transport
func (t *PeerTransport) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}

	// Set local description
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}

	return offer, nil
}

// CreateAnswer implements Transport
func (t *PeerTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}

	// Set local description
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}

	return answer, nil
}

// SetRemoteDescription implements Transport. Candidates queued while no
// remote description was set are applied afterwards.
func (t *PeerTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	t.mu.Lock()
	t.remoteSet = true
	pending := t.pendingRemote
	t.pendingRemote = nil
	t.mu.Unlock()

	for _, c := range pending {
		if err := t.pc.AddICECandidate(c); err != nil {
			t.logger.Warn("Failed to add queued ICE candidate", zap.Error(err))
		}
	}

	return nil
}

// AddICECandidate implements Transport
func (t *PeerTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	t.mu.Lock()
	if !t.remoteSet {
		t.pendingRemote = append(t.pendingRemote, candidate)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

// OnICECandidate implements Transport. Candidates gathered before the
// handler was set are delivered to it immediately.
func (t *PeerTransport) OnICECandidate(handler func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	t.onCandidate = handler
	pending := t.localCandidates
	t.localCandidates = nil
	t.mu.Unlock()

	for _, c := range pending {
		handler(c)
	}
}

// OnMessage implements Transport
func (t *PeerTransport) OnMessage(handler func([]byte)) {
	t.mu.Lock()
	t.onMessage = handler
	pending := t.pendingMessages
	t.pendingMessages = nil
	t.mu.Unlock()

	for _, m := range pending {
		handler(m)
	}
}

// Connected implements Transport
func (t *PeerTransport) Connected() bool {
	return t.connected.Load()
}

// Ready implements Transport
func (t *PeerTransport) Ready() <-chan struct{} {
	return t.ready
}

// Failed implements Transport
func (t *PeerTransport) Failed() <-chan struct{} {
	return t.failed
}

// Channel implements Transport
func (t *PeerTransport) Channel() Channel {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dc == nil {
		return nil
	}
	return &dataChannel{dc: t.dc, maxMessage: &t.maxMessage}
}

// Close implements Transport
func (t *PeerTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		dc := t.dc
		t.mu.Unlock()

		if dc != nil && dc.ReadyState() != webrtc.DataChannelStateClosed {
			dc.Close()
		}

		if closeErr := t.pc.Close(); closeErr != nil {
			err = fmt.Errorf("failed to close peer connection: %w", closeErr)
		}
	})
	return err
}

// errChannelNotOpen is returned when writing to a channel that is not open
var errChannelNotOpen = errors.New("data channel is not open")

// dataChannel adapts a pion data channel to Channel
type dataChannel struct {
	dc         *webrtc.DataChannel
	maxMessage *atomic.Int64
}

func (d *dataChannel) Send(data []byte) error {
	if d.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return errChannelNotOpen
	}
	return d.dc.Send(data)
}

func (d *dataChannel) SendText(text string) error {
	if d.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return errChannelNotOpen
	}
	return d.dc.SendText(text)
}

func (d *dataChannel) BufferedAmount() uint64 {
	return d.dc.BufferedAmount()
}

func (d *dataChannel) MaxMessageSize() int {
	return int(d.maxMessage.Load())
}
