package node

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TFMV/furydrop/common"
	"github.com/TFMV/furydrop/file"
	"github.com/TFMV/furydrop/signal"
)

var (
	errFakeSend  = errors.New("fake send failure")
	errFakeRelay = errors.New("fake relay failure")
)

// fakeTransport is an in-memory Transport. A pair of them connects once each
// side has both descriptions and at least one remote candidate.
type fakeTransport struct {
	name string
	peer *fakeTransport

	mu               sync.Mutex
	onCandidate      func(webrtc.ICECandidateInit)
	gathered         []webrtc.ICECandidateInit
	onMessage        func([]byte)
	pending          [][]byte
	localSet         bool
	remoteSet        bool
	remoteCandidates []webrtc.ICECandidateInit
	failOnRemote     bool

	connected  atomic.Bool
	ready      chan struct{}
	readyOnce  sync.Once
	failed     chan struct{}
	failedOnce sync.Once
	closed     atomic.Bool

	channel *fakeChannel
}

func newFakeTransport(name string) *fakeTransport {
	t := &fakeTransport{
		name:   name,
		ready:  make(chan struct{}),
		failed: make(chan struct{}),
	}
	t.channel = &fakeChannel{owner: t}
	return t
}

// newFakePair returns two transports whose channels deliver to each other
func newFakePair() (*fakeTransport, *fakeTransport) {
	host := newFakeTransport("host")
	guest := newFakeTransport("guest")
	host.peer = guest
	guest.peer = host
	return host, guest
}

func (t *fakeTransport) gather() {
	candidate := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 5000 typ host " + t.name}

	t.mu.Lock()
	handler := t.onCandidate
	if handler == nil {
		t.gathered = append(t.gathered, candidate)
	}
	t.mu.Unlock()

	if handler != nil {
		handler(candidate)
	}
}

func (t *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	t.localSet = true
	t.mu.Unlock()

	t.gather()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 " + t.name}, nil
}

func (t *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	t.localSet = true
	t.mu.Unlock()

	t.gather()
	t.maybeConnect()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 " + t.name}, nil
}

func (t *fakeTransport) SetRemoteDescription(webrtc.SessionDescription) error {
	t.mu.Lock()
	t.remoteSet = true
	fail := t.failOnRemote
	t.mu.Unlock()

	if fail {
		t.fail()
		return nil
	}
	t.maybeConnect()
	return nil
}

func (t *fakeTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	t.mu.Lock()
	if !t.remoteSet {
		t.mu.Unlock()
		return errors.New("remote description not set")
	}
	t.remoteCandidates = append(t.remoteCandidates, candidate)
	t.mu.Unlock()

	t.maybeConnect()
	return nil
}

func (t *fakeTransport) maybeConnect() {
	t.mu.Lock()
	up := t.localSet && t.remoteSet && len(t.remoteCandidates) > 0
	t.mu.Unlock()

	if up {
		t.connected.Store(true)
		t.readyOnce.Do(func() { close(t.ready) })
	}
}

func (t *fakeTransport) fail() {
	t.failedOnce.Do(func() { close(t.failed) })
}

func (t *fakeTransport) OnICECandidate(handler func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	t.onCandidate = handler
	gathered := t.gathered
	t.gathered = nil
	t.mu.Unlock()

	for _, c := range gathered {
		handler(c)
	}
}

func (t *fakeTransport) OnMessage(handler func([]byte)) {
	t.mu.Lock()
	t.onMessage = handler
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, m := range pending {
		handler(m)
	}
}

func (t *fakeTransport) deliver(data []byte) {
	t.mu.Lock()
	handler := t.onMessage
	if handler == nil {
		t.pending = append(t.pending, data)
	}
	t.mu.Unlock()

	if handler != nil {
		handler(data)
	}
}

func (t *fakeTransport) Connected() bool          { return t.connected.Load() }
func (t *fakeTransport) Ready() <-chan struct{}  { return t.ready }
func (t *fakeTransport) Failed() <-chan struct{} { return t.failed }

func (t *fakeTransport) Channel() Channel {
	if t.channel == nil {
		return nil
	}
	return t.channel
}

func (t *fakeTransport) Close() error {
	t.closed.Store(true)
	return nil
}

// fakeChannel records writes and hands them to the owner's peer. failures
// makes the next writes fail; a negative value fails every write. A non-zero
// maxMessage is reported as the channel's message limit.
type fakeChannel struct {
	owner      *fakeTransport
	buffered   atomic.Uint64
	maxMessage int

	mu       sync.Mutex
	failures int
	binary   [][]byte
	texts    []string
}

func (c *fakeChannel) setFailures(n int) {
	c.mu.Lock()
	c.failures = n
	c.mu.Unlock()
}

func (c *fakeChannel) write() error {
	if c.failures == 0 {
		return nil
	}
	if c.failures > 0 {
		c.failures--
	}
	return errFakeSend
}

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	if err := c.write(); err != nil {
		c.mu.Unlock()
		return err
	}
	msg := append([]byte(nil), data...)
	c.binary = append(c.binary, msg)
	c.mu.Unlock()

	if c.owner.peer != nil {
		c.owner.peer.deliver(msg)
	}
	return nil
}

func (c *fakeChannel) SendText(text string) error {
	c.mu.Lock()
	if err := c.write(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.texts = append(c.texts, text)
	c.mu.Unlock()

	if c.owner.peer != nil {
		c.owner.peer.deliver([]byte(text))
	}
	return nil
}

func (c *fakeChannel) BufferedAmount() uint64 {
	return c.buffered.Load()
}

func (c *fakeChannel) MaxMessageSize() int {
	if c.maxMessage == 0 {
		return DefaultMaxMessageSize
	}
	return c.maxMessage
}

func (c *fakeChannel) packets() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.binary...)
}

func (c *fakeChannel) textMessages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

// fakeFactory hands out the two ends of one fake pair
type fakeFactory struct {
	host, guest *fakeTransport
}

func (f *fakeFactory) CreateTransport(initiator bool) (Transport, error) {
	if initiator {
		return f.host, nil
	}
	return f.guest, nil
}

// failingSignaler rejects every candidate it is asked to send
type failingSignaler struct {
	signal.Signaler
}

func (s failingSignaler) SendCandidate(context.Context, string, signal.PeerID, interface{}) error {
	return errFakeRelay
}

// newTestRelay returns a signaling client over an in-memory relay and a fresh room
func newTestRelay(t *testing.T) (*signal.Client, string) {
	t.Helper()

	logger := zap.NewNop()
	client := signal.NewClient(logger, signal.NewRelay(logger, signal.NewMemoryStore()))

	roomID, err := client.CreateRoom(context.Background())
	require.NoError(t, err)
	return client, roomID
}

func testNegotiationConfig() NegotiationConfig {
	return NegotiationConfig{
		PollInterval: 5 * time.Millisecond,
		Timeout:      5 * time.Second,
		CheckRoom:    true,
	}
}

func testTransferConfig() common.TransferConfig {
	return common.TransferConfig{
		ChunkSize:              1024,
		HighWaterMark:          64 * 1024,
		BackpressureWait:       2 * time.Millisecond,
		RetryInterval:          2 * time.Millisecond,
		MaxRetries:             3,
		CompletionPollInterval: 5 * time.Millisecond,
		VerifyFileID:           true,
	}
}

// newTestManifest chunks data in memory
func newTestManifest(t *testing.T, data []byte, chunkSize int) *file.Manifest {
	t.Helper()

	chunker := file.NewChunker(zap.NewNop(), chunkSize)
	manifest, err := chunker.BuildManifest(bytes.NewReader(data), int64(len(data)), "test.bin", file.DefaultMimeType, nil)
	require.NoError(t, err)
	return manifest
}
