package node

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TFMV/furydrop/signal"
)

func TestRole(t *testing.T) {
	assert.Equal(t, signal.PeerHost, RoleInitiator.Peer())
	assert.Equal(t, signal.PeerGuest, RoleResponder.Peer())
	assert.Equal(t, "initiator", RoleInitiator.String())
	assert.Equal(t, "responder", RoleResponder.String())
}

func TestNegotiationStateString(t *testing.T) {
	assert.Equal(t, "awaiting_answer", NegotiationStateAwaitingAnswer.String())
	assert.Equal(t, "exchanging_candidates", NegotiationStateExchangingCandidates.String())
	assert.Equal(t, "unknown", NegotiationState(99).String())
}

func TestNegotiate(t *testing.T) {
	logger := zap.NewNop()
	client, roomID := newTestRelay(t)
	host, guest := newFakePair()

	initiator := NewNegotiator(logger, client, host, roomID, RoleInitiator, testNegotiationConfig())
	responder := NewNegotiator(logger, client, guest, roomID, RoleResponder, testNegotiationConfig())
	assert.Equal(t, NegotiationStateIdle, initiator.State())

	var wg sync.WaitGroup
	var initErr, respErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		initErr = initiator.Negotiate(context.Background())
	}()
	go func() {
		defer wg.Done()
		respErr = responder.Negotiate(context.Background())
	}()
	wg.Wait()

	require.NoError(t, initErr)
	require.NoError(t, respErr)
	assert.Equal(t, NegotiationStateReady, initiator.State())
	assert.Equal(t, NegotiationStateReady, responder.State())

	// Each side applied the other's candidate
	assert.NotEmpty(t, host.remoteCandidates)
	assert.NotEmpty(t, guest.remoteCandidates)
}

func TestNegotiateOfferPublishedFirst(t *testing.T) {
	logger := zap.NewNop()
	client, roomID := newTestRelay(t)
	host, guest := newFakePair()

	// The responder starts long after the offer was posted
	initiator := NewNegotiator(logger, client, host, roomID, RoleInitiator, testNegotiationConfig())
	errCh := make(chan error, 1)
	go func() { errCh <- initiator.Negotiate(context.Background()) }()

	require.Eventually(t, func() bool {
		return initiator.State() == NegotiationStateAwaitingAnswer
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	responder := NewNegotiator(logger, client, guest, roomID, RoleResponder, testNegotiationConfig())
	require.NoError(t, responder.Negotiate(context.Background()))
	require.NoError(t, <-errCh)
}

func TestNegotiateRoomNotFound(t *testing.T) {
	client, _ := newTestRelay(t)
	_, guest := newFakePair()

	n := NewNegotiator(zap.NewNop(), client, guest, "missing-room", RoleResponder, testNegotiationConfig())
	err := n.Negotiate(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, signal.ErrRoomNotFound))
	assert.Equal(t, NegotiationStateFailed, n.State())
}

func TestNegotiateRoomExpires(t *testing.T) {
	logger := zap.NewNop()

	newRoom := func(t *testing.T) (*signal.Client, *signal.MemoryStore, string) {
		store := signal.NewMemoryStore()
		client := signal.NewClient(logger, signal.NewRelay(logger, store))
		roomID, err := client.CreateRoom(context.Background())
		require.NoError(t, err)
		return client, store, roomID
	}

	config := testNegotiationConfig()
	config.Timeout = 0

	t.Run("AwaitingOffer", func(t *testing.T) {
		client, store, roomID := newRoom(t)
		_, guest := newFakePair()

		n := NewNegotiator(logger, client, guest, roomID, RoleResponder, config)
		errCh := make(chan error, 1)
		go func() { errCh <- n.Negotiate(context.Background()) }()

		require.Eventually(t, func() bool {
			return n.State() == NegotiationStateAwaitingOffer
		}, time.Second, time.Millisecond)
		require.NoError(t, store.Delete(context.Background(), signal.RoomKey(roomID)))

		select {
		case err := <-errCh:
			assert.True(t, errors.Is(err, signal.ErrRoomNotFound), "got %v", err)
		case <-time.After(2 * time.Second):
			n.Abort()
			t.Fatalf("negotiation still polling after the room expired (state=%s)", n.State())
		}
		assert.Equal(t, NegotiationStateFailed, n.State())
	})

	t.Run("ExchangingCandidates", func(t *testing.T) {
		client, store, roomID := newRoom(t)
		_, guest := newFakePair()

		// The host posts an offer but never a candidate, so the guest
		// cannot connect
		offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
		require.NoError(t, client.Send(context.Background(), roomID, signal.PeerHost, signal.KindOffer, offer))

		n := NewNegotiator(logger, client, guest, roomID, RoleResponder, config)
		errCh := make(chan error, 1)
		go func() { errCh <- n.Negotiate(context.Background()) }()

		require.Eventually(t, func() bool {
			return n.State() == NegotiationStateExchangingCandidates
		}, time.Second, time.Millisecond)
		require.NoError(t, store.Delete(context.Background(), signal.RoomKey(roomID)))

		select {
		case err := <-errCh:
			assert.True(t, errors.Is(err, signal.ErrRoomNotFound), "got %v", err)
		case <-time.After(2 * time.Second):
			n.Abort()
			t.Fatalf("negotiation still polling after the room expired (state=%s)", n.State())
		}
	})
}

func TestNegotiateSkipsRoomCheck(t *testing.T) {
	client, _ := newTestRelay(t)
	_, guest := newFakePair()

	config := testNegotiationConfig()
	config.CheckRoom = false
	config.MaxPolls = 2

	n := NewNegotiator(zap.NewNop(), client, guest, "missing-room", RoleResponder, config)
	err := n.Negotiate(context.Background())
	assert.True(t, errors.Is(err, ErrNegotiationTimeout), "got %v", err)
}

func TestNegotiateTimeout(t *testing.T) {
	client, roomID := newTestRelay(t)
	_, guest := newFakePair()

	config := testNegotiationConfig()
	config.Timeout = 50 * time.Millisecond

	n := NewNegotiator(zap.NewNop(), client, guest, roomID, RoleResponder, config)

	start := time.Now()
	err := n.Negotiate(context.Background())
	assert.True(t, errors.Is(err, ErrNegotiationTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, NegotiationStateFailed, n.State())
}

func TestNegotiateMaxPolls(t *testing.T) {
	client, roomID := newTestRelay(t)
	host, _ := newFakePair()

	config := testNegotiationConfig()
	config.MaxPolls = 3

	n := NewNegotiator(zap.NewNop(), client, host, roomID, RoleInitiator, config)
	err := n.Negotiate(context.Background())
	assert.True(t, errors.Is(err, ErrNegotiationTimeout), "got %v", err)
}

func TestNegotiateAbort(t *testing.T) {
	t.Run("WhilePolling", func(t *testing.T) {
		client, roomID := newTestRelay(t)
		_, guest := newFakePair()

		config := testNegotiationConfig()
		config.Timeout = 0

		n := NewNegotiator(zap.NewNop(), client, guest, roomID, RoleResponder, config)
		time.AfterFunc(20*time.Millisecond, n.Abort)

		err := n.Negotiate(context.Background())
		assert.True(t, errors.Is(err, ErrAborted), "got %v", err)
	})

	t.Run("BeforeStart", func(t *testing.T) {
		client, roomID := newTestRelay(t)
		host, _ := newFakePair()

		n := NewNegotiator(zap.NewNop(), client, host, roomID, RoleInitiator, testNegotiationConfig())
		n.Abort()
		n.Abort()

		err := n.Negotiate(context.Background())
		assert.True(t, errors.Is(err, ErrAborted), "got %v", err)
	})
}

func TestNegotiateContextCancelled(t *testing.T) {
	client, roomID := newTestRelay(t)
	_, guest := newFakePair()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	n := NewNegotiator(zap.NewNop(), client, guest, roomID, RoleResponder, testNegotiationConfig())
	err := n.Negotiate(ctx)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestNegotiateConnectionFailed(t *testing.T) {
	client, roomID := newTestRelay(t)
	_, guest := newFakePair()
	guest.failOnRemote = true

	// Post an offer the responder will pick up
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	require.NoError(t, client.Send(context.Background(), roomID, signal.PeerHost, signal.KindOffer, offer))

	n := NewNegotiator(zap.NewNop(), client, guest, roomID, RoleResponder, testNegotiationConfig())
	err := n.Negotiate(context.Background())
	assert.True(t, errors.Is(err, ErrConnectionFailed), "got %v", err)
}

func TestNegotiateIgnoresWrongDescriptionType(t *testing.T) {
	client, roomID := newTestRelay(t)
	_, guest := newFakePair()

	// An answer sitting in the offer slot is consumed and ignored
	bogus := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}
	require.NoError(t, client.Send(context.Background(), roomID, signal.PeerHost, signal.KindOffer, bogus))

	config := testNegotiationConfig()
	config.MaxPolls = 3

	n := NewNegotiator(zap.NewNop(), client, guest, roomID, RoleResponder, config)
	err := n.Negotiate(context.Background())
	assert.True(t, errors.Is(err, ErrNegotiationTimeout), "got %v", err)
}

func TestNegotiateCandidateSendFailure(t *testing.T) {
	client, roomID := newTestRelay(t)
	host, _ := newFakePair()

	config := testNegotiationConfig()
	config.Timeout = 0

	n := NewNegotiator(zap.NewNop(), failingSignaler{client}, host, roomID, RoleInitiator, config)
	err := n.Negotiate(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errFakeRelay), "got %v", err)
	assert.Equal(t, NegotiationStateFailed, n.State())
}
