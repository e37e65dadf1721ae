package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/TFMV/furydrop/metrics"
	"github.com/TFMV/furydrop/signal"
)

var (
	// ErrAborted is returned when negotiation or a transfer was aborted locally
	ErrAborted = errors.New("aborted")
	// ErrNegotiationTimeout is returned when the other peer did not answer in time
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	// ErrConnectionFailed is returned when the peer connection fails during setup
	ErrConnectionFailed = errors.New("peer connection failed")
)

// Role is the side of the negotiation a peer plays
type Role int

const (
	// RoleInitiator creates the offer. The host plays it.
	RoleInitiator Role = iota
	// RoleResponder answers the offer. The guest plays it.
	RoleResponder
)

// Peer returns the room identity of the role
func (r Role) Peer() signal.PeerID {
	if r == RoleInitiator {
		return signal.PeerHost
	}
	return signal.PeerGuest
}

// String returns a string representation of the role
func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// NegotiationState is the progress of one negotiation
type NegotiationState int

const (
	NegotiationStateIdle NegotiationState = iota
	NegotiationStateCreatingOffer
	NegotiationStateAwaitingAnswer
	NegotiationStateAwaitingOffer
	NegotiationStateCreatingAnswer
	NegotiationStateExchangingCandidates
	NegotiationStateReady
	NegotiationStateFailed
)

// String returns a string representation of the negotiation state
func (s NegotiationState) String() string {
	switch s {
	case NegotiationStateIdle:
		return "idle"
	case NegotiationStateCreatingOffer:
		return "creating_offer"
	case NegotiationStateAwaitingAnswer:
		return "awaiting_answer"
	case NegotiationStateAwaitingOffer:
		return "awaiting_offer"
	case NegotiationStateCreatingAnswer:
		return "creating_answer"
	case NegotiationStateExchangingCandidates:
		return "exchanging_candidates"
	case NegotiationStateReady:
		return "ready"
	case NegotiationStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// NegotiationConfig bounds how long a negotiation waits on the other peer
type NegotiationConfig struct {
	PollInterval time.Duration `json:"poll_interval"`
	Timeout      time.Duration `json:"timeout"`   // 0 waits forever
	MaxPolls     int           `json:"max_polls"` // per waiting phase, 0 is unbounded
	CheckRoom    bool          `json:"check_room"` // also fails the negotiation if the room expires
}

// DefaultNegotiationConfig returns a default negotiation configuration
func DefaultNegotiationConfig() NegotiationConfig {
	return NegotiationConfig{
		PollInterval: time.Second,
		CheckRoom:    true,
	}
}

// LoadNegotiationConfig reads the negotiation section of the configuration
func LoadNegotiationConfig() NegotiationConfig {
	config := DefaultNegotiationConfig()

	if v := viper.GetDuration("negotiation.poll_interval"); v > 0 {
		config.PollInterval = v
	}
	if v := viper.GetDuration("negotiation.timeout"); v > 0 {
		config.Timeout = v
	}
	if v := viper.GetInt("negotiation.max_polls"); v > 0 {
		config.MaxPolls = v
	}
	if viper.IsSet("negotiation.check_room") {
		config.CheckRoom = viper.GetBool("negotiation.check_room")
	}

	return config
}

// Negotiator drives one side of connection setup through a Signaler until
// the transport's data channel is open
type Negotiator struct {
	logger    *zap.Logger
	signaler  signal.Signaler
	transport Transport
	roomID    string
	role      Role
	config    NegotiationConfig

	mu    sync.Mutex
	state NegotiationState

	aborted   atomic.Bool
	abortCh   chan struct{}
	abortOnce sync.Once

	candMu     sync.Mutex
	candQueue  []webrtc.ICECandidateInit
	candNotify chan struct{}
}

// NewNegotiator creates a negotiator for roomID
func NewNegotiator(logger *zap.Logger, signaler signal.Signaler, transport Transport, roomID string, role Role, config NegotiationConfig) *Negotiator {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultNegotiationConfig().PollInterval
	}

	return &Negotiator{
		logger: logger.With(
			zap.String("room_id", roomID),
			zap.String("role", role.String())),
		signaler:   signaler,
		transport:  transport,
		roomID:     roomID,
		role:       role,
		config:     config,
		abortCh:    make(chan struct{}),
		candNotify: make(chan struct{}, 1),
	}
}

// State returns the current negotiation state
func (n *Negotiator) State() NegotiationState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Negotiator) setState(state NegotiationState) {
	n.mu.Lock()
	n.state = state
	n.mu.Unlock()

	n.logger.Debug("Negotiation state changed", zap.String("state", state.String()))
}

// Abort stops any in-progress negotiation. Negotiate returns ErrAborted.
func (n *Negotiator) Abort() {
	n.abortOnce.Do(func() {
		n.aborted.Store(true)
		close(n.abortCh)
	})
}

// Negotiate runs the negotiation and returns once the data channel is open
func (n *Negotiator) Negotiate(ctx context.Context) error {
	start := time.Now()

	ctx, span := otel.Tracer("furydrop/node").Start(ctx, "Negotiate")
	defer span.End()
	span.SetAttributes(
		attribute.String("room_id", n.roomID),
		attribute.String("role", n.role.String()),
	)

	if n.config.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, n.config.Timeout)
		defer cancelTimeout()
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	go func() {
		select {
		case <-n.abortCh:
			cancel(ErrAborted)
		case <-ctx.Done():
		}
	}()

	err := n.negotiate(ctx, cancel)
	if err != nil {
		n.setState(NegotiationStateFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrAborted) {
			n.logger.Info("Negotiation aborted")
		} else {
			n.logger.Error("Negotiation failed", zap.Error(err))
		}
		return err
	}

	n.setState(NegotiationStateReady)
	metrics.NegotiationLatency.Observe(time.Since(start).Seconds())
	n.logger.Info("Data channel ready", zap.Duration("elapsed", time.Since(start)))

	return nil
}

func (n *Negotiator) negotiate(ctx context.Context, cancel context.CancelCauseFunc) error {
	if n.aborted.Load() {
		return ErrAborted
	}

	if n.config.CheckRoom {
		if _, err := n.signaler.GetRoom(ctx, n.roomID); err != nil {
			if ctx.Err() != nil {
				return n.stopErr(ctx)
			}
			return fmt.Errorf("failed to join room %s: %w", n.roomID, err)
		}
	}

	// Local candidates are relayed as soon as they are gathered
	n.transport.OnICECandidate(n.queueCandidate)
	go n.sendCandidates(ctx, cancel)

	var err error
	if n.role == RoleInitiator {
		err = n.runInitiator(ctx)
	} else {
		err = n.runResponder(ctx)
	}
	if err != nil {
		return err
	}

	return n.awaitReady(ctx)
}

func (n *Negotiator) runInitiator(ctx context.Context) error {
	n.setState(NegotiationStateCreatingOffer)

	offer, err := n.transport.CreateOffer()
	if err != nil {
		return err
	}

	if n.aborted.Load() {
		return ErrAborted
	}
	if err := n.signaler.Send(ctx, n.roomID, signal.PeerHost, signal.KindOffer, offer); err != nil {
		if ctx.Err() != nil {
			return n.stopErr(ctx)
		}
		return err
	}
	n.logger.Info("Sent offer")

	n.setState(NegotiationStateAwaitingAnswer)

	var answer webrtc.SessionDescription
	err = n.poll(ctx, "answer", func() (bool, error) {
		found, err := n.signaler.Receive(ctx, n.roomID, signal.PeerGuest, signal.KindAnswer, &answer)
		if err != nil || !found {
			return false, err
		}
		if answer.Type != webrtc.SDPTypeAnswer {
			n.logger.Warn("Ignoring description of unexpected type", zap.String("type", answer.Type.String()))
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	n.logger.Info("Received answer")
	return n.transport.SetRemoteDescription(answer)
}

func (n *Negotiator) runResponder(ctx context.Context) error {
	n.setState(NegotiationStateAwaitingOffer)

	var offer webrtc.SessionDescription
	err := n.poll(ctx, "offer", func() (bool, error) {
		found, err := n.signaler.Receive(ctx, n.roomID, signal.PeerHost, signal.KindOffer, &offer)
		if err != nil || !found {
			return false, err
		}
		if offer.Type != webrtc.SDPTypeOffer {
			n.logger.Warn("Ignoring description of unexpected type", zap.String("type", offer.Type.String()))
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	n.logger.Info("Received offer")

	n.setState(NegotiationStateCreatingAnswer)

	if err := n.transport.SetRemoteDescription(offer); err != nil {
		return err
	}

	answer, err := n.transport.CreateAnswer()
	if err != nil {
		return err
	}

	if n.aborted.Load() {
		return ErrAborted
	}
	if err := n.signaler.Send(ctx, n.roomID, signal.PeerGuest, signal.KindAnswer, answer); err != nil {
		if ctx.Err() != nil {
			return n.stopErr(ctx)
		}
		return err
	}
	n.logger.Info("Sent answer")

	return nil
}

// awaitReady applies remote candidates until the connection is up, then
// waits for the data channel to open
func (n *Negotiator) awaitReady(ctx context.Context) error {
	n.setState(NegotiationStateExchangingCandidates)

	ticker := time.NewTicker(n.config.PollInterval)
	defer ticker.Stop()

	remote := n.role.Peer().Other()
	polls := 0

	for {
		if n.aborted.Load() {
			return ErrAborted
		}

		if !n.transport.Connected() {
			candidates, err := n.signaler.ReceiveCandidates(ctx, n.roomID, remote)
			if err != nil && ctx.Err() == nil {
				n.logger.Warn("Failed to poll candidates", zap.Error(err))
			}
			for _, raw := range candidates {
				n.applyCandidate(raw)
			}

			if err := n.checkRoom(ctx); err != nil {
				return err
			}
		}

		select {
		case <-n.transport.Ready():
			return nil
		case <-n.transport.Failed():
			return ErrConnectionFailed
		case <-ctx.Done():
			return n.stopErr(ctx)
		case <-ticker.C:
		}

		polls++
		if n.config.MaxPolls > 0 && polls >= n.config.MaxPolls {
			return fmt.Errorf("%w: data channel not open after %d polls", ErrNegotiationTimeout, polls)
		}
	}
}

func (n *Negotiator) applyCandidate(raw json.RawMessage) {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &candidate); err != nil {
		n.logger.Warn("Discarding malformed ICE candidate", zap.Error(err))
		return
	}
	if err := n.transport.AddICECandidate(candidate); err != nil {
		n.logger.Warn("Failed to add ICE candidate", zap.Error(err))
	}
}

// poll calls fn every PollInterval until it reports done. Relay read errors
// other than malformed requests are retried on the next tick.
func (n *Negotiator) poll(ctx context.Context, what string, fn func() (bool, error)) error {
	ticker := time.NewTicker(n.config.PollInterval)
	defer ticker.Stop()

	polls := 0
	for {
		if n.aborted.Load() {
			return ErrAborted
		}
		if ctx.Err() != nil {
			return n.stopErr(ctx)
		}

		done, err := fn()
		switch {
		case err == nil && done:
			return nil
		case errors.Is(err, signal.ErrInvalidSlot):
			return err
		case err != nil && ctx.Err() == nil:
			n.logger.Warn("Relay poll failed", zap.String("waiting_for", what), zap.Error(err))
		}

		if err := n.checkRoom(ctx); err != nil {
			return err
		}

		polls++
		if n.config.MaxPolls > 0 && polls >= n.config.MaxPolls {
			return fmt.Errorf("%w: no %s after %d polls", ErrNegotiationTimeout, what, polls)
		}

		select {
		case <-ctx.Done():
			return n.stopErr(ctx)
		case <-ticker.C:
		}
	}
}

// checkRoom fails once the room is gone from the relay. Other relay errors
// are left to the next poll.
func (n *Negotiator) checkRoom(ctx context.Context) error {
	if !n.config.CheckRoom {
		return nil
	}

	_, err := n.signaler.GetRoom(ctx, n.roomID)
	switch {
	case errors.Is(err, signal.ErrRoomNotFound):
		return fmt.Errorf("room %s expired: %w", n.roomID, err)
	case err != nil && ctx.Err() == nil:
		n.logger.Warn("Room check failed", zap.Error(err))
	}
	return nil
}

// stopErr explains why ctx ended
func (n *Negotiator) stopErr(ctx context.Context) error {
	if n.aborted.Load() {
		return ErrAborted
	}
	cause := context.Cause(ctx)
	if errors.Is(cause, context.DeadlineExceeded) {
		return ErrNegotiationTimeout
	}
	return cause
}

func (n *Negotiator) queueCandidate(candidate webrtc.ICECandidateInit) {
	n.candMu.Lock()
	n.candQueue = append(n.candQueue, candidate)
	n.candMu.Unlock()

	select {
	case n.candNotify <- struct{}{}:
	default:
	}
}

func (n *Negotiator) popCandidate() (webrtc.ICECandidateInit, bool) {
	n.candMu.Lock()
	defer n.candMu.Unlock()

	if len(n.candQueue) == 0 {
		return webrtc.ICECandidateInit{}, false
	}
	c := n.candQueue[0]
	n.candQueue = n.candQueue[1:]
	return c, true
}

// sendCandidates relays queued local candidates in gathering order. A relay
// failure ends the negotiation.
func (n *Negotiator) sendCandidates(ctx context.Context, cancel context.CancelCauseFunc) {
	self := n.role.Peer()

	for {
		select {
		case <-ctx.Done():
			return
		case <-n.candNotify:
		}

		for {
			candidate, ok := n.popCandidate()
			if !ok {
				break
			}
			if n.aborted.Load() {
				return
			}

			if err := n.signaler.SendCandidate(ctx, n.roomID, self, candidate); err != nil {
				if ctx.Err() == nil {
					cancel(fmt.Errorf("failed to send ICE candidate: %w", err))
				}
				return
			}
			n.logger.Debug("Sent ICE candidate")
		}
	}
}
