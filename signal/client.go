package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Signaler exchanges connection-setup messages between the two peers of a room
type Signaler interface {
	// Send stores payload for the other peer to pick up
	Send(ctx context.Context, roomID string, peer PeerID, kind Kind, payload interface{}) error
	// Receive reads and clears a message into out. found is false when no
	// message is waiting or the message could not be decoded.
	Receive(ctx context.Context, roomID string, peer PeerID, kind Kind, out interface{}) (found bool, err error)
	// SendCandidate posts the next ICE candidate of peer
	SendCandidate(ctx context.Context, roomID string, peer PeerID, candidate interface{}) error
	// ReceiveCandidates returns every candidate peer has posted since the last call
	ReceiveCandidates(ctx context.Context, roomID string, peer PeerID) ([]json.RawMessage, error)
	// GetRoom returns ErrRoomNotFound for unknown or expired rooms
	GetRoom(ctx context.Context, roomID string) (*Room, error)
}

// Client implements Signaler on top of a Mailbox. It tracks candidate
// sequence numbers per room and peer.
type Client struct {
	logger  *zap.Logger
	mailbox Mailbox

	sendMu  sync.Mutex
	sendSeq map[string]uint64
	recvMu  sync.Mutex
	recvSeq map[string]uint64
}

// NewClient creates a new signaling client
func NewClient(logger *zap.Logger, mailbox Mailbox) *Client {
	return &Client{
		logger:  logger,
		mailbox: mailbox,
		sendSeq: make(map[string]uint64),
		recvSeq: make(map[string]uint64),
	}
}

// Mailbox returns the underlying relay surface
func (c *Client) Mailbox() Mailbox {
	return c.mailbox
}

// Send implements Signaler
func (c *Client) Send(ctx context.Context, roomID string, peer PeerID, kind Kind, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %w", kind, err)
	}

	slot := Slot{RoomID: roomID, Peer: peer, Kind: kind}
	if err := c.mailbox.Publish(ctx, slot, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", kind, err)
	}
	return nil
}

// Receive implements Signaler
func (c *Client) Receive(ctx context.Context, roomID string, peer PeerID, kind Kind, out interface{}) (bool, error) {
	slot := Slot{RoomID: roomID, Peer: peer, Kind: kind}
	data, ok, err := c.mailbox.Consume(ctx, slot)
	if err != nil {
		return false, fmt.Errorf("failed to receive %s: %w", kind, err)
	}
	if !ok {
		return false, nil
	}

	// The slot is already cleared, a malformed message is simply lost
	if err := json.Unmarshal(data, out); err != nil {
		c.logger.Warn("Discarding malformed signal",
			zap.String("room_id", roomID),
			zap.String("peer_id", string(peer)),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return false, nil
	}

	return true, nil
}

// SendCandidate implements Signaler
func (c *Client) SendCandidate(ctx context.Context, roomID string, peer PeerID, candidate interface{}) error {
	data, err := json.Marshal(candidate)
	if err != nil {
		return fmt.Errorf("failed to serialize candidate: %w", err)
	}

	// Held across the publish so sequence numbers are never skipped
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	key := roomID + "|" + string(peer)
	slot := Slot{RoomID: roomID, Peer: peer, Kind: KindICE, Seq: c.sendSeq[key], Sequenced: true}
	if err := c.mailbox.Publish(ctx, slot, data); err != nil {
		return fmt.Errorf("failed to send candidate: %w", err)
	}
	c.sendSeq[key]++

	return nil
}

// ReceiveCandidates implements Signaler. Slots are drained in order until
// the first empty one.
func (c *Client) ReceiveCandidates(ctx context.Context, roomID string, peer PeerID) ([]json.RawMessage, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	key := roomID + "|" + string(peer)
	var candidates []json.RawMessage

	for {
		slot := Slot{RoomID: roomID, Peer: peer, Kind: KindICE, Seq: c.recvSeq[key], Sequenced: true}
		data, ok, err := c.mailbox.Consume(ctx, slot)
		if err != nil {
			return candidates, fmt.Errorf("failed to receive candidate: %w", err)
		}
		if !ok {
			return candidates, nil
		}
		c.recvSeq[key]++
		candidates = append(candidates, data)
	}
}

// GetRoom implements Signaler
func (c *Client) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	return c.mailbox.GetRoom(ctx, roomID)
}

// CreateRoom allocates a new room
func (c *Client) CreateRoom(ctx context.Context) (string, error) {
	return c.mailbox.CreateRoom(ctx)
}
