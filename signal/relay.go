package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/TFMV/furydrop/crypto"
	"github.com/TFMV/furydrop/metrics"
)

const (
	// SignalTTL is how long an unread signaling message survives
	SignalTTL = 300 * time.Second
	// RoomTTL is how long a room stays joinable
	RoomTTL = 3600 * time.Second
)

var (
	// ErrRoomNotFound is returned when a room does not exist or has expired
	ErrRoomNotFound = errors.New("room not found")
	// ErrInvalidSlot is returned for malformed room, peer or kind values
	ErrInvalidSlot = errors.New("invalid signal slot")
)

// PeerID identifies one side of a room
type PeerID string

const (
	// PeerHost is the peer that created the room and sends the file
	PeerHost PeerID = "host"
	// PeerGuest is the peer that joined the room and receives the file
	PeerGuest PeerID = "guest"
)

// Valid reports whether p is host or guest
func (p PeerID) Valid() bool {
	return p == PeerHost || p == PeerGuest
}

// Other returns the opposite side of the room
func (p PeerID) Other() PeerID {
	if p == PeerHost {
		return PeerGuest
	}
	return PeerHost
}

// Kind is the type of a signaling message
type Kind string

const (
	// KindOffer carries an SDP offer
	KindOffer Kind = "offer"
	// KindAnswer carries an SDP answer
	KindAnswer Kind = "answer"
	// KindICE carries an ICE candidate
	KindICE Kind = "ice"
)

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	return k == KindOffer || k == KindAnswer || k == KindICE
}

// Room is the value stored for a room
type Room struct {
	Created int64 `json:"created"` // unix milliseconds
	Active  bool  `json:"active"`
}

// RoomKey returns the store key of a room
func RoomKey(roomID string) string {
	return "room:" + roomID
}

// maxRoomIDLength bounds room IDs accepted from peers
const maxRoomIDLength = 128

// ValidRoomID reports whether id is usable as a room ID: non-empty and made
// only of the URL-safe base64 alphabet that NewRoomID draws from
func ValidRoomID(id string) bool {
	if id == "" || len(id) > maxRoomIDLength {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// Slot addresses one signaling message. Sequenced ICE slots let a peer post
// any number of candidates.
type Slot struct {
	RoomID    string
	Peer      PeerID
	Kind      Kind
	Seq       uint64
	Sequenced bool
}

// Validate checks the slot fields
func (s Slot) Validate() error {
	if !ValidRoomID(s.RoomID) {
		return fmt.Errorf("%w: room %q", ErrInvalidSlot, s.RoomID)
	}
	if !s.Peer.Valid() {
		return fmt.Errorf("%w: peer %q", ErrInvalidSlot, s.Peer)
	}
	if !s.Kind.Valid() {
		return fmt.Errorf("%w: kind %q", ErrInvalidSlot, s.Kind)
	}
	if s.Sequenced && s.Kind != KindICE {
		return fmt.Errorf("%w: only ice slots are sequenced", ErrInvalidSlot)
	}
	return nil
}

// Key returns the store key of the slot
func (s Slot) Key() string {
	key := "signal:" + s.RoomID + ":" + string(s.Peer) + ":" + string(s.Kind)
	if s.Sequenced {
		key += ":" + strconv.FormatUint(s.Seq, 10)
	}
	return key
}

// Mailbox is the relay surface peers talk to: write-once, read-and-clear
// slots plus room bookkeeping
type Mailbox interface {
	// Publish stores a JSON payload in slot, replacing any previous value
	Publish(ctx context.Context, slot Slot, payload json.RawMessage) error
	// Consume returns the payload in slot and clears it
	Consume(ctx context.Context, slot Slot) (json.RawMessage, bool, error)
	// CreateRoom allocates a new room and returns its ID
	CreateRoom(ctx context.Context) (string, error)
	// GetRoom returns ErrRoomNotFound for unknown or expired rooms
	GetRoom(ctx context.Context, roomID string) (*Room, error)
}

// Relay is a Mailbox backed by a Store
type Relay struct {
	logger *zap.Logger
	store  Store
	now    func() time.Time
}

// NewRelay creates a relay on top of store
func NewRelay(logger *zap.Logger, store Store) *Relay {
	return &Relay{
		logger: logger,
		store:  store,
		now:    time.Now,
	}
}

// Publish implements Mailbox
func (r *Relay) Publish(ctx context.Context, slot Slot, payload json.RawMessage) error {
	if err := slot.Validate(); err != nil {
		return err
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return fmt.Errorf("%w: payload is not JSON", ErrInvalidSlot)
	}

	metrics.RelayRequests.WithLabelValues("publish").Inc()

	if err := r.store.Put(ctx, slot.Key(), payload, SignalTTL); err != nil {
		return fmt.Errorf("failed to store signal: %w", err)
	}

	r.logger.Debug("Signal published",
		zap.String("room_id", slot.RoomID),
		zap.String("peer_id", string(slot.Peer)),
		zap.String("kind", string(slot.Kind)),
		zap.Uint64("seq", slot.Seq))

	return nil
}

// Consume implements Mailbox
func (r *Relay) Consume(ctx context.Context, slot Slot) (json.RawMessage, bool, error) {
	if err := slot.Validate(); err != nil {
		return nil, false, err
	}

	metrics.RelayRequests.WithLabelValues("consume").Inc()

	val, ok, err := take(ctx, r.store, slot.Key())
	if err != nil {
		return nil, false, fmt.Errorf("failed to read signal: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return json.RawMessage(val), true, nil
}

// CreateRoom implements Mailbox
func (r *Relay) CreateRoom(ctx context.Context) (string, error) {
	roomID, err := crypto.NewRoomID()
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(Room{Created: r.now().UnixMilli(), Active: true})
	if err != nil {
		return "", fmt.Errorf("failed to serialize room: %w", err)
	}

	if err := r.store.Put(ctx, RoomKey(roomID), data, RoomTTL); err != nil {
		return "", fmt.Errorf("failed to store room: %w", err)
	}

	metrics.RoomsCreated.Inc()
	r.logger.Info("Room created", zap.String("room_id", roomID))

	return roomID, nil
}

// GetRoom implements Mailbox
func (r *Relay) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	val, ok, err := r.store.Get(ctx, RoomKey(roomID))
	if err != nil {
		return nil, fmt.Errorf("failed to read room: %w", err)
	}
	if !ok {
		return nil, ErrRoomNotFound
	}

	var room Room
	if err := json.Unmarshal(val, &room); err != nil {
		return nil, fmt.Errorf("failed to parse room: %w", err)
	}
	return &room, nil
}
