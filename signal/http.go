package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const defaultHTTPTimeout = 10 * time.Second

// SignalRequest is the body of POST /signal
type SignalRequest struct {
	RoomID  string          `json:"roomId"`
	PeerID  PeerID          `json:"peerId"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	Seq     *uint64         `json:"seq,omitempty"`
}

// Slot returns the slot the request addresses
func (r SignalRequest) Slot() Slot {
	slot := Slot{RoomID: r.RoomID, Peer: r.PeerID, Kind: r.Kind}
	if r.Seq != nil {
		slot.Seq = *r.Seq
		slot.Sequenced = true
	}
	return slot
}

// SignalResponse is the body of GET /signal
type SignalResponse struct {
	Payload json.RawMessage `json:"payload"`
}

// CreateRoomResponse is the body of POST /rooms
type CreateRoomResponse struct {
	RoomID   string `json:"roomId"`
	ShareURL string `json:"shareUrl"`
}

// RoomResponse is the body of GET /rooms/:id
type RoomResponse struct {
	Active  bool  `json:"active"`
	Created int64 `json:"created,omitempty"`
}

// ErrorResponse is returned with 4xx statuses
type ErrorResponse struct {
	Error string `json:"error"`
}

// HTTPRelay is a Mailbox that talks to a relay server over HTTP
type HTTPRelay struct {
	logger  *zap.Logger
	baseURL string
	client  *fasthttp.Client
	timeout time.Duration
}

// NewHTTPRelay creates a client for the relay at baseURL
func NewHTTPRelay(logger *zap.Logger, baseURL string) *HTTPRelay {
	return &HTTPRelay{
		logger:  logger,
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &fasthttp.Client{
			Name:                "furydrop",
			MaxIdleConnDuration: time.Minute,
		},
		timeout: defaultHTTPTimeout,
	}
}

// do performs one request and decodes a JSON body into out when present
func (h *HTTPRelay) do(ctx context.Context, method, path string, query map[string]string, body interface{}, out interface{}) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(h.baseURL + path)
	req.Header.SetMethod(method)
	for k, v := range query {
		req.URI().QueryArgs().Set(k, v)
	}

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to serialize request: %w", err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(data)
	}

	deadline := time.Now().Add(h.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := h.client.DoDeadline(req, resp, deadline); err != nil {
		return 0, fmt.Errorf("failed to reach relay: %w", err)
	}

	status := resp.StatusCode()
	if out != nil && len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return status, fmt.Errorf("failed to parse relay response: %w", err)
		}
	}

	return status, nil
}

// Publish implements Mailbox
func (h *HTTPRelay) Publish(ctx context.Context, slot Slot, payload json.RawMessage) error {
	if err := slot.Validate(); err != nil {
		return err
	}

	req := SignalRequest{
		RoomID:  slot.RoomID,
		PeerID:  slot.Peer,
		Kind:    slot.Kind,
		Payload: payload,
	}
	if slot.Sequenced {
		seq := slot.Seq
		req.Seq = &seq
	}

	var errResp ErrorResponse
	status, err := h.do(ctx, fasthttp.MethodPost, "/signal", nil, req, &errResp)
	if err != nil {
		return err
	}

	switch status {
	case fasthttp.StatusOK:
		return nil
	case fasthttp.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidSlot, errResp.Error)
	default:
		return fmt.Errorf("relay returned status %d", status)
	}
}

// Consume implements Mailbox
func (h *HTTPRelay) Consume(ctx context.Context, slot Slot) (json.RawMessage, bool, error) {
	if err := slot.Validate(); err != nil {
		return nil, false, err
	}

	query := map[string]string{
		"room": slot.RoomID,
		"peer": string(slot.Peer),
		"kind": string(slot.Kind),
	}
	if slot.Sequenced {
		query["seq"] = strconv.FormatUint(slot.Seq, 10)
	}

	var resp SignalResponse
	status, err := h.do(ctx, fasthttp.MethodGet, "/signal", query, nil, &resp)
	if err != nil {
		return nil, false, err
	}

	switch status {
	case fasthttp.StatusOK:
		if len(resp.Payload) == 0 || string(resp.Payload) == "null" {
			return nil, false, nil
		}
		return resp.Payload, true, nil
	case fasthttp.StatusNotFound:
		return nil, false, nil
	case fasthttp.StatusBadRequest:
		return nil, false, ErrInvalidSlot
	default:
		return nil, false, fmt.Errorf("relay returned status %d", status)
	}
}

// OpenRoom creates a room and returns its ID along with the link to share
func (h *HTTPRelay) OpenRoom(ctx context.Context) (*CreateRoomResponse, error) {
	var resp CreateRoomResponse
	status, err := h.do(ctx, fasthttp.MethodPost, "/rooms", nil, nil, &resp)
	if err != nil {
		return nil, err
	}
	if status != fasthttp.StatusOK || resp.RoomID == "" {
		return nil, fmt.Errorf("failed to create room: relay returned status %d", status)
	}

	h.logger.Info("Room opened",
		zap.String("room_id", resp.RoomID),
		zap.String("share_url", resp.ShareURL))

	return &resp, nil
}

// CreateRoom implements Mailbox
func (h *HTTPRelay) CreateRoom(ctx context.Context) (string, error) {
	resp, err := h.OpenRoom(ctx)
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

// GetRoom implements Mailbox
func (h *HTTPRelay) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	// fasthttp unescapes and normalizes the path, so escaping alone would
	// still let "../" through
	if !ValidRoomID(roomID) {
		return nil, fmt.Errorf("%w: room %q", ErrInvalidSlot, roomID)
	}

	var resp RoomResponse
	status, err := h.do(ctx, fasthttp.MethodGet, "/rooms/"+url.PathEscape(roomID), nil, nil, &resp)
	if err != nil {
		return nil, err
	}

	switch status {
	case fasthttp.StatusOK:
		return &Room{Created: resp.Created, Active: resp.Active}, nil
	case fasthttp.StatusNotFound:
		return nil, ErrRoomNotFound
	default:
		return nil, fmt.Errorf("relay returned status %d", status)
	}
}
