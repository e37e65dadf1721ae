package node

import (
	"github.com/pion/webrtc/v3"
)

// Channel is the data channel surface the engines write to
type Channel interface {
	// Send writes a binary message
	Send(data []byte) error
	// SendText writes a text message
	SendText(text string) error
	// BufferedAmount is the number of bytes queued but not yet sent
	BufferedAmount() uint64
	// MaxMessageSize is the largest message Send or SendText accepts
	MaxMessageSize() int
}

// Transport is one peer connection carrying a single data channel
type Transport interface {
	// CreateOffer creates an offer and applies it as the local description
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer creates an answer and applies it as the local description
	CreateAnswer() (webrtc.SessionDescription, error)
	// SetRemoteDescription applies the other peer's offer or answer
	SetRemoteDescription(desc webrtc.SessionDescription) error
	// AddICECandidate applies a remote candidate
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	// OnICECandidate registers the handler for locally gathered candidates
	OnICECandidate(handler func(webrtc.ICECandidateInit))
	// OnMessage registers the handler for incoming data channel messages.
	// Messages that arrive before a handler is set are held for it.
	OnMessage(handler func(data []byte))
	// Connected reports whether the peer connection is up
	Connected() bool
	// Ready is closed once the data channel is open
	Ready() <-chan struct{}
	// Failed is closed if the peer connection fails
	Failed() <-chan struct{}
	// Channel returns the data channel, or nil before Ready
	Channel() Channel
	// Close tears down the channel and the connection
	Close() error
}

// TransportFactory creates transports for one side of a connection
type TransportFactory interface {
	CreateTransport(initiator bool) (Transport, error)
}
