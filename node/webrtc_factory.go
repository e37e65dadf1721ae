package node

import (
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// WebRTCFactory creates pion transports from one configuration
type WebRTCFactory struct {
	logger *zap.Logger
	config WebRTCConfig
}

// NewWebRTCFactory creates a new WebRTC factory
func NewWebRTCFactory(logger *zap.Logger, config WebRTCConfig) *WebRTCFactory {
	return &WebRTCFactory{
		logger: logger,
		config: config,
	}
}

// CreateTransport implements TransportFactory
func (f *WebRTCFactory) CreateTransport(initiator bool) (Transport, error) {
	role := "responder"
	if initiator {
		role = "initiator"
	}
	return NewPeerTransport(f.logger.With(zap.String("role", role)), f.config, initiator)
}

// LoadWebRTCConfig reads the webrtc section of the configuration
func LoadWebRTCConfig() WebRTCConfig {
	config := DefaultWebRTCConfig()

	if viper.IsSet("webrtc.stun_servers") {
		config.STUNServers = viper.GetStringSlice("webrtc.stun_servers")
	}
	if servers := viper.GetStringSlice("webrtc.turn_servers"); len(servers) > 0 {
		config.TURNServers = servers
	}
	config.Username = viper.GetString("webrtc.username")
	config.Credential = viper.GetString("webrtc.credential")
	if size := viper.GetInt("webrtc.max_message_size"); size > 0 {
		config.MaxMessageSize = size
	}

	return config
}
