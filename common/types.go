package common

import (
	"time"

	"github.com/spf13/viper"
)

// TransferState represents the state of a sender or receiver engine
type TransferState int

const (
	// TransferStateIdle indicates nothing has started yet
	TransferStateIdle TransferState = iota
	// TransferStateNegotiating indicates the peer connection is being set up
	TransferStateNegotiating
	// TransferStateSending indicates chunks are being written
	TransferStateSending
	// TransferStateAwaitingManifest indicates the channel is open but no manifest has arrived
	TransferStateAwaitingManifest
	// TransferStateReceiving indicates chunks are being collected
	TransferStateReceiving
	// TransferStateComplete indicates the transfer finished
	TransferStateComplete
	// TransferStateFailed indicates the transfer failed
	TransferStateFailed
	// TransferStateCancelled indicates the transfer was aborted
	TransferStateCancelled
)

// String returns a string representation of the transfer state
func (s TransferState) String() string {
	switch s {
	case TransferStateIdle:
		return "idle"
	case TransferStateNegotiating:
		return "negotiating"
	case TransferStateSending:
		return "sending"
	case TransferStateAwaitingManifest:
		return "awaiting_manifest"
	case TransferStateReceiving:
		return "receiving"
	case TransferStateComplete:
		return "complete"
	case TransferStateFailed:
		return "failed"
	case TransferStateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen
func (s TransferState) Terminal() bool {
	return s == TransferStateComplete || s == TransferStateFailed || s == TransferStateCancelled
}

// TransferConfig contains configuration for the sender and receiver engines
type TransferConfig struct {
	ChunkSize              int           `json:"chunk_size"`
	HighWaterMark          uint64        `json:"high_water_mark"`
	BackpressureWait       time.Duration `json:"backpressure_wait"`
	RetryInterval          time.Duration `json:"retry_interval"`
	MaxRetries             int           `json:"max_retries"` // 0 retries forever
	CompletionPollInterval time.Duration `json:"completion_poll_interval"`
	VerifyFileID           bool          `json:"verify_file_id"`
}

// DefaultTransferConfig returns a default transfer configuration
func DefaultTransferConfig() TransferConfig {
	return TransferConfig{
		ChunkSize:              256 * 1024,       // 256KB
		HighWaterMark:          16 * 1024 * 1024, // 16MB
		BackpressureWait:       50 * time.Millisecond,
		RetryInterval:          time.Second,
		MaxRetries:             10,
		CompletionPollInterval: 500 * time.Millisecond,
		VerifyFileID:           true,
	}
}

// LoadTransferConfig reads the transfer section of the configuration,
// falling back to defaults for unset keys
func LoadTransferConfig() TransferConfig {
	config := DefaultTransferConfig()

	if v := viper.GetInt("transfer.chunk_size"); v > 0 {
		config.ChunkSize = v
	}
	if v := viper.GetUint64("transfer.high_water_mark"); v > 0 {
		config.HighWaterMark = v
	}
	if v := viper.GetDuration("transfer.backpressure_wait"); v > 0 {
		config.BackpressureWait = v
	}
	if v := viper.GetDuration("transfer.retry_interval"); v > 0 {
		config.RetryInterval = v
	}
	if viper.IsSet("transfer.max_retries") {
		config.MaxRetries = viper.GetInt("transfer.max_retries")
	}
	if v := viper.GetDuration("transfer.completion_poll_interval"); v > 0 {
		config.CompletionPollInterval = v
	}
	if viper.IsSet("transfer.verify_file_id") {
		config.VerifyFileID = viper.GetBool("transfer.verify_file_id")
	}

	return config
}
