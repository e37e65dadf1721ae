package file

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PacketHeaderSize is the length of the index and length prefix on each chunk packet
const PacketHeaderSize = 8

var (
	// ErrShortPacket is returned for packets smaller than the header
	ErrShortPacket = errors.New("packet shorter than header")
	// ErrSizeMismatch is returned when the declared length disagrees with the payload
	ErrSizeMismatch = errors.New("packet length mismatch")
)

// EncodePacket frames a chunk payload as a big-endian uint32 index, a
// big-endian uint32 length and the payload bytes
func EncodePacket(index uint32, payload []byte) []byte {
	packet := make([]byte, PacketHeaderSize+len(payload))
	binary.BigEndian.PutUint32(packet[0:4], index)
	binary.BigEndian.PutUint32(packet[4:8], uint32(len(payload)))
	copy(packet[PacketHeaderSize:], payload)
	return packet
}

// DecodePacket splits a packet into its chunk index and payload. The payload
// aliases data.
func DecodePacket(data []byte) (uint32, []byte, error) {
	if len(data) < PacketHeaderSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(data))
	}

	index := binary.BigEndian.Uint32(data[0:4])
	length := binary.BigEndian.Uint32(data[4:8])
	payload := data[PacketHeaderSize:]

	if uint64(length) != uint64(len(payload)) {
		return index, nil, fmt.Errorf("%w: header says %d, got %d", ErrSizeMismatch, length, len(payload))
	}

	return index, payload, nil
}
