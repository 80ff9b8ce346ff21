// Package wire implements the packet framing codec shared by every layer:
// a flag byte, a sequence number, a sender id, an optional metadata slice,
// and up to MaxPayloads length-prefixed payload slices, all little-endian.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxPayloads bounds the number of payload slices a single packet carries.
const MaxPayloads = 8

// MaxMessageSize is the largest encoded packet this codec will produce or
// accept: the practical IPv4 UDP payload ceiling (65535 minus the 8-byte
// UDP and 20-byte IP headers), below 64 KiB - 1.
const MaxMessageSize = 65507

const (
	flagLen     = 1
	seqLen      = 4
	senderLen   = 1
	lenPrefix   = 2
	minPacketSz = flagLen + seqLen + senderLen + lenPrefix // + metadata bytes
)

// ErrPacketTooLarge is returned by Encode when the encoded form would
// exceed MaxMessageSize.
var ErrPacketTooLarge = errors.New("wire: packet too large")

// ErrMalformedPacket is returned by Decode when a declared length would
// read past the end of the input buffer.
var ErrMalformedPacket = errors.New("wire: malformed packet")

// ErrTooManyPayloads is returned by Encode when more than MaxPayloads
// payload slices are supplied.
var ErrTooManyPayloads = errors.New("wire: too many payload slices")

// Packet is the decoded form of one datagram. Metadata and Payloads alias
// the buffer Decode was called with; callers that retain a Packet past the
// lifetime of that buffer must copy.
type Packet struct {
	IsAck    bool
	SeqNr    uint32
	SenderID uint8
	Metadata []byte
	Payloads [][]byte
}

// EncodedSize returns the number of bytes Encode would need for the given
// arguments, without writing anything.
func EncodedSize(metadata []byte, payloads ...[]byte) int {
	n := minPacketSz + len(metadata)
	for _, p := range payloads {
		n += lenPrefix + len(p)
	}
	return n
}

// Encode writes a packet into buf and returns the number of bytes written.
// buf must be at least EncodedSize(metadata, payloads...) long.
func Encode(buf []byte, seqNr uint32, isAck bool, senderID uint8, metadata []byte, payloads ...[]byte) (int, error) {
	if len(payloads) > MaxPayloads {
		return 0, fmt.Errorf("%w: got %d, max %d", ErrTooManyPayloads, len(payloads), MaxPayloads)
	}
	need := EncodedSize(metadata, payloads...)
	if need > MaxMessageSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, need)
	}
	if len(buf) < need {
		return 0, fmt.Errorf("%w: buffer too small (%d < %d)", ErrPacketTooLarge, len(buf), need)
	}

	off := 0
	if isAck {
		buf[off] = 1
	} else {
		buf[off] = 0
	}
	off += flagLen

	binary.LittleEndian.PutUint32(buf[off:], seqNr)
	off += seqLen

	buf[off] = senderID
	off += senderLen

	binary.LittleEndian.PutUint16(buf[off:], uint16(len(metadata)))
	off += lenPrefix
	off += copy(buf[off:], metadata)

	for _, p := range payloads {
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(p)))
		off += lenPrefix
		off += copy(buf[off:], p)
	}

	return off, nil
}

// Decode parses a packet out of buf. Returned slices alias buf.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < minPacketSz {
		return Packet{}, fmt.Errorf("%w: too short (%d bytes)", ErrMalformedPacket, len(buf))
	}

	off := 0
	isAck := buf[off] != 0
	off += flagLen

	seqNr := binary.LittleEndian.Uint32(buf[off:])
	off += seqLen

	senderID := buf[off]
	off += senderLen

	metaLen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += lenPrefix
	if off+metaLen > len(buf) {
		return Packet{}, fmt.Errorf("%w: metadata length %d exceeds buffer", ErrMalformedPacket, metaLen)
	}
	var metadata []byte
	if metaLen > 0 {
		metadata = buf[off : off+metaLen]
	}
	off += metaLen

	var payloads [][]byte
	for off < len(buf) {
		if off+lenPrefix > len(buf) {
			return Packet{}, fmt.Errorf("%w: truncated payload length prefix", ErrMalformedPacket)
		}
		plen := int(binary.LittleEndian.Uint16(buf[off:]))
		off += lenPrefix
		if off+plen > len(buf) {
			return Packet{}, fmt.Errorf("%w: payload length %d exceeds buffer", ErrMalformedPacket, plen)
		}
		if plen > 0 {
			payloads = append(payloads, buf[off:off+plen])
		} else {
			payloads = append(payloads, nil)
		}
		off += plen
		if len(payloads) > MaxPayloads {
			return Packet{}, fmt.Errorf("%w: more than %d payload slices", ErrMalformedPacket, MaxPayloads)
		}
	}

	return Packet{
		IsAck:    isAck,
		SeqNr:    seqNr,
		SenderID: senderID,
		Metadata: metadata,
		Payloads: payloads,
	}, nil
}
