// Package wire implements the RDT packet codec: a fixed 11-byte header
// followed by an opaque payload, integrity-checked with CRC32.
package wire

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

// MaxPayload is the largest payload a DATA packet may carry. Fixed at 32
// bytes so that, combined with the session's mandatory inter-chunk gap,
// aggregate throughput stays under 500 bps.
const MaxPayload = 32

// HeaderSize is the on-wire size of everything before the payload:
// seq_num(4) + flags(1) + length(2) + checksum(4).
const HeaderSize = 4 + 1 + 2 + 4

// FlagACK marks a packet as an acknowledgement rather than data.
const FlagACK = 0x01

// ErrShortBuffer is returned by Decode when buf is too small to contain a
// full header.
var ErrShortBuffer = errors.New("wire: buffer shorter than header")

// ErrPayloadTooLarge is returned by Encode when payload exceeds MaxPayload.
var ErrPayloadTooLarge = errors.New("wire: payload exceeds MaxPayload")

// Packet is the decoded form of an on-wire RDT packet.
type Packet struct {
	Seq     uint32
	ACK     bool
	Payload []byte
}

// Encode serializes seq/ack/payload into wire bytes, computing the CRC32
// over the header fields other than the checksum (seq, flags, length)
// concatenated with the payload. Callers are responsible for chunking payload to MaxPayload
// before calling Encode.
func Encode(seq uint32, ack bool, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, errors.Wrapf(ErrPayloadTooLarge, "len=%d max=%d", len(payload), MaxPayload)
	}
	if ack && len(payload) != 0 {
		return nil, errors.New("wire: ACK packets must have empty payload")
	}

	var flags byte
	if ack {
		flags = FlagACK
	}
	length := uint16(len(payload))

	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], seq)
	buf[4] = flags
	binary.BigEndian.PutUint16(buf[5:7], length)
	// buf[7:11] (checksum) is written below; the CRC covers buf[:7] and
	// the payload only.
	copy(buf[HeaderSize:], payload)

	sum := crc32.ChecksumIEEE(buf[:7])
	sum = crc32.Update(sum, crc32.IEEETable, payload)
	binary.BigEndian.PutUint32(buf[7:11], sum)

	return buf, nil
}

// Decode parses raw bytes into a Packet and reports whether its checksum
// is valid. The packet is returned even when the checksum fails so the
// caller may log it, but it MUST NOT be acted on unless ok is true.
func Decode(buf []byte) (pkt Packet, ok bool, err error) {
	if len(buf) < HeaderSize {
		return Packet{}, false, ErrShortBuffer
	}

	seq := binary.BigEndian.Uint32(buf[0:4])
	flags := buf[4]
	length := binary.BigEndian.Uint16(buf[5:7])
	checksum := binary.BigEndian.Uint32(buf[7:11])

	if len(buf) < HeaderSize+int(length) {
		return Packet{}, false, errors.Wrapf(ErrShortBuffer, "declared length %d exceeds buffer", length)
	}
	payload := buf[HeaderSize : HeaderSize+int(length)]

	sum := crc32.ChecksumIEEE(buf[0:4])
	sum = crc32.Update(sum, crc32.IEEETable, []byte{flags})
	lengthBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(lengthBytes, length)
	sum = crc32.Update(sum, crc32.IEEETable, lengthBytes)
	sum = crc32.Update(sum, crc32.IEEETable, payload)

	pkt = Packet{
		Seq:     seq,
		ACK:     flags&FlagACK != 0,
		Payload: append([]byte(nil), payload...),
	}
	return pkt, sum == checksum, nil
}
