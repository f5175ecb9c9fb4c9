// Package fragment implements the bidirectional codec between whole
// packets and MTU-sized BLE fragments. It performs no I/O.
package fragment

import (
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/encoding/protowire"
)

var logger = logrus.WithField("component", "fragment")

// MaxPacketSize is the largest serialized packet the codec accepts.
const MaxPacketSize = 1024

const (
	flagFirst = 0x80
	flagLast  = 0x40
	seqMask   = 0x3F
)

// Fragment is a single MTU-sized slice of a larger packet, never exposed
// outside the Transport/Fragmenter pair.
type Fragment struct {
	First    bool
	Last     bool
	Sequence uint8
	Payload  []byte
}

// Encode splits packet into a slice of fragments, each with its header
// included, suitable for consecutive BLE writes. mtu is the link MTU; the
// usable payload per fragment is mtu-3. Packets over MaxPacketSize are
// rejected: Encode returns nil and logs an assertion failure rather than
// panicking or silently truncating.
func Encode(packet []byte, mtu int) [][]byte {
	if len(packet) > MaxPacketSize {
		logger.WithField("len", len(packet)).Error("fragment: packet exceeds 1024 bytes, rejecting")
		return nil
	}
	effective := mtu - 3
	if effective < 1 {
		logger.WithField("mtu", mtu).Error("fragment: mtu too small to carry any payload")
		return nil
	}

	lengthPrefix := protowire.AppendVarint(nil, uint64(len(packet)))
	first := append(append([]byte{}, lengthPrefix...), packet...)

	var fragments [][]byte
	seq := 0
	for len(first) > 0 {
		chunkSize := effective
		if chunkSize > len(first) {
			chunkSize = len(first)
		}
		chunk := first[:chunkSize]
		first = first[chunkSize:]

		header := byte(seq & seqMask)
		if seq == 0 {
			header |= flagFirst
		}
		if len(first) == 0 {
			header |= flagLast
		}
		buf := make([]byte, 0, 1+len(chunk))
		buf = append(buf, header)
		buf = append(buf, chunk...)
		fragments = append(fragments, buf)
		seq++
	}
	return fragments
}

// EncodeVarint little-endian 7-bits-per-byte varint encodes n. Defined for
// non-negative integers only; callers must not pass negative values.
func EncodeVarint(n uint64) []byte {
	return protowire.AppendVarint(nil, n)
}

// DecodeVarint decodes a varint from the front of b, returning the value
// and the number of bytes consumed. n == 0 signals a decode failure.
func DecodeVarint(b []byte) (value uint64, n int) {
	v, consumed := protowire.ConsumeVarint(b)
	if consumed < 0 {
		return 0, 0
	}
	return v, consumed
}
