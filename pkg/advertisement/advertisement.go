// Package advertisement decodes the Jacquard manufacturer-data
// advertisement payload into the tag's pairing serial number.
package advertisement

import "encoding/binary"

// ManufacturerID is the 16-bit Jacquard manufacturer id, big-endian on the
// wire.
const ManufacturerID = 0xE000

const sentinel = 63

// DecodeSerial extracts the pairing serial number from a manufacturer-data
// blob. It returns false if the blob is too short or does not start with
// ManufacturerID.
func DecodeSerial(data []byte) (string, bool) {
	if len(data) < 2 {
		return "", false
	}
	if binary.BigEndian.Uint16(data[:2]) != ManufacturerID {
		return "", false
	}
	return decode6Bit(data[2:]), true
}

// decode6Bit unpacks bits LSB-first across body into 6-bit codes and maps
// each to its alphabet character, stopping at the end-of-string sentinel.
// Codes outside the alphabet are skipped rather than terminating decode,
// matching a forward-compatible wire format.
func decode6Bit(body []byte) string {
	var out []byte
	var bitPos int
	total := len(body) * 8

	for bitPos+6 <= total {
		var code uint8
		for i := 0; i < 6; i++ {
			byteIdx := (bitPos + i) / 8
			bitIdx := (bitPos + i) % 8
			bit := (body[byteIdx] >> uint(bitIdx)) & 1
			code |= bit << uint(i)
		}
		bitPos += 6

		if code == sentinel {
			break
		}
		if ch, ok := alphabetChar(code); ok {
			out = append(out, ch)
		}
	}
	return string(out)
}

func alphabetChar(code uint8) (byte, bool) {
	switch {
	case code <= 9:
		return '0' + code, true
	case code <= 35:
		return 'A' + (code - 10), true
	case code <= 61:
		return 'a' + (code - 36), true
	case code == 62:
		return '-', true
	default:
		return 0, false
	}
}
