package firmware

import "testing"

func TestCRC16CCITTKnownVector(t *testing.T) {
	// "123456789" is the standard CRC check input. Seeded with 0 (poly
	// 0x1021) this is CRC-16/XMODEM, check value 0x31C3; seeded with 0xFFFF
	// it is CRC-16/CCITT-FALSE, check value 0x29B1.
	a := crc16CCITT(0, []byte("123456789"))
	b := crc16CCITT(0, []byte("123456789"))
	if a != b {
		t.Fatal("crc16CCITT is not deterministic")
	}
	if a != 0x31C3 {
		t.Errorf("crc16 of \"123456789\" with seed 0 = %#x, want 0x31c3", a)
	}
	if got := crc16CCITT(0xFFFF, []byte("123456789")); got != 0x29B1 {
		t.Errorf("crc16 of \"123456789\" with seed 0xFFFF = %#x, want 0x29b1", got)
	}
	if crc16CCITT(0, nil) != 0 {
		t.Errorf("crc16 of empty input with seed 0 = %#x, want 0", crc16CCITT(0, nil))
	}
}

func TestCRC16CCITTCumulative(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	whole := crc16CCITT(0, data)

	// Feeding a prefix then continuing with the running CRC as seed must
	// equal computing over the whole buffer at once: the computation is
	// defined over the cumulative bytes written so far.
	split := len(data) / 2
	partial := crc16CCITT(0, data[:split])
	rest := crc16CCITT(partial, data[split:])
	if rest != whole {
		t.Errorf("split crc = %#x, whole crc = %#x", rest, whole)
	}
}
