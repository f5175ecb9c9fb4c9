package fragment

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	mtus := []int{20, 23, 64, 185, 512}
	sizes := []int{1, 2, 20, 127, 128, 500, 1000, 1024}
	for _, mtu := range mtus {
		for _, size := range sizes {
			packet := make([]byte, size)
			rand.New(rand.NewSource(int64(mtu*size + 1))).Read(packet)

			frames := Encode(packet, mtu)
			if frames == nil {
				t.Fatalf("Encode unexpectedly rejected mtu=%d size=%d", mtu, size)
			}
			reassembler := NewReassembler()
			var got []byte
			for _, f := range frames {
				if out := reassembler.AddFragment(f); out != nil {
					got = out
				}
			}
			if !bytes.Equal(got, packet) {
				t.Fatalf("round trip mismatch mtu=%d size=%d", mtu, size)
			}
		}
	}
}

func TestSingleFragmentHeader(t *testing.T) {
	frames := Encode([]byte("hi"), 64)
	if len(frames) != 1 {
		t.Fatalf("expected 1 fragment, got %d", len(frames))
	}
	if frames[0][0] != 0xC0 {
		t.Errorf("header = %#x, want 0xC0", frames[0][0])
	}
}

func TestMultiFragmentHeaderBits(t *testing.T) {
	packet := make([]byte, 500)
	frames := Encode(packet, 20)
	if len(frames) < 2 {
		t.Fatalf("expected multiple fragments, got %d", len(frames))
	}
	firstCount, lastCount := 0, 0
	for i, f := range frames {
		header := f[0]
		if header&flagFirst != 0 {
			firstCount++
			if i != 0 {
				t.Errorf("first bit set on fragment %d, want only fragment 0", i)
			}
		}
		if header&flagLast != 0 {
			lastCount++
			if i != len(frames)-1 {
				t.Errorf("last bit set on fragment %d, want only last fragment", i)
			}
		}
		wantSeq := uint8(i) & seqMask
		if header&seqMask != wantSeq {
			t.Errorf("fragment %d sequence = %d, want %d", i, header&seqMask, wantSeq)
		}
	}
	if firstCount != 1 || lastCount != 1 {
		t.Errorf("firstCount=%d lastCount=%d, want exactly 1 each", firstCount, lastCount)
	}
}

func TestEncodeRejectsOversizedPacket(t *testing.T) {
	packet := make([]byte, MaxPacketSize+1)
	if frames := Encode(packet, 64); frames != nil {
		t.Errorf("expected nil for oversized packet, got %d fragments", len(frames))
	}
}

func TestReassemblerDiscardsOutOfOrderSequence(t *testing.T) {
	packet := make([]byte, 500)
	frames := Encode(packet, 20)
	r := NewReassembler()
	r.AddFragment(frames[0])
	// Skip a fragment to break sequence continuity.
	out := r.AddFragment(frames[2])
	if out != nil {
		t.Error("expected nil on out-of-order fragment")
	}
	// The in-progress packet must have been discarded: feeding the
	// skipped fragment as a continuation (not first) should be dropped.
	out = r.AddFragment(frames[1])
	if out != nil {
		t.Error("expected nil after prior discard, reassembly should require a fresh first fragment")
	}
}

func TestReassemblerDropsContinuationWithoutStart(t *testing.T) {
	r := NewReassembler()
	out := r.AddFragment([]byte{0x01, 0xAA})
	if out != nil {
		t.Error("expected nil for continuation fragment with no reassembly in progress")
	}
}

func TestVarintWorkedExamples(t *testing.T) {
	cases := []struct {
		n    uint64
		want []byte
	}{
		{0, []byte{0x00}},
		{192, []byte{0xC0, 0x01}},
		{2147483647, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x07}},
	}
	for _, tc := range cases {
		got := EncodeVarint(tc.n)
		if !bytes.Equal(got, tc.want) {
			t.Errorf("EncodeVarint(%d) = %x, want %x", tc.n, got, tc.want)
		}
		decoded, n := DecodeVarint(got)
		if decoded != tc.n || n != len(tc.want) {
			t.Errorf("DecodeVarint(%x) = (%d, %d), want (%d, %d)", got, decoded, n, tc.n, len(tc.want))
		}
	}
}
