package encoding

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func roundTrip(t *testing.T, values []uint32) []byte {
	t.Helper()
	enc, err := EncodeBrick(nil, values)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(enc) > MaxEncodedSize {
		t.Fatalf("encoded %d bytes, exceeds bound %d", len(enc), MaxEncodedSize)
	}
	out := make([]uint32, BrickVolume)
	n, err := DecodeBrick(enc, out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(enc) {
		t.Fatalf("consumed %d of %d bytes", n, len(enc))
	}
	for i := range values {
		if out[i] != values[i] {
			t.Fatalf("value %d: %#x != %#x", i, out[i], values[i])
		}
	}
	return enc
}

func TestRLE_UniformBrick(t *testing.T) {
	values := make([]uint32, BrickVolume)
	for i := range values {
		values[i] = 0xCAFE
	}
	enc := roundTrip(t, values)

	// 512 identical values cap at 256 per run: exactly two runs.
	if runs := binary.LittleEndian.Uint16(enc); runs != 2 {
		t.Fatalf("%d runs, want 2", runs)
	}
	if enc[2] != 255 || enc[3] != 255 {
		t.Fatalf("run lengths %d,%d, want 255,255", enc[2], enc[3])
	}
	if len(enc) != 2+2+2*4 {
		t.Fatalf("encoded %d bytes, want 12", len(enc))
	}
}

func TestRLE_AllZero(t *testing.T) {
	roundTrip(t, make([]uint32, BrickVolume))
}

func TestRLE_Alternating(t *testing.T) {
	values := make([]uint32, BrickVolume)
	for i := range values {
		values[i] = uint32(i % 2)
	}
	enc := roundTrip(t, values)
	if runs := binary.LittleEndian.Uint16(enc); runs != BrickVolume {
		t.Fatalf("%d runs, want %d", runs, BrickVolume)
	}
	if len(enc) != MaxEncodedSize {
		t.Fatalf("worst case encoded %d bytes, want %d", len(enc), MaxEncodedSize)
	}
}

func TestRLE_RunCapBoundary(t *testing.T) {
	// 256 + 256 of two values: two full runs.
	values := make([]uint32, BrickVolume)
	for i := 256; i < BrickVolume; i++ {
		values[i] = 9
	}
	enc := roundTrip(t, values)
	if runs := binary.LittleEndian.Uint16(enc); runs != 2 {
		t.Fatalf("%d runs, want 2", runs)
	}

	// 257 + 255: three runs, cap split mid-value.
	values[256] = 0
	enc = roundTrip(t, values)
	if runs := binary.LittleEndian.Uint16(enc); runs != 3 {
		t.Fatalf("%d runs, want 3", runs)
	}
}

func TestRLE_EncodeLengthValidation(t *testing.T) {
	if _, err := EncodeBrick(nil, make([]uint32, 100)); err == nil {
		t.Fatalf("short input accepted")
	}
	if _, err := EncodeBrick(nil, make([]uint32, BrickVolume+1)); err == nil {
		t.Fatalf("long input accepted")
	}
}

func TestRLE_DecodeCorruption(t *testing.T) {
	good, err := EncodeBrick(nil, make([]uint32, BrickVolume))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out := make([]uint32, BrickVolume)

	cases := map[string][]byte{
		"empty":           {},
		"one byte":        {1},
		"zero runs":       {0, 0},
		"excess runs":     binary.LittleEndian.AppendUint16(nil, BrickVolume+1),
		"truncated body":  good[:len(good)-1],
		"short expansion": append(binary.LittleEndian.AppendUint16(nil, 1), 0, 1, 0, 0, 0),
	}
	for name, src := range cases {
		if _, err := DecodeBrick(src, out); !errors.Is(err, ErrCorrupt) {
			t.Fatalf("%s: err %v, want ErrCorrupt", name, err)
		}
	}

	// Runs expanding past one brick.
	over := binary.LittleEndian.AppendUint16(nil, 3)
	over = append(over, 255, 255, 255)
	over = append(over, bytes.Repeat([]byte{0}, 12)...)
	if _, err := DecodeBrick(over, out); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("over-expansion: err %v, want ErrCorrupt", err)
	}
}

func TestRLE_DecodeConsumesPrefixOnly(t *testing.T) {
	values := make([]uint32, BrickVolume)
	for i := range values {
		values[i] = uint32(i / 64)
	}
	enc, err := EncodeBrick(nil, values)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	stream := append(append([]byte{}, enc...), 0xDE, 0xAD, 0xBE, 0xEF)
	out := make([]uint32, BrickVolume)
	n, err := DecodeBrick(stream, out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(enc) {
		t.Fatalf("consumed %d, want %d", n, len(enc))
	}
}
