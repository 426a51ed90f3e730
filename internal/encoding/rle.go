package encoding

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Run-length codec for one brick of 512 packed block values.
//
// Layout is lengths-then-values rather than interleaved pairs: a u16 run
// count, then one byte per run holding length-1 (so a run spans 1..256
// values and the count byte never overflows), then the run values as
// little-endian u32. Keeping the two sub-streams contiguous decodes in two
// tight loops and compresses better downstream.

const (
	// BrickVolume is the exact number of values a brick stream carries.
	BrickVolume = 512

	// maxRun is the run cap; the stored byte is length-1.
	maxRun = 256

	// MaxEncodedSize bounds the stream: worst case is 512 one-value runs.
	MaxEncodedSize = 2 + BrickVolume + BrickVolume*4
)

// ErrCorrupt reports a stream whose runs do not reconstruct exactly one
// brick. Returned, never panicked; the caller decides skip-vs-abort.
var ErrCorrupt = errors.New("rle: corrupt brick stream")

// EncodeBrick appends the encoded stream for exactly 512 values to dst.
func EncodeBrick(dst []byte, values []uint32) ([]byte, error) {
	if len(values) != BrickVolume {
		return dst, fmt.Errorf("rle: encode needs %d values, got %d", BrickVolume, len(values))
	}

	var lengths [BrickVolume]byte
	var runs [BrickVolume]uint32
	n := 0
	for i := 0; i < len(values); {
		v := values[i]
		run := 1
		for i+run < len(values) && values[i+run] == v && run < maxRun {
			run++
		}
		lengths[n] = byte(run - 1)
		runs[n] = v
		n++
		i += run
	}

	dst = binary.LittleEndian.AppendUint16(dst, uint16(n))
	dst = append(dst, lengths[:n]...)
	for _, v := range runs[:n] {
		dst = binary.LittleEndian.AppendUint32(dst, v)
	}
	return dst, nil
}

// DecodeBrick expands one brick stream from the front of src into out
// (len 512) and returns the number of bytes consumed. Run totals that
// would write anything other than exactly 512 values are ErrCorrupt.
func DecodeBrick(src []byte, out []uint32) (int, error) {
	if len(out) != BrickVolume {
		return 0, fmt.Errorf("rle: decode needs a %d-value buffer, got %d", BrickVolume, len(out))
	}
	if len(src) < 2 {
		return 0, fmt.Errorf("%w: truncated run count", ErrCorrupt)
	}
	runs := int(binary.LittleEndian.Uint16(src))
	if runs == 0 || runs > BrickVolume {
		return 0, fmt.Errorf("%w: run count %d", ErrCorrupt, runs)
	}
	need := 2 + runs + runs*4
	if len(src) < need {
		return 0, fmt.Errorf("%w: stream truncated (%d < %d)", ErrCorrupt, len(src), need)
	}

	lengths := src[2 : 2+runs]
	values := src[2+runs : need]

	total := 0
	for _, l := range lengths {
		total += int(l) + 1
	}
	if total != BrickVolume {
		return 0, fmt.Errorf("%w: runs expand to %d values", ErrCorrupt, total)
	}

	pos := 0
	for r := 0; r < runs; r++ {
		v := binary.LittleEndian.Uint32(values[r*4:])
		end := pos + int(lengths[r]) + 1
		for ; pos < end; pos++ {
			out[pos] = v
		}
	}
	return need, nil
}
