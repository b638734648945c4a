package compress

import (
	"github.com/pkg/errors"
)

// maxRunLength is the longest run encoded by a single literal/run pair.
const maxRunLength = 255

// RTimeCompress compresses src using the rtime scheme.
//
// Output is a sequence of (literal, run length) byte pairs. For every literal the position following its previous
// occurrence is remembered and the run counts how many following bytes repeat the bytes following that earlier
// occurrence. The position table starts zeroed on every call, so each output is self-contained.
//
// No more than capacity bytes are produced. If capacity is exhausted before src is consumed, the partial output is
// returned together with the number of consumed source bytes. ok is false if the output is not smaller than the
// consumed input, in which case data must be stored uncompressed.
func RTimeCompress(src []byte, capacity int) (out []byte, consumed int, ok bool) {
	var positions [256]int

	out = make([]byte, 0, capacity)
	pos := 0
	for pos < len(src) && len(out) <= capacity-2 {
		value := src[pos]
		out = append(out, value)
		pos++

		backPos := positions[value]
		positions[value] = pos

		runLength := 0
		for backPos < pos && pos < len(src) && src[pos] == src[backPos] && runLength < maxRunLength {
			pos++
			backPos++
			runLength++
		}
		out = append(out, byte(runLength))
	}

	if len(out) >= pos {
		return nil, 0, false
	}
	return out, pos, true
}

// RTimeDecompress restores outLen bytes from data produced by RTimeCompress.
// Malformed input never causes reads or writes out of bounds, ErrCorrupt is returned instead.
func RTimeDecompress(src []byte, outLen int) ([]byte, error) {
	// Each pair of input bytes restores at most maxRunLength+1 bytes.
	if outLen < 0 || outLen > len(src)/2*(maxRunLength+1) {
		return nil, errors.Wrapf(ErrCorrupt, "%d bytes of rtime input can't restore %d bytes", len(src), outLen)
	}

	var positions [256]int

	out := make([]byte, outLen)
	outPos := 0
	pos := 0
	for outPos < outLen {
		if pos+2 > len(src) {
			return nil, errors.Wrapf(ErrCorrupt, "rtime input truncated at %d, %d of %d bytes restored", pos, outPos,
				outLen)
		}
		value := src[pos]
		repeat := int(src[pos+1])
		pos += 2

		out[outPos] = value
		outPos++

		backOffset := positions[value]
		positions[value] = outPos

		if repeat == 0 {
			continue
		}
		if outPos+repeat > outLen {
			return nil, errors.Wrapf(ErrCorrupt, "rtime run of %d bytes at %d exceeds output length %d", repeat,
				outPos, outLen)
		}

		if backOffset+repeat >= outPos {
			// Source and destination overlap, bytes written by this run are read back by it.
			for ; repeat > 0; repeat-- {
				out[outPos] = out[backOffset]
				outPos++
				backOffset++
			}
			continue
		}

		copy(out[outPos:outPos+repeat], out[backOffset:backOffset+repeat])
		outPos += repeat
	}

	if pos != len(src) {
		return nil, errors.Wrapf(ErrCorrupt, "rtime input has %d trailing bytes", len(src)-pos)
	}

	return out, nil
}
