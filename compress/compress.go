package compress

import (
	"github.com/pkg/errors"

	"github.com/outofforest/flashlog/types"
)

// ErrCorrupt is returned if compressed data cannot be decoded.
var ErrCorrupt = errors.New("corrupted compressed data")

// Mode defines which compressor is tried when nodes are written.
type Mode uint8

// Compression modes.
const (
	ModeNone Mode = iota
	ModeRTime
)

// String returns name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeRTime:
		return "rtime"
	default:
		return "unknown"
	}
}

// ParseMode returns the mode by its name.
func ParseMode(name string) (Mode, error) {
	switch name {
	case "none":
		return ModeNone, nil
	case "rtime":
		return ModeRTime, nil
	default:
		return 0, errors.Errorf("unknown compression mode %q", name)
	}
}

// Compress returns the form in which payload should be stored.
// Compressed form is chosen only if the whole payload was consumed and the result is smaller, otherwise payload
// itself is returned with CompressionNone.
func Compress(mode Mode, payload []byte) (types.CompressionKind, []byte) {
	if mode == ModeRTime {
		if out, consumed, ok := RTimeCompress(payload, len(payload)); ok && consumed == len(payload) {
			return types.CompressionRTime, out
		}
	}
	return types.CompressionNone, payload
}

// Decompress restores rawLen bytes of payload stored in the form defined by kind.
func Decompress(kind types.CompressionKind, data []byte, rawLen int) ([]byte, error) {
	switch kind {
	case types.CompressionNone:
		if len(data) != rawLen {
			return nil, errors.Wrapf(ErrCorrupt, "raw payload has %d bytes, expected %d", len(data), rawLen)
		}
		return data, nil
	case types.CompressionRTime:
		return RTimeDecompress(data, rawLen)
	default:
		return nil, errors.Wrapf(ErrCorrupt, "unknown compression kind %d", kind)
	}
}
