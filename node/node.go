package node

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/outofforest/flashlog/types"
)

const (
	// Magic identifies node headers on the medium.
	Magic uint16 = 0x1985

	// HeaderSize is the size of the node header on the medium.
	HeaderSize = 56

	checksummedHeaderSize = HeaderSize - 8
)

var (
	// ErrCorrupt is returned if bytes on the medium do not form a valid node.
	ErrCorrupt = errors.New("corrupted node")

	// ErrErased is returned if header bytes are in the erased state, meaning that the log ends there.
	ErrErased = errors.New("erased space")
)

// Kind is the enum representing node kind.
type Kind uint8

// Node kinds.
const (
	KindData    Kind = 1
	KindPadding Kind = 2
)

// Header is the self-describing header written in front of every node payload.
type Header struct {
	Kind          Kind
	Compression   types.CompressionKind
	RawLen        uint32
	CompressedLen uint32
	Ino           types.Ino
	Version       types.Version
	Serial        types.Serial
	DataChecksum  uint64
}

// Len returns the number of bytes occupied by the node on the medium.
func (h Header) Len() uint32 {
	return HeaderSize + h.CompressedLen
}

// Marshal stores the header in p.
func (h Header) Marshal(p []byte) {
	_ = p[HeaderSize-1]

	binary.LittleEndian.PutUint16(p[0:], Magic)
	p[2] = byte(h.Kind)
	p[3] = byte(h.Compression)
	binary.LittleEndian.PutUint32(p[4:], h.RawLen)
	binary.LittleEndian.PutUint32(p[8:], h.CompressedLen)
	binary.LittleEndian.PutUint32(p[12:], 0)
	binary.LittleEndian.PutUint64(p[16:], uint64(h.Ino))
	binary.LittleEndian.PutUint64(p[24:], uint64(h.Version))
	binary.LittleEndian.PutUint64(p[32:], uint64(h.Serial))
	binary.LittleEndian.PutUint64(p[40:], h.DataChecksum)
	binary.LittleEndian.PutUint64(p[48:], xxhash.Sum64(p[:checksummedHeaderSize]))
}

// UnmarshalHeader parses and verifies the header stored at the beginning of p.
func UnmarshalHeader(p []byte) (Header, error) {
	if len(p) < HeaderSize {
		return Header{}, errors.Wrapf(ErrCorrupt, "%d bytes are too few for node header", len(p))
	}
	if isErased(p[:HeaderSize]) {
		return Header{}, errors.WithStack(ErrErased)
	}
	if magic := binary.LittleEndian.Uint16(p[0:]); magic != Magic {
		return Header{}, errors.Wrapf(ErrCorrupt, "invalid magic %#04x", magic)
	}
	checksum := binary.LittleEndian.Uint64(p[48:])
	if computed := xxhash.Sum64(p[:checksummedHeaderSize]); computed != checksum {
		return Header{}, errors.Wrapf(ErrCorrupt, "header checksum mismatch, computed: %#x, stored: %#x", computed,
			checksum)
	}

	h := Header{
		Kind:          Kind(p[2]),
		Compression:   types.CompressionKind(p[3]),
		RawLen:        binary.LittleEndian.Uint32(p[4:]),
		CompressedLen: binary.LittleEndian.Uint32(p[8:]),
		Ino:           types.Ino(binary.LittleEndian.Uint64(p[16:])),
		Version:       types.Version(binary.LittleEndian.Uint64(p[24:])),
		Serial:        types.Serial(binary.LittleEndian.Uint64(p[32:])),
		DataChecksum:  binary.LittleEndian.Uint64(p[40:]),
	}
	if h.Kind != KindData && h.Kind != KindPadding {
		return Header{}, errors.Wrapf(ErrCorrupt, "unknown node kind %d", h.Kind)
	}
	return h, nil
}

// Encode returns the data node storing payload.
// Payload must be already in the form defined by compression, rawLen is the length after decompression.
func Encode(
	ino types.Ino,
	version types.Version,
	serial types.Serial,
	compression types.CompressionKind,
	rawLen uint32,
	payload []byte,
) []byte {
	h := Header{
		Kind:          KindData,
		Compression:   compression,
		RawLen:        rawLen,
		CompressedLen: uint32(len(payload)),
		Ino:           ino,
		Version:       version,
		Serial:        serial,
		DataChecksum:  xxhash.Sum64(payload),
	}

	p := make([]byte, h.Len())
	h.Marshal(p)
	copy(p[HeaderSize:], payload)
	return p
}

// Decode verifies the node stored at the beginning of p and returns its header and payload.
func Decode(p []byte) (Header, []byte, error) {
	h, err := UnmarshalHeader(p)
	if err != nil {
		return Header{}, nil, err
	}
	if h.Kind != KindData {
		return Header{}, nil, errors.Wrapf(ErrCorrupt, "node of kind %d does not carry data", h.Kind)
	}
	if uint64(len(p)) < uint64(h.Len()) {
		return Header{}, nil, errors.Wrapf(ErrCorrupt, "node needs %d bytes, %d available", h.Len(), len(p))
	}

	payload := p[HeaderSize:h.Len()]
	if computed := xxhash.Sum64(payload); computed != h.DataChecksum {
		return Header{}, nil, errors.Wrapf(ErrCorrupt, "data checksum mismatch, computed: %#x, stored: %#x",
			computed, h.DataChecksum)
	}
	return h, payload, nil
}

// Padding returns n bytes filling unused space up to the end of a page.
// If there is enough room, padding node is produced, so the space is skipped when the log is scanned. Shorter gaps
// are zero-filled.
func Padding(n int) []byte {
	p := make([]byte, n)
	if n < HeaderSize {
		return p
	}

	Header{
		Kind:          KindPadding,
		CompressedLen: uint32(n - HeaderSize),
	}.Marshal(p)
	return p
}

func isErased(p []byte) bool {
	for _, b := range p {
		if b != 0xff {
			return false
		}
	}
	return true
}
