package persistence

import (
	"bytes"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

const (
	// MarkerSize is the size of the clean marker stored at the beginning of each erase block.
	MarkerSize = 24

	// FormatVersion is the version of the on-medium format.
	FormatVersion uint16 = 1

	markerMagic uint32 = 0x464C4F47
)

// ErrNoMarker is returned if block does not start with valid clean marker.
var ErrNoMarker = errors.New("clean marker not found")

// Marker is the clean marker written to the block once it is erased.
type Marker struct {
	EraseCount uint64
}

// Marshal stores the marker in p.
func (m Marker) Marshal(p []byte) {
	_ = p[MarkerSize-1]

	binary.LittleEndian.PutUint32(p[0:], markerMagic)
	binary.LittleEndian.PutUint16(p[4:], FormatVersion)
	binary.LittleEndian.PutUint16(p[6:], 0)
	binary.LittleEndian.PutUint64(p[8:], m.EraseCount)
	binary.LittleEndian.PutUint64(p[16:], xxhash.Sum64(p[:16]))
}

// UnmarshalMarker parses and verifies the marker stored at the beginning of p.
func UnmarshalMarker(p []byte) (Marker, error) {
	if len(p) < MarkerSize {
		return Marker{}, errors.Wrapf(ErrNoMarker, "%d bytes are too few for clean marker", len(p))
	}
	if magic := binary.LittleEndian.Uint32(p[0:]); magic != markerMagic {
		return Marker{}, errors.Wrapf(ErrNoMarker, "invalid magic %#08x", magic)
	}
	if version := binary.LittleEndian.Uint16(p[4:]); version != FormatVersion {
		return Marker{}, errors.Errorf("unsupported format version %d", version)
	}
	checksum := binary.LittleEndian.Uint64(p[16:])
	if computed := xxhash.Sum64(p[:16]); computed != checksum {
		return Marker{}, errors.Wrapf(ErrNoMarker, "checksum mismatch, computed: %#x, stored: %#x", computed, checksum)
	}

	return Marker{
		EraseCount: binary.LittleEndian.Uint64(p[8:]),
	}, nil
}

// DataStart returns the offset inside the block where log data begins.
// Marker occupies whole pages on page-programmed media, otherwise it is 8-byte aligned.
func DataStart(pageSize int64) int64 {
	if pageSize <= 1 {
		return (MarkerSize + 7) &^ 7
	}
	return (MarkerSize + pageSize - 1) / pageSize * pageSize
}

// WriteMarker programs the clean marker to the block at offset.
func WriteMarker(dev Dev, offset int64, m Marker) error {
	p := bytes.Repeat([]byte{0xff}, int(DataStart(dev.PageSize())))
	m.Marshal(p)
	if err := dev.Program(offset, p); err != nil {
		return errors.Wrapf(err, "writing clean marker to block at offset %#x failed", offset)
	}
	return nil
}

// ReadMarker reads and verifies the clean marker of the block at offset.
func ReadMarker(dev Dev, offset int64) (Marker, error) {
	p := make([]byte, MarkerSize)
	if err := dev.Read(offset, p); err != nil {
		return Marker{}, errors.Wrapf(err, "reading clean marker of block at offset %#x failed", offset)
	}
	return UnmarshalMarker(p)
}
