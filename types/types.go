package types

import "fmt"

// Ino is the number of the inode owning a node.
type Ino uint64

// Version is the per-inode sequence number of a node.
type Version uint64

// Serial is the log-wide sequence number stamped on every node written to the medium.
// Relocated nodes keep their version but get a new serial, so (version, serial) orders all copies of a node.
type Serial uint64

// BlockIndex is the index of the erase block on the device.
type BlockIndex uint32

// Location is the physical location of a node.
type Location struct {
	Block BlockIndex

	// Offset is the byte offset of the node header relative to the beginning of the erase block.
	Offset uint32
}

// String returns human readable form of the location.
func (l Location) String() string {
	return fmt.Sprintf("%d:%#x", l.Block, l.Offset)
}

// CompressionKind is the enum representing the way node payload is stored on the medium.
type CompressionKind uint8

// Compression kinds.
const (
	CompressionNone CompressionKind = iota
	CompressionRTime
)

// String returns name of the compression kind.
func (k CompressionKind) String() string {
	switch k {
	case CompressionNone:
		return "none"
	case CompressionRTime:
		return "rtime"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Stats reports space usage of the flash.
type Stats struct {
	FlashSize       uint64
	UsedSize        uint64
	DirtySize       uint64
	FreeSize        uint64
	UncheckedSize   uint64
	ErasingSize     uint64
	BadSize         uint64
	SectorSize      uint32
	NrBlocks        uint32
	NrFreeBlocks    uint32
	NrErasingBlocks uint32
}
