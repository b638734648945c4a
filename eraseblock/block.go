package eraseblock

import (
	"sort"

	"github.com/outofforest/flashlog/types"
)

const nilIndex = -1

// NodeRef references node stored in the block.
type NodeRef struct {
	Offset  uint32
	Length  uint32
	Ino     types.Ino
	Version types.Version
	Serial  types.Serial

	// Obsolete is set once node bytes are accounted as dirty.
	Obsolete bool

	// Relocating is set while garbage collector copies the node to another block.
	Relocating bool

	// Unchecked is set for nodes found by mount scan and not verified yet.
	Unchecked bool
}

// Block describes the erase block.
type Block struct {
	Index  types.BlockIndex
	Offset int64
	State  State

	UsedSize      uint32
	DirtySize     uint32
	FreeSize      uint32
	UncheckedSize uint32

	EraseCount uint64
	Nodes      []NodeRef

	pins       int
	relocating int
	prev, next int32
}

// Pinned reports if block is pinned by readers or its nodes are being relocated.
func (b *Block) Pinned() bool {
	return b.pins > 0 || b.relocating > 0
}

// FindNode returns the index of the node stored at offset.
func (b *Block) FindNode(offset uint32) (int, bool) {
	i := sort.Search(len(b.Nodes), func(i int) bool {
		return b.Nodes[i].Offset >= offset
	})
	if i < len(b.Nodes) && b.Nodes[i].Offset == offset {
		return i, true
	}
	return 0, false
}

// Location returns location of the node.
func (b *Block) Location(idx int) types.Location {
	return types.Location{
		Block:  b.Index,
		Offset: b.Nodes[idx].Offset,
	}
}

// LiveNodes returns the number of nodes which are not obsolete.
func (b *Block) LiveNodes() int {
	var n int
	for _, ref := range b.Nodes {
		if !ref.Obsolete {
			n++
		}
	}
	return n
}
