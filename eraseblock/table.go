package eraseblock

import (
	"github.com/pkg/errors"

	"github.com/outofforest/flashlog/types"
)

// Accounting is the aggregate of block counters.
type Accounting struct {
	FlashSize     uint64
	UsedSize      uint64
	DirtySize     uint64
	FreeSize      uint64
	UncheckedSize uint64
	ErasingSize   uint64
	BadSize       uint64

	SectorSize      uint32
	NrBlocks        uint32
	NrFreeBlocks    uint32
	NrErasingBlocks uint32
}

// Observer is notified about every state transition.
type Observer func(b *Block, from, to State)

// Table keeps descriptors of all the erase blocks, one list per state and the aggregate counters.
// Table is not synchronized. Lists and counters of free, erase pipeline and bad blocks may be modified
// concurrently with the other ones, as long as each group is protected by its own lock.
type Table struct {
	eraseSize  uint32
	dataStart  uint32
	sectorSize uint32

	blocks   []Block
	heads    [nStates]int32
	tails    [nStates]int32
	counts   [nStates]int
	acc      Accounting
	observer Observer
}

// New creates table of nBlocks blocks. Initially all the blocks are free.
func New(nBlocks uint32, eraseSize, dataStart uint32) *Table {
	if dataStart >= eraseSize {
		panic(errors.Errorf("data start %d must be lower than erase size %d", dataStart, eraseSize))
	}

	t := &Table{
		eraseSize:  eraseSize,
		dataStart:  dataStart,
		sectorSize: eraseSize - dataStart,
		blocks:     make([]Block, nBlocks),
		acc: Accounting{
			FlashSize:  uint64(nBlocks) * uint64(eraseSize-dataStart),
			SectorSize: eraseSize - dataStart,
			NrBlocks:   nBlocks,
		},
	}
	for s := range t.heads {
		t.heads[s] = nilIndex
		t.tails[s] = nilIndex
	}
	for i := range t.blocks {
		b := &t.blocks[i]
		b.Index = types.BlockIndex(i)
		b.Offset = int64(i) * int64(eraseSize)
		b.State = Free
		b.FreeSize = t.sectorSize
		b.prev = nilIndex
		b.next = nilIndex
		t.account(b, 1)
		t.pushBack(b)
	}
	return t
}

// SetObserver sets function notified about state transitions.
func (t *Table) SetObserver(observer Observer) {
	t.observer = observer
}

// SectorSize returns the accounted size of each block.
func (t *Table) SectorSize() uint32 {
	return t.sectorSize
}

// DataStart returns the offset inside the block where data begin.
func (t *Table) DataStart() uint32 {
	return t.dataStart
}

// WriteOffset returns the offset inside the block where next node is written.
func (t *Table) WriteOffset(b *Block) uint32 {
	return t.eraseSize - b.FreeSize
}

// Len returns the number of blocks.
func (t *Table) Len() int {
	return len(t.blocks)
}

// Block returns the block of the index.
func (t *Table) Block(index types.BlockIndex) (*Block, bool) {
	if int(index) >= len(t.blocks) {
		return nil, false
	}
	return &t.blocks[index], true
}

// Head returns the first block in the state.
func (t *Table) Head(state State) *Block {
	return t.at(t.heads[state])
}

// Next returns the block following b in its state list.
func (t *Table) Next(b *Block) *Block {
	return t.at(b.next)
}

// Count returns the number of blocks in the state.
func (t *Table) Count(state State) int {
	return t.counts[state]
}

// Each calls fn for each block in the state, until fn returns false.
// Fn must not change the state of the block.
func (t *Table) Each(state State, fn func(b *Block) bool) {
	for b := t.Head(state); b != nil; b = t.Next(b) {
		if !fn(b) {
			return
		}
	}
}

// Transition moves block to another state.
// Illegal transition is a programming error so it panics.
func (t *Table) Transition(b *Block, to State) {
	from := b.State
	if !CanTransition(from, to) {
		panic(errors.Errorf("illegal transition of block %d from %s to %s", b.Index, from, to))
	}
	if to == ErasePending && (b.UsedSize != 0 || b.Pinned()) {
		panic(errors.Errorf("block %d still holds data", b.Index))
	}

	t.move(b, to)
	if t.observer != nil {
		t.observer(b, from, to)
	}
}

// Place puts block in the state without checking the state machine. It is used when the table is built by
// the mount scan.
func (t *Table) Place(b *Block, to State) {
	t.move(b, to)
}

// AddNode records node written to the block.
func (t *Table) AddNode(b *Block, ref NodeRef) int {
	t.reserve(b, ref)
	t.account(b, -1)
	b.FreeSize -= ref.Length
	b.UsedSize += ref.Length
	t.account(b, 1)
	b.Nodes = append(b.Nodes, ref)
	return len(b.Nodes) - 1
}

// AddUnchecked records node found by the mount scan.
func (t *Table) AddUnchecked(b *Block, ref NodeRef) int {
	t.reserve(b, ref)
	ref.Unchecked = true
	t.account(b, -1)
	b.FreeSize -= ref.Length
	b.UncheckedSize += ref.Length
	t.account(b, 1)
	b.Nodes = append(b.Nodes, ref)
	return len(b.Nodes) - 1
}

// Verify moves unchecked node to used space if it is live, or to dirty space otherwise.
func (t *Table) Verify(b *Block, idx int, live bool) {
	ref := &b.Nodes[idx]
	if !ref.Unchecked {
		panic(errors.Errorf("node %s has been already verified", b.Location(idx)))
	}

	t.account(b, -1)
	b.UncheckedSize -= ref.Length
	if live {
		b.UsedSize += ref.Length
	} else {
		b.DirtySize += ref.Length
		ref.Obsolete = true
	}
	ref.Unchecked = false
	t.account(b, 1)
}

// Waste accounts n bytes at the write frontier of the block as dirty.
func (t *Table) Waste(b *Block, n uint32) {
	if n > b.FreeSize {
		panic(errors.Errorf("block %d has %d free bytes, %d requested", b.Index, b.FreeSize, n))
	}

	t.account(b, -1)
	b.FreeSize -= n
	b.DirtySize += n
	t.account(b, 1)
}

// ObsoleteNode moves node bytes from used to dirty space.
func (t *Table) ObsoleteNode(b *Block, idx int) error {
	ref := &b.Nodes[idx]
	if ref.Obsolete || ref.Unchecked {
		return errors.Errorf("node %s is not live", b.Location(idx))
	}

	t.account(b, -1)
	b.UsedSize -= ref.Length
	b.DirtySize += ref.Length
	ref.Obsolete = true
	t.account(b, 1)
	return nil
}

// SetRelocating sets or clears relocation marker of the node.
func (t *Table) SetRelocating(b *Block, idx int, relocating bool) {
	ref := &b.Nodes[idx]
	if ref.Relocating == relocating {
		return
	}
	ref.Relocating = relocating
	if relocating {
		b.relocating++
	} else {
		b.relocating--
	}
}

// Pin prevents block from being erased.
func (t *Table) Pin(b *Block) {
	b.pins++
}

// Unpin releases the pin taken by Pin.
func (t *Table) Unpin(b *Block) {
	if b.pins == 0 {
		panic(errors.Errorf("block %d is not pinned", b.Index))
	}
	b.pins--
}

// Accounting returns the aggregate counters.
func (t *Table) Accounting() Accounting {
	return t.acc
}

// Check recomputes aggregate counters and list membership from the block descriptors and compares them with
// the maintained ones.
func (t *Table) Check() error {
	expected := Accounting{
		FlashSize:  uint64(len(t.blocks)) * uint64(t.sectorSize),
		SectorSize: t.sectorSize,
		NrBlocks:   uint32(len(t.blocks)),
	}
	seen := make([]bool, len(t.blocks))
	for _, s := range States() {
		var n int
		prev := int32(nilIndex)
		for i := t.heads[s]; i != nilIndex; i = t.blocks[i].next {
			b := &t.blocks[i]
			if seen[i] {
				return errors.Errorf("block %d belongs to more than one list", i)
			}
			seen[i] = true
			if b.State != s {
				return errors.Errorf("block %d in state %s is on the %s list", i, b.State, s)
			}
			if b.prev != prev {
				return errors.Errorf("block %d has broken list link", i)
			}
			prev = i
			n++
		}
		if t.tails[s] != prev {
			return errors.Errorf("tail of the %s list is broken", s)
		}
		if n != t.counts[s] {
			return errors.Errorf("%s list contains %d blocks, %d counted", s, n, t.counts[s])
		}
	}

	for i := range t.blocks {
		b := &t.blocks[i]
		if !seen[i] {
			return errors.Errorf("block %d does not belong to any list", i)
		}
		if sum := b.UsedSize + b.DirtySize + b.FreeSize + b.UncheckedSize; sum != t.sectorSize {
			return errors.Errorf("block %d accounts %d bytes (used: %d, dirty: %d, free: %d, unchecked: %d), "+
				"sector size: %d", i, sum, b.UsedSize, b.DirtySize, b.FreeSize, b.UncheckedSize, t.sectorSize)
		}

		var used, dirty, unchecked uint32
		for _, ref := range b.Nodes {
			switch {
			case ref.Unchecked:
				unchecked += ref.Length
			case ref.Obsolete:
				dirty += ref.Length
			default:
				used += ref.Length
			}
		}
		if used != b.UsedSize || unchecked != b.UncheckedSize || dirty > b.DirtySize {
			return errors.Errorf("node refs of block %d account used: %d, dirty: %d, unchecked: %d, "+
				"block counters: used: %d, dirty: %d, unchecked: %d",
				i, used, dirty, unchecked, b.UsedSize, b.DirtySize, b.UncheckedSize)
		}

		addAccounting(&expected, b, 1)
	}

	if expected != t.acc {
		return errors.Errorf("aggregate counters %+v differ from the computed ones %+v", t.acc, expected)
	}
	return nil
}

func (t *Table) move(b *Block, to State) {
	t.unlink(b)
	t.account(b, -1)

	b.State = to
	switch to {
	case Free:
		b.UsedSize = 0
		b.DirtySize = 0
		b.UncheckedSize = 0
		b.FreeSize = t.sectorSize
		b.Nodes = nil
	case ErasePending:
		b.UsedSize = 0
		b.FreeSize = 0
		b.UncheckedSize = 0
		b.DirtySize = t.sectorSize
		b.Nodes = nil
	case Bad, BadUsed:
		b.DirtySize += b.FreeSize + b.UncheckedSize
		b.FreeSize = 0
		b.UncheckedSize = 0
		for i := range b.Nodes {
			b.Nodes[i].Unchecked = false
		}
	default:
	}

	t.account(b, 1)
	t.pushBack(b)
}

func (t *Table) reserve(b *Block, ref NodeRef) {
	if ref.Length > b.FreeSize {
		panic(errors.Errorf("block %d has %d free bytes, %d requested", b.Index, b.FreeSize, ref.Length))
	}
	if ref.Offset != t.WriteOffset(b) {
		panic(errors.Errorf("node must be written at offset %d of block %d, requested: %d", t.WriteOffset(b),
			b.Index, ref.Offset))
	}
}

func (t *Table) account(b *Block, sign int) {
	addAccounting(&t.acc, b, sign)
}

// addAccounting touches only the counters related to the state of the block, so transitions inside the erase
// pipeline never modify counters owned by the allocator.
func addAccounting(acc *Accounting, b *Block, sign int) {
	add := func(v *uint64, delta uint32) {
		if delta == 0 {
			return
		}
		if sign > 0 {
			*v += uint64(delta)
		} else {
			*v -= uint64(delta)
		}
	}
	inc := func(v *uint32) {
		if sign > 0 {
			*v++
		} else {
			*v--
		}
	}

	switch {
	case b.State.erasing():
		add(&acc.ErasingSize, b.UsedSize+b.DirtySize+b.FreeSize+b.UncheckedSize)
		inc(&acc.NrErasingBlocks)
	case b.State.bad():
		add(&acc.UsedSize, b.UsedSize)
		add(&acc.BadSize, b.DirtySize+b.FreeSize+b.UncheckedSize)
	default:
		add(&acc.UsedSize, b.UsedSize)
		add(&acc.DirtySize, b.DirtySize)
		add(&acc.FreeSize, b.FreeSize)
		add(&acc.UncheckedSize, b.UncheckedSize)
		if b.State == Free {
			inc(&acc.NrFreeBlocks)
		}
	}
}

func (t *Table) at(i int32) *Block {
	if i == nilIndex {
		return nil
	}
	return &t.blocks[i]
}

func (t *Table) pushBack(b *Block) {
	s := b.State
	i := int32(b.Index)
	b.prev = t.tails[s]
	b.next = nilIndex
	if t.tails[s] == nilIndex {
		t.heads[s] = i
	} else {
		t.blocks[t.tails[s]].next = i
	}
	t.tails[s] = i
	t.counts[s]++
}

func (t *Table) unlink(b *Block) {
	s := b.State
	if b.prev == nilIndex {
		t.heads[s] = b.next
	} else {
		t.blocks[b.prev].next = b.next
	}
	if b.next == nilIndex {
		t.tails[s] = b.prev
	} else {
		t.blocks[b.next].prev = b.prev
	}
	b.prev = nilIndex
	b.next = nilIndex
	t.counts[s]--
}
