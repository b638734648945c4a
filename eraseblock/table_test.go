package eraseblock

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/flashlog/types"
)

const (
	eraseSize = 1024
	dataStart = 64
	nBlocks   = 8
)

func TestNew(t *testing.T) {
	requireT := require.New(t)

	table := New(nBlocks, eraseSize, dataStart)
	requireT.NoError(table.Check())
	requireT.Equal(nBlocks, table.Count(Free))
	requireT.Equal(nBlocks, table.Len())

	acc := table.Accounting()
	requireT.EqualValues(nBlocks*(eraseSize-dataStart), acc.FlashSize)
	requireT.EqualValues(acc.FlashSize, acc.FreeSize)
	requireT.EqualValues(nBlocks, acc.NrFreeBlocks)
	requireT.EqualValues(eraseSize-dataStart, acc.SectorSize)

	var offsets []int64
	table.Each(Free, func(b *Block) bool {
		offsets = append(offsets, b.Offset)
		return true
	})
	requireT.Equal([]int64{0, 1024, 2048, 3072, 4096, 5120, 6144, 7168}, offsets)
}

func TestLifecycle(t *testing.T) {
	requireT := require.New(t)

	table := New(nBlocks, eraseSize, dataStart)
	var transitions [][2]State
	table.SetObserver(func(b *Block, from, to State) {
		transitions = append(transitions, [2]State{from, to})
	})

	b := table.Head(Free)
	table.Transition(b, Clean)
	requireT.EqualValues(dataStart, table.WriteOffset(b))

	idx1 := table.AddNode(b, NodeRef{Offset: dataStart, Length: 100, Ino: 1, Version: 1})
	idx2 := table.AddNode(b, NodeRef{Offset: dataStart + 100, Length: 200, Ino: 2, Version: 1})
	requireT.EqualValues(dataStart+300, table.WriteOffset(b))
	requireT.EqualValues(300, b.UsedSize)
	requireT.EqualValues(300, table.Accounting().UsedSize)
	requireT.NoError(table.Check())

	i, found := b.FindNode(dataStart + 100)
	requireT.True(found)
	requireT.Equal(idx2, i)
	_, found = b.FindNode(dataStart + 1)
	requireT.False(found)

	requireT.NoError(table.ObsoleteNode(b, idx1))
	requireT.Error(table.ObsoleteNode(b, idx1))
	table.Transition(b, Dirty)
	requireT.EqualValues(100, b.DirtySize)
	requireT.EqualValues(100, table.Accounting().DirtySize)
	requireT.Equal(1, b.LiveNodes())

	table.Waste(b, b.FreeSize)
	requireT.NoError(table.ObsoleteNode(b, idx2))
	requireT.Zero(b.UsedSize)
	table.Transition(b, Erasable)
	requireT.NoError(table.Check())

	table.Pin(b)
	requireT.True(b.Pinned())
	requireT.Panics(func() {
		table.Transition(b, ErasePending)
	})
	table.Unpin(b)
	requireT.Panics(func() {
		table.Unpin(b)
	})

	table.Transition(b, ErasePending)
	requireT.Nil(b.Nodes)
	acc := table.Accounting()
	requireT.EqualValues(eraseSize-dataStart, acc.ErasingSize)
	requireT.EqualValues(1, acc.NrErasingBlocks)
	requireT.Zero(acc.DirtySize)

	table.Transition(b, Erasing)
	table.Transition(b, EraseComplete)
	table.Transition(b, Free)
	requireT.NoError(table.Check())
	requireT.Equal(nBlocks, table.Count(Free))

	var last *Block
	table.Each(Free, func(b *Block) bool {
		last = b
		return true
	})
	requireT.Equal(b, last)

	requireT.Equal([][2]State{
		{Free, Clean},
		{Clean, Dirty},
		{Dirty, Erasable},
		{Erasable, ErasePending},
		{ErasePending, Erasing},
		{Erasing, EraseComplete},
		{EraseComplete, Free},
	}, transitions)
}

func TestIllegalTransitionPanics(t *testing.T) {
	requireT := require.New(t)

	table := New(nBlocks, eraseSize, dataStart)
	b := table.Head(Free)
	requireT.Panics(func() {
		table.Transition(b, Dirty)
	})
	table.Transition(b, Clean)
	requireT.Panics(func() {
		table.Transition(b, Erasing)
	})
	requireT.NoError(table.Check())
}

func TestAddNodeOutOfOrderPanics(t *testing.T) {
	requireT := require.New(t)

	table := New(nBlocks, eraseSize, dataStart)
	b := table.Head(Free)
	table.Transition(b, Clean)

	requireT.Panics(func() {
		table.AddNode(b, NodeRef{Offset: dataStart + 8, Length: 8})
	})
	requireT.Panics(func() {
		table.AddNode(b, NodeRef{Offset: dataStart, Length: eraseSize})
	})
}

func TestBad(t *testing.T) {
	requireT := require.New(t)

	table := New(nBlocks, eraseSize, dataStart)
	b := table.Head(Free)
	table.Transition(b, Clean)
	idx := table.AddNode(b, NodeRef{Offset: dataStart, Length: 100, Ino: 1, Version: 1})

	table.Transition(b, Bad)
	table.Transition(b, BadUsed)
	requireT.EqualValues(100, b.UsedSize)
	requireT.EqualValues(eraseSize-dataStart-100, b.DirtySize)

	acc := table.Accounting()
	requireT.EqualValues(100, acc.UsedSize)
	requireT.EqualValues(eraseSize-dataStart-100, acc.BadSize)
	requireT.NoError(table.Check())

	requireT.NoError(table.ObsoleteNode(b, idx))
	table.Transition(b, Bad)
	acc = table.Accounting()
	requireT.Zero(acc.UsedSize)
	requireT.EqualValues(eraseSize-dataStart, acc.BadSize)
	requireT.NoError(table.Check())
}

func TestScan(t *testing.T) {
	requireT := require.New(t)

	table := New(nBlocks, eraseSize, dataStart)
	b := table.Head(Free)

	idx1 := table.AddUnchecked(b, NodeRef{Offset: dataStart, Length: 100, Ino: 1, Version: 1})
	idx2 := table.AddUnchecked(b, NodeRef{Offset: dataStart + 100, Length: 100, Ino: 1, Version: 2})
	requireT.EqualValues(200, table.Accounting().UncheckedSize)
	requireT.NoError(table.Check())

	table.Verify(b, idx2, true)
	table.Verify(b, idx1, false)
	requireT.Panics(func() {
		table.Verify(b, idx1, true)
	})
	table.Waste(b, b.FreeSize)
	table.Place(b, Dirty)

	acc := table.Accounting()
	requireT.Zero(acc.UncheckedSize)
	requireT.EqualValues(100, acc.UsedSize)
	requireT.EqualValues(eraseSize-dataStart-100, acc.DirtySize)
	requireT.EqualValues(nBlocks-1, acc.NrFreeBlocks)
	requireT.True(b.Nodes[idx1].Obsolete)
	requireT.NoError(table.Check())

	b2 := table.Head(Free)
	table.Place(b2, ErasePending)
	table.Place(table.Head(Free), Bad)
	requireT.NoError(table.Check())
	requireT.EqualValues(eraseSize-dataStart, table.Accounting().BadSize)
}

func TestBlockLookup(t *testing.T) {
	requireT := require.New(t)

	table := New(nBlocks, eraseSize, dataStart)
	b, exists := table.Block(3)
	requireT.True(exists)
	requireT.EqualValues(3*eraseSize, b.Offset)

	_, exists = table.Block(nBlocks)
	requireT.False(exists)
}

// TestRandomOperations drives the table with random legal operations and verifies that all the observed
// transitions are legal and counters stay consistent.
func TestRandomOperations(t *testing.T) {
	requireT := require.New(t)

	table := New(nBlocks, eraseSize, dataStart)
	table.SetObserver(func(b *Block, from, to State) {
		requireT.True(CanTransition(from, to), "%s -> %s", from, to)
	})

	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < 5000; i++ {
		b, exists := table.Block(types.BlockIndex(rnd.Intn(nBlocks)))
		requireT.True(exists)

		switch b.State {
		case Free:
			if rnd.Intn(500) == 0 {
				table.Transition(b, Bad)
				break
			}
			table.Transition(b, Clean)
		case Clean, Dirty:
			if rnd.Intn(500) == 0 {
				table.Transition(b, Bad)
				if b.LiveNodes() > 0 {
					table.Transition(b, BadUsed)
				}
				break
			}

			switch rnd.Intn(3) {
			case 0:
				length := uint32(rnd.Intn(200) + 1)
				if length <= b.FreeSize {
					table.AddNode(b, NodeRef{Offset: table.WriteOffset(b), Length: length})
				} else {
					table.Waste(b, b.FreeSize)
				}
			case 1:
				for idx, ref := range b.Nodes {
					if !ref.Obsolete {
						requireT.NoError(table.ObsoleteNode(b, idx))
						break
					}
				}
			default:
				if b.DirtySize > 0 && b.State == Clean {
					table.Transition(b, Dirty)
				}
				if b.State == Dirty && b.UsedSize == 0 && b.FreeSize == 0 {
					table.Transition(b, Erasable)
				}
			}
		case Erasable:
			table.Transition(b, ErasePending)
		case ErasePending:
			table.Transition(b, Erasing)
		case Erasing:
			if rnd.Intn(200) == 0 {
				table.Transition(b, Bad)
				break
			}
			table.Transition(b, EraseComplete)
		case EraseComplete:
			table.Transition(b, Free)
		case Bad:
			if b.LiveNodes() > 0 {
				table.Transition(b, BadUsed)
			}
		case BadUsed:
			for idx, ref := range b.Nodes {
				if !ref.Obsolete {
					requireT.NoError(table.ObsoleteNode(b, idx))
				}
			}
			table.Transition(b, Bad)
		}

		requireT.NoError(table.Check())
	}
}
