package flashlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/flashlog/eraseblock"
	"github.com/outofforest/flashlog/types"
)

func fillBlocks(t *testing.T, e *Engine, nBlocks int) []types.Location {
	locations := make([]types.Location, 0, 2*nBlocks)
	for i := 0; i < 2*nBlocks; i++ {
		loc, err := e.AppendNode(types.Ino(i+1), 1, make([]byte, fullPayload))
		require.NoError(t, err)
		require.EqualValues(t, i/2, loc.Block)
		locations = append(locations, loc)
	}
	return locations
}

func TestOutOfSpace(t *testing.T) {
	requireT := require.New(t)

	config := testConfig(t)
	config.ReservedBlocks = 0
	config.GCTriggerBlocks = 0
	e := newEngine(t, newDev(t, 6, pageSize), config)

	fillBlocks(t, e, 6)

	_, err := e.AppendNode(100, 1, []byte{0x01})
	requireT.ErrorIs(err, ErrOutOfSpace)

	stats := e.Stats()
	requireT.Zero(stats.NrFreeBlocks)
	requireT.Zero(stats.FreeSize)
	requireT.Zero(stats.DirtySize)
	requireT.Equal(stats.FlashSize, stats.UsedSize)
	requireConsistent(t, e)
}

func TestReservedBlocks(t *testing.T) {
	requireT := require.New(t)

	config := testConfig(t)
	config.ReservedBlocks = 2
	config.GCTriggerBlocks = 0
	e := newEngine(t, newDev(t, 6, pageSize), config)

	locations := fillBlocks(t, e, 4)

	_, err := e.AppendNode(100, 1, []byte{0x01})
	requireT.ErrorIs(err, ErrOutOfSpace)
	requireT.EqualValues(2, e.Stats().NrFreeBlocks)

	// Garbage collector takes reserved block to reclaim block 0 and foreground write fits into the rest of it.
	requireT.NoError(e.ObsoleteNode(locations[0]))
	loc, err := e.AppendNode(100, 1, []byte{0x01})
	requireT.NoError(err)
	requireT.EqualValues(4, loc.Block)

	loc2, exists := e.Lookup(2)
	requireT.True(exists)
	requireT.EqualValues(types.Location{Block: 4, Offset: pageSize}, loc2)

	data, err := e.ReadInode(100)
	requireT.NoError(err)
	requireT.Equal([]byte{0x01}, data)
	requireConsistent(t, e)
}

func TestAppendWaitsForErase(t *testing.T) {
	requireT := require.New(t)

	dev := newDev(t, 6, pageSize)
	dev.SetManualErase(true)

	config := testConfig(t)
	config.ReservedBlocks = 0
	config.GCTriggerBlocks = 0
	config.MaxSpaceWaits = 1000
	e := newEngine(t, dev, config)

	locations := fillBlocks(t, e, 6)
	requireT.NoError(e.ObsoleteNode(locations[0]))
	requireT.NoError(e.ObsoleteNode(locations[1]))
	requireT.NoError(e.GarbageCollectPass())
	requireT.Equal(eraseblock.Erasing, blockState(e, 0))

	type result struct {
		loc types.Location
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		loc, err := e.AppendNode(100, 1, []byte{0x01})
		resultCh <- result{loc: loc, err: err}
	}()

	select {
	case <-resultCh:
		requireT.Fail("append should wait for the erase")
	case <-time.After(100 * time.Millisecond):
	}

	requireT.True(dev.CompleteErase())

	select {
	case res := <-resultCh:
		requireT.NoError(res.err)
		requireT.Equal(types.Location{Block: 0, Offset: pageSize}, res.loc)
	case <-time.After(5 * time.Second):
		requireT.Fail("append has not finished")
	}

	data, err := e.ReadInode(100)
	requireT.NoError(err)
	requireT.Equal([]byte{0x01}, data)
	requireConsistent(t, e)
}

func TestAppendGivesUpWaiting(t *testing.T) {
	requireT := require.New(t)

	dev := newDev(t, 6, pageSize)
	dev.SetManualErase(true)

	config := testConfig(t)
	config.ReservedBlocks = 0
	config.GCTriggerBlocks = 0
	config.MaxSpaceWaits = 3
	config.SpaceWaitTimeout = time.Millisecond
	e := newEngine(t, dev, config)

	locations := fillBlocks(t, e, 6)
	requireT.NoError(e.ObsoleteNode(locations[0]))
	requireT.NoError(e.ObsoleteNode(locations[1]))
	requireT.NoError(e.GarbageCollectPass())

	// Erase never completes.
	_, err := e.AppendNode(100, 1, []byte{0x01})
	requireT.ErrorIs(err, ErrOutOfSpace)
}
