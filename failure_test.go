package flashlog

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/outofforest/flashlog/eraseblock"
	"github.com/outofforest/flashlog/node"
	"github.com/outofforest/flashlog/persistence"
	"github.com/outofforest/flashlog/types"
)

func TestProgramFailureDirect(t *testing.T) {
	requireT := require.New(t)

	dev := newDev(t, 8, 1)
	dev.FailProgram(0, 1)
	core, logs := observer.New(zap.ErrorLevel)
	config := testConfig(t)
	config.Logger = zap.New(core)
	e := newEngine(t, dev, config)

	loc, err := e.AppendNode(1, 1, []byte("data"))
	requireT.NoError(err)
	requireT.EqualValues(1, loc.Block)
	requireT.EqualValues(persistence.DataStart(1), loc.Offset)

	requireT.Equal(eraseblock.Bad, blockState(e, 0))
	requireT.Zero(logs.Len())

	data, err := e.ReadInode(1)
	requireT.NoError(err)
	requireT.Equal([]byte("data"), data)

	stats := e.Stats()
	requireT.EqualValues(stats.SectorSize, stats.BadSize)
	requireT.EqualValues(node.HeaderSize+4, stats.UsedSize)
	requireConsistent(t, e)
}

func TestProgramFailureWithBufferedNodes(t *testing.T) {
	requireT := require.New(t)

	dev := newDev(t, 8, pageSize)
	e := newEngine(t, dev, testConfig(t))

	recorder := &transitionRecorder{}
	e.table.SetObserver(recorder.observe)

	rnd := rand.New(rand.NewSource(1))
	expected := map[types.Ino][]byte{}
	for ino := types.Ino(1); ino <= 3; ino++ {
		data := randomBytes(rnd, 100)
		loc, err := e.AppendNode(ino, 1, data)
		requireT.NoError(err)
		requireT.EqualValues(0, loc.Block)
		expected[ino] = data
	}

	dev.FailProgram(0, 1)

	data := randomBytes(rnd, 100)
	loc, err := e.AppendNode(4, 1, data)
	requireT.NoError(err)
	requireT.EqualValues(1, loc.Block)
	expected[4] = data

	requireT.Equal(eraseblock.Bad, blockState(e, 0))
	requireT.True(recorder.seen(0, eraseblock.Bad, eraseblock.BadUsed))
	requireT.True(recorder.seen(0, eraseblock.BadUsed, eraseblock.Bad))
	requireT.Empty(recorder.illegalTransitions())

	for ino, data := range expected {
		loc, exists := e.Lookup(ino)
		requireT.True(exists)
		requireT.EqualValues(1, loc.Block)

		read, err := e.ReadInode(ino)
		requireT.NoError(err)
		requireT.Equal(data, read)
	}

	requireT.NoError(e.Sync())

	stats := e.Stats()
	requireT.EqualValues(stats.SectorSize, stats.BadSize)
	requireT.EqualValues(4*(node.HeaderSize+100), stats.UsedSize)
	requireConsistent(t, e)
}

func TestProgramFailureExhaustsRetries(t *testing.T) {
	requireT := require.New(t)

	dev := newDev(t, 8, 1)
	for i := int64(0); i < 3; i++ {
		dev.FailProgram(i*eraseSize, 1)
	}
	config := testConfig(t)
	config.MaxProgramRetries = 1
	e := newEngine(t, dev, config)

	_, err := e.AppendNode(1, 1, []byte("data"))
	requireT.ErrorIs(err, ErrMediumProgram)
	_, exists := e.Lookup(1)
	requireT.False(exists)

	requireT.Equal(eraseblock.Bad, blockState(e, 0))
	requireT.Equal(eraseblock.Bad, blockState(e, 1))

	loc, err := e.AppendNode(1, 1, []byte("data"))
	requireT.NoError(err)
	requireT.EqualValues(3, loc.Block)
	requireT.Equal(eraseblock.Bad, blockState(e, 2))
	requireConsistent(t, e)
}

func TestEraseFailure(t *testing.T) {
	requireT := require.New(t)

	dev := newDev(t, 8, pageSize)
	dev.FailErase(0)
	e := newEngine(t, dev, testConfig(t))

	_, err := e.AppendNode(1, 1, make([]byte, 4000))
	requireT.NoError(err)
	_, err = e.AppendNode(1, 2, make([]byte, 4000))
	requireT.NoError(err)
	requireT.NoError(e.GarbageCollectPass())

	requireT.Eventually(func() bool {
		return e.Stats().BadSize == uint64(sectorSize)
	}, time.Second, 5*time.Millisecond)
	requireT.Equal(eraseblock.Bad, blockState(e, 0))

	stats := e.Stats()
	requireT.Zero(stats.NrErasingBlocks)
	requireT.Zero(stats.ErasingSize)
	requireConsistent(t, e)
}

func TestBadBlockSkipped(t *testing.T) {
	requireT := require.New(t)

	dev := newDev(t, 8, pageSize)
	dev.MarkBad(0)
	e := newEngine(t, dev, testConfig(t))

	requireT.Equal(eraseblock.Bad, blockState(e, 0))
	stats := e.Stats()
	requireT.EqualValues(7, stats.NrFreeBlocks)
	requireT.EqualValues(sectorSize, stats.BadSize)

	loc, err := e.AppendNode(1, 1, []byte("data"))
	requireT.NoError(err)
	requireT.EqualValues(1, loc.Block)
}

func TestCorruptedRead(t *testing.T) {
	requireT := require.New(t)

	dev := newDev(t, 8, pageSize)
	e := newEngine(t, dev, testConfig(t))

	loc, err := e.AppendNode(1, 1, []byte("data"))
	requireT.NoError(err)
	requireT.NoError(e.Sync())

	dev.Poke(int64(loc.Block)*eraseSize+int64(loc.Offset)+node.HeaderSize, []byte{0x00})

	_, err = e.ReadNode(loc)
	requireT.ErrorIs(err, ErrCorruptNode)
	_, err = e.ReadInode(1)
	requireT.ErrorIs(err, ErrCorruptNode)
}

func TestCorruptedNodeDroppedByGC(t *testing.T) {
	requireT := require.New(t)

	dev := newDev(t, 8, pageSize)
	e := newEngine(t, dev, testConfig(t))

	loc1, err := e.AppendNode(1, 1, make([]byte, 4000))
	requireT.NoError(err)
	_, err = e.AppendNode(2, 1, make([]byte, 4000))
	requireT.NoError(err)
	_, err = e.AppendNode(2, 2, make([]byte, 4000))
	requireT.NoError(err)
	requireT.NoError(e.Sync())

	dev.Poke(int64(loc1.Block)*eraseSize+int64(loc1.Offset)+node.HeaderSize, []byte{0x01})

	requireT.NoError(e.GarbageCollectPass())

	_, exists := e.Lookup(1)
	requireT.False(exists)

	loc2, exists := e.Lookup(2)
	requireT.True(exists)
	requireT.NotEqual(loc1.Block, loc2.Block)

	data, err := e.ReadInode(2)
	requireT.NoError(err)
	requireT.Equal(make([]byte, 4000), data)
	requireConsistent(t, e)
}
