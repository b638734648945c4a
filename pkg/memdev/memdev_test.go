package memdev

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	eraseSize = 64
	pageSize  = 16
	size      = 4 * eraseSize
)

func TestReadErased(t *testing.T) {
	requireT := require.New(t)

	dev := New(size, eraseSize, pageSize)

	buf := make([]byte, 10)
	requireT.NoError(dev.Read(5, buf))
	requireT.Equal(bytes.Repeat([]byte{0xff}, 10), buf)

	requireT.Error(dev.Read(-1, buf))
	requireT.Error(dev.Read(size-5, buf))
	requireT.NoError(dev.Read(size-10, buf))
}

func TestProgram(t *testing.T) {
	requireT := require.New(t)

	dev := New(size, eraseSize, pageSize)

	page := bytes.Repeat([]byte{0x01}, pageSize)
	requireT.NoError(dev.Program(pageSize, page))

	buf := make([]byte, pageSize)
	requireT.NoError(dev.Read(pageSize, buf))
	requireT.Equal(page, buf)

	// Programming the same page twice is forbidden.
	requireT.Error(dev.Program(pageSize, page))
}

func TestProgramAlignment(t *testing.T) {
	assertT := assert.New(t)

	dev := New(size, eraseSize, pageSize)

	assertT.Error(dev.Program(1, make([]byte, pageSize)))
	assertT.Error(dev.Program(0, make([]byte, pageSize-1)))
	assertT.Error(dev.Program(eraseSize-pageSize, make([]byte, 2*pageSize)))
	assertT.Error(dev.Program(size, make([]byte, pageSize)))
	assertT.NoError(dev.Program(0, make([]byte, 2*pageSize)))
}

func TestProgramUnaligned(t *testing.T) {
	requireT := require.New(t)

	dev := New(size, eraseSize, 1)
	requireT.NoError(dev.Program(3, []byte{0x01, 0x02}))
	requireT.NoError(dev.Program(5, []byte{0x03}))

	buf := make([]byte, 4)
	requireT.NoError(dev.Read(2, buf))
	requireT.Equal([]byte{0xff, 0x01, 0x02, 0x03}, buf)
}

func TestEraseAsync(t *testing.T) {
	requireT := require.New(t)

	dev := New(size, eraseSize, pageSize)
	requireT.NoError(dev.Program(eraseSize, make([]byte, pageSize)))

	errCh := make(chan error, 1)
	dev.Erase(eraseSize, func(err error) {
		errCh <- err
	})
	requireT.NoError(<-errCh)

	buf := make([]byte, pageSize)
	requireT.NoError(dev.Read(eraseSize, buf))
	requireT.Equal(bytes.Repeat([]byte{0xff}, pageSize), buf)
	requireT.EqualValues(1, dev.EraseCount(eraseSize))
}

func TestManualErase(t *testing.T) {
	requireT := require.New(t)

	dev := New(size, eraseSize, pageSize)
	dev.SetManualErase(true)

	var completed []int64
	for _, offset := range []int64{0, eraseSize, 2 * eraseSize} {
		offset := offset
		dev.Erase(offset, func(err error) {
			requireT.NoError(err)
			completed = append(completed, offset)
		})
	}

	requireT.Equal(3, dev.PendingErases())
	requireT.Empty(completed)

	requireT.True(dev.CompleteEraseAt(2))
	requireT.True(dev.CompleteErase())
	requireT.True(dev.CompleteErase())
	requireT.False(dev.CompleteErase())
	requireT.False(dev.CompleteEraseAt(1))

	requireT.Equal([]int64{2 * eraseSize, 0, eraseSize}, completed)
	requireT.Zero(dev.PendingErases())
}

func TestFailures(t *testing.T) {
	requireT := require.New(t)

	dev := New(size, eraseSize, pageSize)

	dev.FailProgram(eraseSize+pageSize, 1)
	requireT.ErrorIs(dev.Program(eraseSize, make([]byte, pageSize)), ErrProgramFailed)
	requireT.NoError(dev.Program(eraseSize, make([]byte, pageSize)))

	dev.FailErase(eraseSize)
	requireT.ErrorIs(eraseSync(dev, eraseSize), ErrEraseFailed)
	requireT.ErrorIs(eraseSync(dev, eraseSize), ErrEraseFailed)
	requireT.NoError(eraseSync(dev, 0))

	bad, err := dev.IsBad(2 * eraseSize)
	requireT.NoError(err)
	requireT.False(bad)

	dev.MarkBad(2*eraseSize + 1)
	bad, err = dev.IsBad(2 * eraseSize)
	requireT.NoError(err)
	requireT.True(bad)
	requireT.ErrorIs(dev.Program(2*eraseSize, make([]byte, pageSize)), ErrProgramFailed)

	_, err = dev.IsBad(1)
	requireT.Error(err)
}

func TestPoke(t *testing.T) {
	requireT := require.New(t)

	dev := New(size, eraseSize, pageSize)
	requireT.NoError(dev.Program(0, make([]byte, pageSize)))
	dev.Poke(1, []byte{0x0a})

	buf := make([]byte, 3)
	requireT.NoError(dev.Read(0, buf))
	requireT.Equal([]byte{0x00, 0x0a, 0x00}, buf)
}

func eraseSync(dev *MemDev, offset int64) error {
	errCh := make(chan error, 1)
	dev.Erase(offset, func(err error) {
		errCh <- err
	})
	return <-errCh
}
