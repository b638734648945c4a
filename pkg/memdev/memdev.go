package memdev

import (
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrProgramFailed is returned by the program operation failing due to injected fault.
	ErrProgramFailed = errors.New("program failed")

	// ErrEraseFailed is reported by the erase operation failing due to injected fault.
	ErrEraseFailed = errors.New("erase failed")
)

type pendingErase struct {
	offset int64
	done   func(err error)
}

// MemDev simulates flash device in memory.
type MemDev struct {
	size      int64
	eraseSize int64
	pageSize  int64

	mu            sync.Mutex
	data          []byte
	bad           map[int64]bool
	failPrograms  map[int64]int
	failErases    map[int64]bool
	manualErase   bool
	pendingErases []pendingErase
	eraseCounts   map[int64]uint64
}

// New returns new memdev. Memory is in the erased state.
func New(size, eraseSize, pageSize int64) *MemDev {
	data := make([]byte, size)
	for i := range data {
		data[i] = 0xff
	}
	return &MemDev{
		size:         size,
		eraseSize:    eraseSize,
		pageSize:     pageSize,
		data:         data,
		bad:          map[int64]bool{},
		failPrograms: map[int64]int{},
		failErases:   map[int64]bool{},
		eraseCounts:  map[int64]uint64{},
	}
}

// Size returns the byte size of the device.
func (md *MemDev) Size() int64 {
	return md.size
}

// EraseSize returns the size of erase block.
func (md *MemDev) EraseSize() int64 {
	return md.eraseSize
}

// PageSize returns the size of the page.
func (md *MemDev) PageSize() int64 {
	return md.pageSize
}

// Read reads data from the memdev.
func (md *MemDev) Read(offset int64, p []byte) error {
	md.mu.Lock()
	defer md.mu.Unlock()

	if offset < 0 || offset+int64(len(p)) > md.size {
		return errors.Errorf("invalid read range: %d-%d", offset, offset+int64(len(p)))
	}
	copy(p, md.data[offset:])
	return nil
}

// Program writes data to the memdev.
func (md *MemDev) Program(offset int64, p []byte) error {
	md.mu.Lock()
	defer md.mu.Unlock()

	end := offset + int64(len(p))
	if offset < 0 || end > md.size {
		return errors.Errorf("invalid program range: %d-%d", offset, end)
	}
	if md.pageSize > 1 && (offset%md.pageSize != 0 || int64(len(p))%md.pageSize != 0) {
		return errors.Errorf("program range %d-%d is not page-aligned", offset, end)
	}
	block := md.blockOffset(offset)
	if len(p) > 0 && md.blockOffset(end-1) != block {
		return errors.Errorf("program range %d-%d crosses erase block boundary", offset, end)
	}
	if md.bad[block] {
		return errors.Wrapf(ErrProgramFailed, "block at offset %#x is bad", block)
	}
	if n := md.failPrograms[block]; n > 0 {
		md.failPrograms[block] = n - 1
		return errors.Wrapf(ErrProgramFailed, "injected failure at offset %#x", offset)
	}
	for i, b := range md.data[offset:end] {
		if b != 0xff {
			return errors.Errorf("byte at offset %#x has been already programmed", offset+int64(i))
		}
	}

	copy(md.data[offset:], p)
	return nil
}

// Erase erases the block. Completion is reported asynchronously.
func (md *MemDev) Erase(offset int64, done func(err error)) {
	md.mu.Lock()
	if md.manualErase {
		md.pendingErases = append(md.pendingErases, pendingErase{offset: offset, done: done})
		md.mu.Unlock()
		return
	}
	md.mu.Unlock()

	go func() {
		done(md.erase(offset))
	}()
}

// IsBad reports if block is bad.
func (md *MemDev) IsBad(offset int64) (bool, error) {
	md.mu.Lock()
	defer md.mu.Unlock()

	if offset < 0 || offset >= md.size || offset%md.eraseSize != 0 {
		return false, errors.Errorf("invalid block offset: %d", offset)
	}
	return md.bad[offset], nil
}

// Sync does nothing as there is nothing to sync.
func (md *MemDev) Sync() error {
	return nil
}

// MarkBad marks the block as bad.
func (md *MemDev) MarkBad(offset int64) {
	md.mu.Lock()
	defer md.mu.Unlock()

	md.bad[md.blockOffset(offset)] = true
}

// FailProgram causes next n program operations in the block to fail.
func (md *MemDev) FailProgram(offset int64, n int) {
	md.mu.Lock()
	defer md.mu.Unlock()

	md.failPrograms[md.blockOffset(offset)] = n
}

// FailErase causes every subsequent erase of the block to fail.
func (md *MemDev) FailErase(offset int64) {
	md.mu.Lock()
	defer md.mu.Unlock()

	md.failErases[md.blockOffset(offset)] = true
}

// Poke overwrites bytes without any flash semantics. It is used to simulate corruption.
func (md *MemDev) Poke(offset int64, p []byte) {
	md.mu.Lock()
	defer md.mu.Unlock()

	copy(md.data[offset:], p)
}

// EraseCount returns the number of successful erases of the block.
func (md *MemDev) EraseCount(offset int64) uint64 {
	md.mu.Lock()
	defer md.mu.Unlock()

	return md.eraseCounts[md.blockOffset(offset)]
}

// SetManualErase enables or disables manual completion of erases.
// In manual mode erases are queued until CompleteErase is called.
func (md *MemDev) SetManualErase(manual bool) {
	md.mu.Lock()
	defer md.mu.Unlock()

	md.manualErase = manual
}

// PendingErases returns the number of queued erases.
func (md *MemDev) PendingErases() int {
	md.mu.Lock()
	defer md.mu.Unlock()

	return len(md.pendingErases)
}

// CompleteErase executes the oldest queued erase and reports its completion.
// It returns false if queue is empty.
func (md *MemDev) CompleteErase() bool {
	return md.CompleteEraseAt(0)
}

// CompleteEraseAt executes the queued erase at index i and reports its completion.
// It returns false if there is no such erase.
func (md *MemDev) CompleteEraseAt(i int) bool {
	md.mu.Lock()
	if i < 0 || i >= len(md.pendingErases) {
		md.mu.Unlock()
		return false
	}
	e := md.pendingErases[i]
	md.pendingErases = append(md.pendingErases[:i], md.pendingErases[i+1:]...)
	md.mu.Unlock()

	e.done(md.erase(e.offset))
	return true
}

func (md *MemDev) erase(offset int64) error {
	md.mu.Lock()
	defer md.mu.Unlock()

	if offset < 0 || offset >= md.size || offset%md.eraseSize != 0 {
		return errors.Errorf("invalid block offset: %d", offset)
	}
	if md.bad[offset] || md.failErases[offset] {
		return errors.Wrapf(ErrEraseFailed, "block at offset %#x", offset)
	}

	end := offset + md.eraseSize
	if end > md.size {
		end = md.size
	}
	for i := offset; i < end; i++ {
		md.data[i] = 0xff
	}
	md.eraseCounts[offset]++
	return nil
}

func (md *MemDev) blockOffset(offset int64) int64 {
	return offset / md.eraseSize * md.eraseSize
}
