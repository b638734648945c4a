package filedev

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/flashlog/persistence"
)

var _ persistence.Dev = &FileDev{}

// FileDev uses file handle as a flash device.
type FileDev struct {
	file      *os.File
	size      int64
	eraseSize int64
	pageSize  int64

	erases sync.WaitGroup
}

// New returns new filedev. Size of the device is the size of the file rounded down to the erase size.
func New(file *os.File, eraseSize, pageSize int64) *FileDev {
	size, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		panic(errors.WithStack(err))
	}
	return &FileDev{
		file:      file,
		size:      size / eraseSize * eraseSize,
		eraseSize: eraseSize,
		pageSize:  pageSize,
	}
}

// Size returns the byte size of the device.
func (fd *FileDev) Size() int64 {
	return fd.size
}

// EraseSize returns the size of erase block.
func (fd *FileDev) EraseSize() int64 {
	return fd.eraseSize
}

// PageSize returns the size of the page.
func (fd *FileDev) PageSize() int64 {
	return fd.pageSize
}

// Read reads data from the file.
func (fd *FileDev) Read(offset int64, p []byte) error {
	if offset < 0 || offset+int64(len(p)) > fd.size {
		return errors.Errorf("invalid read range: %d-%d", offset, offset+int64(len(p)))
	}
	if _, err := fd.file.ReadAt(p, offset); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Program writes data to the file.
func (fd *FileDev) Program(offset int64, p []byte) error {
	end := offset + int64(len(p))
	if offset < 0 || end > fd.size {
		return errors.Errorf("invalid program range: %d-%d", offset, end)
	}
	if fd.pageSize > 1 && (offset%fd.pageSize != 0 || int64(len(p))%fd.pageSize != 0) {
		return errors.Errorf("program range %d-%d is not page-aligned", offset, end)
	}
	if _, err := fd.file.WriteAt(p, offset); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Erase fills the block with 0xff in the background.
func (fd *FileDev) Erase(offset int64, done func(err error)) {
	fd.erases.Add(1)
	go func() {
		defer fd.erases.Done()

		if offset < 0 || offset >= fd.size || offset%fd.eraseSize != 0 {
			done(errors.Errorf("invalid block offset: %d", offset))
			return
		}
		if _, err := fd.file.WriteAt(bytes.Repeat([]byte{0xff}, int(fd.eraseSize)), offset); err != nil {
			done(errors.WithStack(err))
			return
		}
		done(nil)
	}()
}

// IsBad reports if block is bad. Files have no bad blocks.
func (fd *FileDev) IsBad(offset int64) (bool, error) {
	if offset < 0 || offset >= fd.size || offset%fd.eraseSize != 0 {
		return false, errors.Errorf("invalid block offset: %d", offset)
	}
	return false, nil
}

// Sync waits for running erases and syncs data to the file.
func (fd *FileDev) Sync() error {
	fd.erases.Wait()
	if err := fd.file.Sync(); err != nil {
		return errors.WithStack(err)
	}
	return nil
}
