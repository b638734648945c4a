package wbuf

import (
	"github.com/pkg/errors"
)

// ProgramFunc programs one page at offset.
type ProgramFunc func(offset int64, page []byte) error

// Buffer accumulates sub-page writes and programs the medium page by page.
// Buffer is not synchronized, it is owned by the log writer.
type Buffer struct {
	pageSize int64
	program  ProgramFunc

	ofs int64
	len int64
	buf []byte
}

// New creates write buffer.
func New(pageSize int64, program ProgramFunc) *Buffer {
	if pageSize <= 1 {
		panic(errors.Errorf("write buffer requires page size greater than 1, provided: %d", pageSize))
	}
	return &Buffer{
		pageSize: pageSize,
		program:  program,
		buf:      make([]byte, pageSize),
	}
}

// PageSize returns the page size.
func (b *Buffer) PageSize() int64 {
	return b.pageSize
}

// Ofs returns the medium offset of the page being buffered.
func (b *Buffer) Ofs() int64 {
	return b.ofs
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int64 {
	return b.len
}

// Frontier returns the medium offset where the next buffered byte goes.
func (b *Buffer) Frontier() int64 {
	return b.ofs + b.len
}

// Empty reports if there are no buffered bytes.
func (b *Buffer) Empty() bool {
	return b.len == 0
}

// Remaining returns the number of bytes which may be buffered before the page is programmed.
func (b *Buffer) Remaining() int64 {
	return b.pageSize - b.len
}

// Write appends p at offset. If buffer is empty, offset must be page-aligned, otherwise it must continue
// buffered data. Every page filled up is programmed immediately.
// If programming fails, the error is returned and the buffer keeps the page. Pages programmed successfully
// before the failure are not buffered anymore. The number of bytes consumed from p is returned.
func (b *Buffer) Write(offset int64, p []byte) (int, error) {
	if b.len == 0 {
		if offset%b.pageSize != 0 {
			return 0, errors.Errorf("write to empty buffer must be page-aligned, offset: %d", offset)
		}
		b.ofs = offset
	} else if offset != b.Frontier() {
		return 0, errors.Errorf("write must continue buffered data at offset %d, requested: %d", b.Frontier(),
			offset)
	}

	var consumed int
	for consumed < len(p) {
		n := copy(b.buf[b.len:], p[consumed:])
		b.len += int64(n)
		consumed += n

		if b.len == b.pageSize {
			if err := b.flush(); err != nil {
				return consumed, err
			}
		}
	}
	return consumed, nil
}

// Pad fills the rest of the page with bytes produced by padding and programs the page.
// Padding function receives the number of bytes to produce. Nothing happens if buffer is empty.
func (b *Buffer) Pad(padding func(n int) []byte) (int64, error) {
	if b.len == 0 {
		return 0, nil
	}

	n := b.Remaining()
	copy(b.buf[b.len:], padding(int(n)))
	b.len = b.pageSize
	return n, b.flush()
}

// Overlay copies buffered bytes overlapping the range starting at offset into p.
func (b *Buffer) Overlay(offset int64, p []byte) {
	if b.len == 0 {
		return
	}

	start := max(offset, b.ofs)
	end := min(offset+int64(len(p)), b.ofs+b.len)
	if start >= end {
		return
	}
	copy(p[start-offset:end-offset], b.buf[start-b.ofs:end-b.ofs])
}

// Reset drops buffered data.
func (b *Buffer) Reset() {
	b.ofs = 0
	b.len = 0
}

// Pending returns a copy of buffered bytes.
func (b *Buffer) Pending() []byte {
	return append([]byte(nil), b.buf[:b.len]...)
}

func (b *Buffer) flush() error {
	if err := b.program(b.ofs, b.buf); err != nil {
		return err
	}
	b.ofs += b.pageSize
	b.len = 0
	for i := range b.buf {
		b.buf[i] = 0xff
	}
	return nil
}
