package flashlog

import (
	"github.com/pkg/errors"

	"github.com/outofforest/flashlog/compress"
	"github.com/outofforest/flashlog/eraseblock"
	"github.com/outofforest/flashlog/node"
	"github.com/outofforest/flashlog/types"
)

// maxReadAttempts is the number of times inode read is retried if its node has been moved in the meantime.
const maxReadAttempts = 3

// ReadNode reads and decompresses payload of the node stored at location.
func (e *Engine) ReadNode(loc types.Location) ([]byte, error) {
	if e.closed.Load() {
		return nil, errors.WithStack(ErrClosed)
	}

	e.allocMu.Lock()
	b, idx, err := e.findLiveRefLocked(loc)
	if err != nil {
		e.allocMu.Unlock()
		return nil, err
	}
	ref := b.Nodes[idx]
	e.table.Pin(b)
	e.allocMu.Unlock()

	defer e.unpin(b)

	buf := make([]byte, ref.Length)
	offset := b.Offset + int64(ref.Offset)
	if err := e.readMedium(offset, buf); err != nil {
		return nil, err
	}

	h, payload, err := node.Decode(buf)
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptNode, "node %s: %s", loc, err)
	}
	if h.Ino != ref.Ino || h.Version != ref.Version || h.Serial != ref.Serial {
		return nil, errors.Wrapf(ErrCorruptNode, "node %s: header does not match the reference", loc)
	}

	data, err := compress.Decompress(h.Compression, payload, int(h.RawLen))
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptNode, "node %s: %s", loc, err)
	}
	return data, nil
}

// ReadInode reads payload of the live node of the inode.
func (e *Engine) ReadInode(ino types.Ino) ([]byte, error) {
	var err error
	for i := 0; i < maxReadAttempts; i++ {
		loc, exists := e.cache.HighestVersionLocation(ino)
		if !exists {
			return nil, errors.Wrapf(ErrNodeNotFound, "inode %d", ino)
		}

		var data []byte
		data, err = e.ReadNode(loc)
		if !errors.Is(err, ErrNodeNotFound) {
			return data, err
		}
		if current, exists := e.cache.HighestVersionLocation(ino); exists && current == loc {
			return nil, err
		}
	}
	return nil, err
}

// readMedium reads bytes from the device. Bytes still kept by the write buffer are taken from there.
func (e *Engine) readMedium(offset int64, p []byte) error {
	if e.wbuf == nil {
		return errors.WithStack(e.dev.Read(offset, p))
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := e.dev.Read(offset, p); err != nil {
		return errors.WithStack(err)
	}
	e.wbuf.Overlay(offset, p)
	return nil
}

func (e *Engine) unpin(b *eraseblock.Block) {
	e.allocMu.Lock()
	defer e.allocMu.Unlock()

	e.table.Unpin(b)
	if b.State == eraseblock.Erasable && !b.Pinned() {
		e.kickGC()
	}
}
