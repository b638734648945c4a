package flashlog

import (
	"math"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/flashlog/compress"
	"github.com/outofforest/flashlog/eraseblock"
	"github.com/outofforest/flashlog/inocache"
	"github.com/outofforest/flashlog/node"
	"github.com/outofforest/flashlog/types"
)

// record is the node waiting to be written to the log.
type record struct {
	ino         types.Ino
	version     types.Version
	compression types.CompressionKind
	rawLen      uint32
	payload     []byte

	// origin is set if record is a copy of existing node. Copy replaces the origin only if origin is still the live
	// node of the inode once the copy is written.
	origin *types.Location

	// gc is set if record may use blocks reserved for the garbage collector.
	gc bool
}

// unflushedNode is the node whose bytes are not fully programmed yet.
type unflushedNode struct {
	rec *record
	loc types.Location
	end int64
}

// AppendNode writes new version of the inode to the log. Previous version of the inode becomes obsolete.
func (e *Engine) AppendNode(ino types.Ino, version types.Version, payload []byte) (types.Location, error) {
	if e.closed.Load() {
		return types.Location{}, errors.WithStack(ErrClosed)
	}
	if err := e.cache.CheckVersion(ino, version); err != nil {
		return types.Location{}, err
	}
	if uint64(len(payload)) > math.MaxUint32 {
		return types.Location{}, errors.Wrapf(ErrNodeTooLarge, "payload size: %d", len(payload))
	}

	kind, data := compress.Compress(e.config.Compression, payload)
	if length := node.HeaderSize + int64(len(data)); length > e.geometry.SectorSize {
		return types.Location{}, errors.Wrapf(ErrNodeTooLarge, "node size: %d, sector size: %d", length,
			e.geometry.SectorSize)
	}

	return e.append(&record{
		ino:         ino,
		version:     version,
		compression: kind,
		rawLen:      uint32(len(payload)),
		payload:     data,
	})
}

// ObsoleteNode marks node as obsolete. If it is the live node of the inode, inode is removed.
func (e *Engine) ObsoleteNode(loc types.Location) error {
	if e.closed.Load() {
		return errors.WithStack(ErrClosed)
	}

	e.allocMu.Lock()
	defer e.allocMu.Unlock()

	b, idx, err := e.findLiveRefLocked(loc)
	if err != nil {
		return err
	}
	ino := b.Nodes[idx].Ino
	if current, exists := e.cache.HighestVersionLocation(ino); exists && current == loc {
		e.cache.Remove(ino)
	}
	return e.obsoleteRefLocked(b, idx)
}

func (e *Engine) append(rec *record) (types.Location, error) {
	for waits := 0; ; waits++ {
		e.writeMu.Lock()
		loc, err := e.writeLocked(rec)
		e.writeMu.Unlock()

		if !errors.Is(err, errNoSpace) {
			return loc, err
		}
		if waits >= e.config.MaxSpaceWaits {
			e.log.Warn("Out of space", zap.Uint64("ino", uint64(rec.ino)), zap.Int("waits", waits))
			return types.Location{}, errors.Wrapf(ErrOutOfSpace, "no space after %d waits", waits)
		}
		if err := e.waitForSpace(rec.gc); err != nil {
			e.log.Warn("Out of space", zap.Uint64("ino", uint64(rec.ino)), zap.Error(err))
			return types.Location{}, err
		}
	}
}

// writeLocked writes records lost by earlier program failures and then rec. It must be called with writeMu held.
// Rec may be nil if only lost records should be written.
func (e *Engine) writeLocked(rec *record) (types.Location, error) {
	var retries int
	for {
		current := rec
		if len(e.requeue) > 0 {
			current = e.requeue[0]
		}
		if current == nil {
			return types.Location{}, nil
		}

		loc, err := e.writeOnce(current)
		if err != nil {
			if !errors.Is(err, ErrMediumProgram) {
				return types.Location{}, err
			}
			retries++
			if retries > e.config.MaxProgramRetries {
				return types.Location{}, err
			}
			continue
		}

		if current == rec {
			return loc, nil
		}
		e.requeue = e.requeue[1:]
	}
}

func (e *Engine) writeOnce(rec *record) (types.Location, error) {
	if rec.origin == nil {
		if err := e.cache.CheckVersion(rec.ino, rec.version); err != nil {
			return types.Location{}, err
		}
	}

	length := uint32(node.HeaderSize + len(rec.payload))
	if err := e.ensureRoomLocked(length, rec.gc); err != nil {
		return types.Location{}, err
	}

	e.allocMu.Lock()
	b := e.nextBlock
	e.serial++
	serial := e.serial
	offset := e.table.WriteOffset(b)
	idx := e.table.AddNode(b, eraseblock.NodeRef{
		Offset:  offset,
		Length:  length,
		Ino:     rec.ino,
		Version: rec.version,
		Serial:  serial,
	})
	e.allocMu.Unlock()

	loc := types.Location{Block: b.Index, Offset: offset}
	absolute := b.Offset + int64(offset)
	if err := e.program(absolute, node.Encode(rec.ino, rec.version, serial, rec.compression, rec.rawLen,
		rec.payload)); err != nil {
		return types.Location{}, e.programFailedLocked(b, idx, err)
	}

	e.allocMu.Lock()
	err := e.commitLocked(rec, loc)
	e.allocMu.Unlock()
	if err != nil {
		return types.Location{}, err
	}

	if e.wbuf != nil {
		e.unflushed = append(e.unflushed, unflushedNode{rec: rec, loc: loc, end: absolute + int64(length)})
		e.pruneUnflushed()
	}
	return loc, nil
}

func (e *Engine) program(offset int64, p []byte) error {
	if e.wbuf == nil {
		return e.dev.Program(offset, p)
	}
	_, err := e.wbuf.Write(offset, p)
	return err
}

func (e *Engine) pruneUnflushed() {
	flushed := e.wbuf.Ofs()
	var i int
	for i < len(e.unflushed) && e.unflushed[i].end <= flushed {
		i++
	}
	e.unflushed = e.unflushed[i:]
}

// ensureRoomLocked makes sure next block has room for length bytes. It must be called with writeMu held.
func (e *Engine) ensureRoomLocked(length uint32, gc bool) error {
	e.allocMu.Lock()
	b := e.nextBlock
	fits := b != nil && b.FreeSize >= length
	e.allocMu.Unlock()

	if fits {
		return nil
	}
	if b != nil {
		if err := e.retireNextBlockLocked(); err != nil {
			return err
		}
	}

	e.allocMu.Lock()
	defer e.allocMu.Unlock()

	return e.selectNextBlockLocked(gc)
}

// selectNextBlockLocked takes the first free block. It must be called with allocMu held.
func (e *Engine) selectNextBlockLocked(gc bool) error {
	e.eraseMu.Lock()
	defer e.eraseMu.Unlock()

	nrFree := e.table.Count(eraseblock.Free)
	if nrFree == 0 || (!gc && nrFree <= e.config.ReservedBlocks) {
		return errors.WithStack(errNoSpace)
	}

	b := e.table.Head(eraseblock.Free)
	e.table.Transition(b, eraseblock.Clean)
	e.nextBlock = b

	if nrFree-1+e.table.Count(eraseblock.Erasing)+e.table.Count(eraseblock.ErasePending) < e.config.GCTriggerBlocks {
		e.kickGC()
	}
	return nil
}

// retireNextBlockLocked closes the next block, its free space becomes dirty. It must be called with writeMu held.
func (e *Engine) retireNextBlockLocked() error {
	if err := e.padLocked(); err != nil {
		return err
	}

	e.allocMu.Lock()
	defer e.allocMu.Unlock()

	b := e.nextBlock
	if b == nil {
		return nil
	}
	e.nextBlock = nil
	e.table.Waste(b, b.FreeSize)
	e.settleLocked(b)
	return nil
}

// padLocked programs the page buffered by the write buffer. It must be called with writeMu held.
func (e *Engine) padLocked() error {
	if e.wbuf == nil || e.wbuf.Empty() {
		return nil
	}

	e.allocMu.Lock()
	b := e.nextBlock
	e.table.Waste(b, uint32(e.wbuf.Remaining()))
	e.settleLocked(b)
	e.allocMu.Unlock()

	if _, err := e.wbuf.Pad(node.Padding); err != nil {
		return e.programFailedLocked(b, -1, err)
	}
	e.pruneUnflushed()
	return nil
}

// commitLocked updates the inode cache once the record is written. It must be called with allocMu held.
func (e *Engine) commitLocked(rec *record, loc types.Location) error {
	if rec.origin == nil {
		prev, exists := e.cache.Get(rec.ino)
		if err := e.cache.Set(rec.ino, inocache.Entry{Location: loc, Version: rec.version}); err != nil {
			if err2 := e.obsoleteLocationLocked(loc); err2 != nil {
				return err2
			}
			return err
		}
		if exists {
			return e.obsoleteLocationLocked(prev.Location)
		}
		return nil
	}

	origin := *rec.origin
	ob, oidx, found := e.findRefLocked(origin)
	if found {
		e.table.SetRelocating(ob, oidx, false)
	}

	current, exists := e.cache.HighestVersionLocation(rec.ino)
	if !found || ob.Nodes[oidx].Obsolete || !exists || current != origin {
		// Origin has been superseded or deleted in the meantime, so the copy is not needed.
		if found && ob.State == eraseblock.Erasable && !ob.Pinned() {
			e.kickGC()
		}
		return e.obsoleteLocationLocked(loc)
	}

	if err := e.cache.UpdateLocation(rec.ino, loc, rec.version); err != nil {
		return err
	}
	return e.obsoleteRefLocked(ob, oidx)
}

// obsoleteLocationLocked obsoletes the live node at location. It must be called with allocMu held.
func (e *Engine) obsoleteLocationLocked(loc types.Location) error {
	b, idx, err := e.findLiveRefLocked(loc)
	if err != nil {
		return err
	}
	return e.obsoleteRefLocked(b, idx)
}

// obsoleteRefLocked moves node bytes to dirty space and updates state of the block. It must be called with
// allocMu held.
func (e *Engine) obsoleteRefLocked(b *eraseblock.Block, idx int) error {
	if b.State == eraseblock.Bad || b.State == eraseblock.BadUsed {
		e.eraseMu.Lock()
		defer e.eraseMu.Unlock()
	}

	if err := e.table.ObsoleteNode(b, idx); err != nil {
		return errors.Wrapf(ErrNodeNotFound, "obsoleting node failed: %s", err)
	}
	e.settleLocked(b)
	return nil
}

// settleLocked moves block to the state matching its counters. It must be called with allocMu held, and with
// eraseMu held if block is bad.
func (e *Engine) settleLocked(b *eraseblock.Block) {
	switch b.State {
	case eraseblock.Clean:
		if b.DirtySize == 0 {
			return
		}
		e.table.Transition(b, eraseblock.Dirty)
		fallthrough
	case eraseblock.Dirty:
		if b.UsedSize == 0 && b != e.nextBlock {
			e.table.Transition(b, eraseblock.Erasable)
			e.kickGC()
		}
	case eraseblock.BadUsed:
		if b.UsedSize == 0 {
			e.table.Transition(b, eraseblock.Bad)
		}
	default:
	}
}

// programFailedLocked retires the next block to bad ones. Nodes whose bytes were still buffered are queued to be
// written again. It must be called with writeMu held.
func (e *Engine) programFailedLocked(b *eraseblock.Block, idx int, cause error) error {
	e.allocMu.Lock()
	e.eraseMu.Lock()

	if idx >= 0 {
		if err := e.table.ObsoleteNode(b, idx); err != nil {
			e.log.Error("Obsoleting node of failed program failed", blockField(b), zap.Error(err))
		}
	}

	var lost int
	if e.wbuf != nil {
		failed := e.wbuf.Ofs()
		for _, u := range e.unflushed {
			if u.end <= failed {
				continue
			}
			ub, uidx, found := e.findRefLocked(u.loc)
			if !found || ub.Nodes[uidx].Obsolete {
				continue
			}
			e.table.SetRelocating(ub, uidx, true)
			origin := u.loc
			e.requeue = append(e.requeue, &record{
				ino:         u.rec.ino,
				version:     u.rec.version,
				compression: u.rec.compression,
				rawLen:      u.rec.rawLen,
				payload:     u.rec.payload,
				origin:      &origin,
				gc:          true,
			})
			lost++
		}
		e.unflushed = nil
		e.wbuf.Reset()
	}

	e.table.Transition(b, eraseblock.Bad)
	if b.UsedSize > 0 {
		e.table.Transition(b, eraseblock.BadUsed)
	}
	if e.nextBlock == b {
		e.nextBlock = nil
	}

	e.eraseMu.Unlock()
	e.allocMu.Unlock()

	e.log.Warn("Programming block failed, block retired", blockField(b), zap.Int("lostNodes", lost),
		zap.Error(cause))
	e.kickGC()

	return errors.Wrapf(ErrMediumProgram, "programming block %d failed: %s", b.Index, cause)
}
