package flashlog

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/flashlog/eraseblock"
	"github.com/outofforest/flashlog/node"
	"github.com/outofforest/flashlog/types"
)

// Run runs the garbage collector until context is canceled or engine is closed.
func (e *Engine) Run(ctx context.Context) error {
	if !e.workerRunning.CompareAndSwap(false, true) {
		return errors.New("garbage collector is already running")
	}
	defer e.workerRunning.Store(false)

	// Work might have been requested before the worker started.
	e.kickGC()

	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-e.gcWake:
		}

		if e.terminate.Load() {
			return nil
		}

		for i := 0; i < maxGCPassesPerWake && e.gcNeeded(); i++ {
			e.gcMu.Lock()
			if e.terminate.Load() {
				e.gcMu.Unlock()
				return nil
			}
			progress, err := e.gcPassLocked()
			e.gcMu.Unlock()

			if err != nil {
				e.log.Error("Garbage collection failed", zap.Error(err))
				break
			}
			if !progress {
				break
			}
		}
	}
}

// GarbageCollectPass executes single garbage collection pass.
func (e *Engine) GarbageCollectPass() error {
	if e.closed.Load() {
		return errors.WithStack(ErrClosed)
	}

	e.gcMu.Lock()
	defer e.gcMu.Unlock()

	_, err := e.gcPassLocked()
	return err
}

// gcPassLocked reclaims one block. It must be called with gcMu held.
// It reports if anything has been reclaimed.
func (e *Engine) gcPassLocked() (bool, error) {
	progress := e.processCompletedErases() > 0

	erased, err := e.eraseErasable()
	if err != nil || erased {
		return progress || erased, err
	}

	b, retire := e.selectGCBlock()
	if b == nil && retire {
		e.writeMu.Lock()
		err := e.retireNextBlockLocked()
		e.writeMu.Unlock()
		if err != nil {
			return progress, err
		}

		b, _ = e.selectGCBlock()
		if b == nil {
			// Retired block contained dirty space only.
			erased, err := e.eraseErasable()
			return progress || erased, err
		}
	}
	if b == nil {
		return progress, nil
	}

	relocated, err := e.collectBlock(b)
	if err != nil {
		e.log.Error("Collecting block failed", blockField(b), zap.Error(err))
		return progress || relocated > 0, err
	}
	e.log.Debug("Block collected", blockField(b), zap.Int("relocated", relocated))

	_, err = e.eraseErasable()
	return true, err
}

// selectGCBlock returns the block to collect: bad block still holding data or the dirty block with the highest
// ratio of dirty to used space. Erasable blocks are handled by eraseErasable before. If there is no such block but
// the next block contains dirty space, retire is set.
func (e *Engine) selectGCBlock() (*eraseblock.Block, bool) {
	e.allocMu.Lock()
	defer e.allocMu.Unlock()

	var selected *eraseblock.Block

	e.eraseMu.Lock()
	e.table.Each(eraseblock.BadUsed, func(b *eraseblock.Block) bool {
		if collectable(b) {
			selected = b
			return false
		}
		return true
	})
	e.eraseMu.Unlock()
	if selected != nil {
		return selected, false
	}

	e.table.Each(eraseblock.Dirty, func(b *eraseblock.Block) bool {
		if b == e.nextBlock || b.DirtySize == 0 || !collectable(b) {
			return true
		}
		if selected == nil || uint64(b.DirtySize)*uint64(selected.UsedSize) >
			uint64(selected.DirtySize)*uint64(b.UsedSize) {
			selected = b
		}
		return true
	})
	if selected != nil {
		return selected, false
	}

	return nil, e.nextBlock != nil && e.nextBlock.DirtySize > 0
}

// collectable reports if block contains live nodes which are not being relocated already.
func collectable(b *eraseblock.Block) bool {
	for _, ref := range b.Nodes {
		if !ref.Obsolete && !ref.Relocating {
			return true
		}
	}
	return false
}

// collectBlock relocates live nodes out of the block.
func (e *Engine) collectBlock(b *eraseblock.Block) (int, error) {
	e.allocMu.Lock()
	var targets []types.Location
	for idx, ref := range b.Nodes {
		if ref.Obsolete || ref.Relocating {
			continue
		}
		e.table.SetRelocating(b, idx, true)
		targets = append(targets, b.Location(idx))
	}
	e.allocMu.Unlock()

	var relocated int
	var err error
	for _, loc := range targets {
		var done bool
		done, err = e.relocate(loc)
		if err != nil {
			break
		}
		if done {
			relocated++
		}
	}

	// Markers of nodes which have not been relocated are released.
	e.allocMu.Lock()
	for _, loc := range targets {
		if rb, idx, found := e.findRefLocked(loc); found && rb.Nodes[idx].Relocating {
			e.table.SetRelocating(rb, idx, false)
		}
	}
	e.allocMu.Unlock()

	return relocated, err
}

// relocate copies the live node to the next block. It reports if copy has been written.
func (e *Engine) relocate(loc types.Location) (bool, error) {
	e.allocMu.Lock()
	b, idx, err := e.findLiveRefLocked(loc)
	if err != nil {
		// Obsoleted in the meantime.
		e.allocMu.Unlock()
		return false, nil
	}
	ref := b.Nodes[idx]
	if current, exists := e.cache.HighestVersionLocation(ref.Ino); !exists || current != loc {
		e.table.SetRelocating(b, idx, false)
		err := e.obsoleteRefLocked(b, idx)
		e.allocMu.Unlock()
		return false, err
	}
	e.allocMu.Unlock()

	buf := make([]byte, ref.Length)
	if err := e.dev.Read(b.Offset+int64(ref.Offset), buf); err != nil {
		return false, errors.Wrapf(err, "reading node %s failed", loc)
	}
	h, payload, err := node.Decode(buf)
	if err == nil && (h.Ino != ref.Ino || h.Version != ref.Version) {
		err = errors.Wrapf(node.ErrCorrupt, "node %d:%d found, %d:%d expected", h.Ino, h.Version, ref.Ino,
			ref.Version)
	}
	if err != nil {
		// Corrupted node can't be relocated. It is dropped so the block may be reclaimed.
		e.log.Error("Dropping corrupted node", zap.Stringer("location", loc), zap.Error(err))
		e.allocMu.Lock()
		defer e.allocMu.Unlock()

		if b, idx, err := e.findLiveRefLocked(loc); err == nil {
			e.table.SetRelocating(b, idx, false)
			if current, exists := e.cache.HighestVersionLocation(ref.Ino); exists && current == loc {
				e.cache.Remove(ref.Ino)
			}
			return false, e.obsoleteRefLocked(b, idx)
		}
		return false, nil
	}

	rec := &record{
		ino:         h.Ino,
		version:     h.Version,
		compression: h.Compression,
		rawLen:      h.RawLen,
		payload:     append([]byte(nil), payload...),
		origin:      &loc,
		gc:          true,
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	// Without free block relocation waits for erases in flight, it never waits on an empty erase pipeline.
	for waits := 0; ; waits++ {
		signal := e.spaceSignal()

		_, err = e.writeLocked(rec)
		if !errors.Is(err, errNoSpace) {
			return err == nil, err
		}
		if e.processCompletedErases() > 0 {
			continue
		}
		if waits >= e.config.MaxSpaceWaits || !e.erasesInFlight() {
			return false, errors.Wrapf(ErrOutOfSpace, "relocating node %s failed after %d waits", loc, waits)
		}
		e.dispatchErases()

		e.writeMu.Unlock()
		e.waitForSignal(signal)
		e.writeMu.Lock()
	}
}

// eraseErasable sends erasable blocks to the erase pipeline. Buffered data are synced first, so nodes superseding
// the erased ones are durable.
func (e *Engine) eraseErasable() (bool, error) {
	e.allocMu.Lock()
	var candidates bool
	e.table.Each(eraseblock.Erasable, func(b *eraseblock.Block) bool {
		candidates = !b.Pinned()
		return !candidates
	})
	e.allocMu.Unlock()

	if !candidates {
		return false, nil
	}

	e.writeMu.Lock()
	_, err := e.writeLocked(nil)
	if err == nil || errors.Is(err, errNoSpace) {
		err = e.padLocked()
	}
	e.writeMu.Unlock()
	if err != nil {
		return false, err
	}

	e.allocMu.Lock()
	e.eraseMu.Lock()
	var erased bool
	for b := e.table.Head(eraseblock.Erasable); b != nil; {
		next := e.table.Next(b)
		if !b.Pinned() {
			e.table.Transition(b, eraseblock.ErasePending)
			erased = true
		}
		b = next
	}
	e.eraseMu.Unlock()
	e.allocMu.Unlock()

	e.dispatchErases()
	return erased, nil
}

// gcNeeded reports if there is work for the garbage collector.
func (e *Engine) gcNeeded() bool {
	if e.waiters.Load() > 0 {
		return true
	}

	e.allocMu.Lock()
	defer e.allocMu.Unlock()
	e.eraseMu.Lock()
	defer e.eraseMu.Unlock()

	if e.table.Count(eraseblock.EraseComplete) > 0 || e.table.Count(eraseblock.Erasable) > 0 {
		return true
	}
	var badUsed bool
	e.table.Each(eraseblock.BadUsed, func(b *eraseblock.Block) bool {
		badUsed = collectable(b)
		return !badUsed
	})
	if badUsed {
		return true
	}

	acc := e.table.Accounting()
	return int(acc.NrFreeBlocks+acc.NrErasingBlocks) < e.config.GCTriggerBlocks && e.reclaimableLocked()
}

// reclaimableLocked reports if there is dirty space which may be reclaimed. It must be called with allocMu held.
func (e *Engine) reclaimableLocked() bool {
	if e.nextBlock != nil && e.nextBlock.DirtySize > 0 {
		return true
	}
	var dirty bool
	e.table.Each(eraseblock.Dirty, func(b *eraseblock.Block) bool {
		dirty = b.DirtySize > 0
		return !dirty
	})
	return dirty
}
