package flashlog

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/flashlog/eraseblock"
)

// waitForSpace waits until free block might be available.
// It returns ErrOutOfSpace if nothing can produce free block.
func (e *Engine) waitForSpace(gc bool) error {
	signal := e.spaceSignal()

	e.processCompletedErases()
	e.dispatchErases()

	available, hopeful := e.spaceState(gc)
	if available {
		return nil
	}
	if gc || !hopeful {
		return errors.Wrap(ErrOutOfSpace, "nothing to reclaim")
	}

	e.waiters.Add(1)
	defer e.waiters.Add(-1)

	if e.workerRunning.Load() {
		e.kickGC()
	} else {
		e.gcMu.Lock()
		_, err := e.gcPassLocked()
		e.gcMu.Unlock()
		if err != nil {
			e.log.Error("Garbage collection failed", zap.Error(err))
		}
		if available, _ := e.spaceState(gc); available {
			return nil
		}
	}

	e.waitForSignal(signal)
	return nil
}

// waitForSignal waits until signal is closed or space wait timeout elapses.
func (e *Engine) waitForSignal(signal <-chan struct{}) {
	timer := time.NewTimer(e.config.SpaceWaitTimeout)
	defer timer.Stop()

	select {
	case <-signal:
	case <-timer.C:
	}
}

// erasesInFlight reports if any block is on its way through the erase pipeline.
func (e *Engine) erasesInFlight() bool {
	e.eraseMu.Lock()
	defer e.eraseMu.Unlock()

	return e.table.Count(eraseblock.ErasePending) > 0 || e.table.Count(eraseblock.Erasing) > 0 ||
		e.table.Count(eraseblock.EraseComplete) > 0
}

// spaceState reports if free block is available and if there is anything which may produce one.
func (e *Engine) spaceState(gc bool) (bool, bool) {
	e.allocMu.Lock()
	defer e.allocMu.Unlock()
	e.eraseMu.Lock()
	defer e.eraseMu.Unlock()

	nrFree := e.table.Count(eraseblock.Free)
	if nrFree > 0 && (gc || nrFree > e.config.ReservedBlocks) {
		return true, true
	}

	if e.table.Count(eraseblock.ErasePending) > 0 || e.table.Count(eraseblock.Erasing) > 0 ||
		e.table.Count(eraseblock.EraseComplete) > 0 || e.table.Count(eraseblock.Erasable) > 0 {
		return false, true
	}
	var badUsed bool
	e.table.Each(eraseblock.BadUsed, func(b *eraseblock.Block) bool {
		badUsed = collectable(b)
		return !badUsed
	})
	return false, badUsed || e.reclaimableLocked()
}
