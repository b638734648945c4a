package flashlog

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/flashlog/eraseblock"
	"github.com/outofforest/flashlog/persistence"
)

// dispatchErases starts erasing all the blocks waiting for it.
func (e *Engine) dispatchErases() {
	for {
		e.eraseMu.Lock()
		b := e.table.Head(eraseblock.ErasePending)
		if b != nil {
			e.table.Transition(b, eraseblock.Erasing)
			e.erasing.Add(1)
		}
		e.eraseMu.Unlock()

		if b == nil {
			return
		}

		e.dev.Erase(b.Offset, func(err error) {
			e.eraseDone(b, err)
		})
	}
}

// eraseDone is called by the device once erase completes. It might be called from any goroutine.
func (e *Engine) eraseDone(b *eraseblock.Block, err error) {
	e.eraseMu.Lock()
	if err != nil {
		e.table.Transition(b, eraseblock.Bad)
	} else {
		e.table.Transition(b, eraseblock.EraseComplete)
	}
	e.eraseMu.Unlock()

	if err != nil {
		e.log.Warn("Erasing block failed, block retired", blockField(b),
			zap.Error(errors.Wrapf(ErrMediumErase, "%s", err)))
	}

	e.erasing.Done()
	e.signalSpace()
	e.kickGC()
}

// processCompletedErases writes clean markers to erased blocks and makes them free.
// It returns the number of blocks processed.
func (e *Engine) processCompletedErases() int {
	e.markMu.Lock()
	defer e.markMu.Unlock()

	var n int
	for {
		e.eraseMu.Lock()
		b := e.table.Head(eraseblock.EraseComplete)
		e.eraseMu.Unlock()

		if b == nil {
			return n
		}
		n++

		err := persistence.WriteMarker(e.dev, b.Offset, persistence.Marker{EraseCount: b.EraseCount + 1})

		e.allocMu.Lock()
		e.eraseMu.Lock()
		if err != nil {
			e.table.Transition(b, eraseblock.Bad)
		} else {
			b.EraseCount++
			e.table.Transition(b, eraseblock.Free)
		}
		e.eraseMu.Unlock()
		e.allocMu.Unlock()

		if err != nil {
			e.log.Warn("Writing clean marker failed, block retired", blockField(b), zap.Error(err))
			continue
		}
		e.signalSpace()
	}
}
