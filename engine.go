package flashlog

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/flashlog/eraseblock"
	"github.com/outofforest/flashlog/inocache"
	"github.com/outofforest/flashlog/persistence"
	"github.com/outofforest/flashlog/types"
	"github.com/outofforest/flashlog/wbuf"
)

// Engine is the log-structured storage living on the flash device.
//
// Locks are always taken in this order: gcMu, writeMu, markMu, allocMu, eraseMu.
type Engine struct {
	config   Config
	log      *zap.Logger
	dev      persistence.Dev
	geometry persistence.Geometry
	table    *eraseblock.Table
	cache    *inocache.Cache

	// gcMu serializes garbage collection passes.
	gcMu sync.Mutex

	// writeMu serializes writes to the log, it owns the write buffer.
	writeMu   sync.Mutex
	wbuf      *wbuf.Buffer
	unflushed []unflushedNode
	requeue   []*record

	// markMu serializes writing clean markers to erased blocks.
	markMu sync.Mutex

	// allocMu protects block counters, node references, the next block and the lists of blocks holding data.
	allocMu   sync.Mutex
	nextBlock *eraseblock.Block
	serial    types.Serial

	// eraseMu protects lists of free, erasing and bad blocks.
	eraseMu sync.Mutex
	erasing sync.WaitGroup

	spaceMu sync.Mutex
	spaceCh chan struct{}
	waiters atomic.Int32

	gcWake        chan struct{}
	workerRunning atomic.Bool
	terminate     atomic.Bool
	closed        atomic.Bool
}

// Open mounts the log stored on the device. Device must be formatted by persistence.Format.
func Open(dev persistence.Dev, config Config) (*Engine, error) {
	geometry, err := persistence.ValidateGeometry(dev)
	if err != nil {
		return nil, err
	}
	if err := config.validate(geometry.NBlocks); err != nil {
		return nil, err
	}

	log := config.Logger
	if log == nil {
		log = zap.NewNop()
	}

	e := &Engine{
		config:   config,
		log:      log,
		dev:      dev,
		geometry: geometry,
		table:    eraseblock.New(geometry.NBlocks, uint32(geometry.EraseSize), uint32(geometry.DataStart)),
		cache:    inocache.New(),
		spaceCh:  make(chan struct{}),
		gcWake:   make(chan struct{}, 1),
	}
	if geometry.PageSize > 1 {
		e.wbuf = wbuf.New(geometry.PageSize, dev.Program)
	}

	if err := e.scan(); err != nil {
		return nil, err
	}
	e.dispatchErases()

	return e, nil
}

// Lookup returns location of the live node of the inode.
func (e *Engine) Lookup(ino types.Ino) (types.Location, bool) {
	return e.cache.HighestVersionLocation(ino)
}

// Stats returns space usage of the flash.
func (e *Engine) Stats() types.Stats {
	e.allocMu.Lock()
	e.eraseMu.Lock()
	acc := e.table.Accounting()
	e.eraseMu.Unlock()
	e.allocMu.Unlock()

	return types.Stats{
		FlashSize:       acc.FlashSize,
		UsedSize:        acc.UsedSize,
		DirtySize:       acc.DirtySize,
		FreeSize:        acc.FreeSize,
		UncheckedSize:   acc.UncheckedSize,
		ErasingSize:     acc.ErasingSize,
		BadSize:         acc.BadSize,
		SectorSize:      acc.SectorSize,
		NrBlocks:        acc.NrBlocks,
		NrFreeBlocks:    acc.NrFreeBlocks,
		NrErasingBlocks: acc.NrErasingBlocks,
	}
}

// Sync writes buffered data to the device.
// The rest of the buffered page is padded, padding is accounted as dirty space.
func (e *Engine) Sync() error {
	if e.closed.Load() {
		return errors.WithStack(ErrClosed)
	}
	return e.sync()
}

// Close syncs buffered data and stops the garbage collector.
// It waits until all the started erases complete.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return errors.WithStack(ErrClosed)
	}

	err := e.sync()

	e.terminate.Store(true)
	e.kickGC()

	// Waits for the pass being executed by the worker.
	e.gcMu.Lock()
	defer e.gcMu.Unlock()

	e.erasing.Wait()
	e.processCompletedErases()

	return err
}

func (e *Engine) sync() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if _, err := e.writeLocked(nil); err != nil {
		return err
	}
	if err := e.padLocked(); err != nil {
		return err
	}
	return errors.WithStack(e.dev.Sync())
}

func (e *Engine) kickGC() {
	select {
	case e.gcWake <- struct{}{}:
	default:
	}
}

func (e *Engine) spaceSignal() <-chan struct{} {
	e.spaceMu.Lock()
	defer e.spaceMu.Unlock()

	return e.spaceCh
}

func (e *Engine) signalSpace() {
	e.spaceMu.Lock()
	defer e.spaceMu.Unlock()

	close(e.spaceCh)
	e.spaceCh = make(chan struct{})
}

// findRefLocked returns block and index of the node reference at location. It must be called with allocMu held.
func (e *Engine) findRefLocked(loc types.Location) (*eraseblock.Block, int, bool) {
	b, exists := e.table.Block(loc.Block)
	if !exists {
		return nil, 0, false
	}
	idx, found := b.FindNode(loc.Offset)
	if !found {
		return nil, 0, false
	}
	return b, idx, true
}

// findLiveRefLocked returns block and index of the live node at location. It must be called with allocMu held.
func (e *Engine) findLiveRefLocked(loc types.Location) (*eraseblock.Block, int, error) {
	b, idx, found := e.findRefLocked(loc)
	if !found || b.Nodes[idx].Obsolete {
		return nil, 0, errors.Wrapf(ErrNodeNotFound, "location %s", loc)
	}
	return b, idx, nil
}

func blockField(b *eraseblock.Block) zap.Field {
	return zap.Uint32("block", uint32(b.Index))
}
