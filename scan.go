package flashlog

import (
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/flashlog/eraseblock"
	"github.com/outofforest/flashlog/inocache"
	"github.com/outofforest/flashlog/node"
	"github.com/outofforest/flashlog/persistence"
	"github.com/outofforest/flashlog/types"
)

type scanCandidate struct {
	block *eraseblock.Block
	idx   int
}

type scannedBlock struct {
	block *eraseblock.Block

	// erased is set if nothing has been written to the data area of the block.
	erased bool
}

// scan rebuilds the block table and the inode cache from the nodes stored on the device.
func (e *Engine) scan() error {
	buf := make([]byte, e.geometry.EraseSize)
	candidates := map[types.Ino][]scanCandidate{}
	scanned := make([]scannedBlock, 0, e.table.Len())

	var nBad, nUnformatted int
	for i := 0; i < e.table.Len(); i++ {
		b, _ := e.table.Block(types.BlockIndex(i))

		bad, err := e.dev.IsBad(b.Offset)
		if err != nil {
			return errors.WithStack(err)
		}
		if bad {
			e.table.Place(b, eraseblock.Bad)
			nBad++
			continue
		}

		if err := e.dev.Read(b.Offset, buf); err != nil {
			return errors.Wrapf(err, "reading block %d failed", b.Index)
		}
		marker, err := persistence.UnmarshalMarker(buf)
		if err != nil {
			e.log.Debug("Block without clean marker, scheduling erase", blockField(b), zap.Error(err))
			e.table.Place(b, eraseblock.ErasePending)
			nUnformatted++
			continue
		}
		b.EraseCount = marker.EraseCount

		scanned = append(scanned, scannedBlock{
			block:  b,
			erased: e.scanBlock(b, buf, candidates),
		})
	}

	nInodes := e.verifyCandidates(candidates)

	counts := map[eraseblock.State]int{}
	for _, sb := range scanned {
		b := sb.block
		switch {
		case sb.erased:
			// Block stays free.
		case b.UsedSize == 0:
			e.table.Waste(b, b.FreeSize)
			e.table.Place(b, eraseblock.Erasable)
		default:
			// Partially programmed page must not be programmed again, so the free tail is never reused.
			e.table.Waste(b, b.FreeSize)
			if b.DirtySize == 0 {
				e.table.Place(b, eraseblock.Clean)
			} else {
				e.table.Place(b, eraseblock.Dirty)
			}
		}
		counts[b.State]++
	}

	if err := e.table.Check(); err != nil {
		return err
	}

	e.log.Info("Flash scanned",
		zap.Int("free", counts[eraseblock.Free]),
		zap.Int("clean", counts[eraseblock.Clean]),
		zap.Int("dirty", counts[eraseblock.Dirty]),
		zap.Int("erasable", counts[eraseblock.Erasable]),
		zap.Int("unformatted", nUnformatted),
		zap.Int("bad", nBad),
		zap.Int("inodes", nInodes),
		zap.Uint64("serial", uint64(e.serial)),
	)
	return nil
}

// scanBlock parses nodes stored in the block. Nodes are accounted as unchecked. It returns true if data area of the
// block is erased.
func (e *Engine) scanBlock(b *eraseblock.Block, buf []byte, candidates map[types.Ino][]scanCandidate) bool {
	eraseSize := uint32(e.geometry.EraseSize)
	pageSize := uint32(e.geometry.PageSize)
	offset := e.table.DataStart()

	for offset < eraseSize {
		h, err := node.UnmarshalHeader(buf[offset:])
		switch {
		case err == nil:
		case errors.Is(err, node.ErrErased) || isErased(buf[offset:]):
			if offset == e.table.DataStart() {
				return isErased(buf[offset:])
			}
			if !isErased(buf[offset:]) {
				e.table.Waste(b, eraseSize-offset)
			}
			return false
		default:
			if n := zeroFill(buf[offset:], offset, pageSize); n > 0 {
				e.table.Waste(b, n)
				offset += n
				continue
			}
			e.log.Warn("Corrupted data found, rest of the block is dirty", blockField(b),
				zap.Uint32("offset", offset), zap.Error(err))
			e.table.Waste(b, eraseSize-offset)
			return false
		}

		length := h.Len()
		if length > eraseSize-offset {
			e.log.Warn("Truncated node found, rest of the block is dirty", blockField(b),
				zap.Uint32("offset", offset))
			e.table.Waste(b, eraseSize-offset)
			return false
		}

		if h.Kind == node.KindData {
			idx := e.table.AddUnchecked(b, eraseblock.NodeRef{
				Offset:  offset,
				Length:  length,
				Ino:     h.Ino,
				Version: h.Version,
				Serial:  h.Serial,
			})
			candidates[h.Ino] = append(candidates[h.Ino], scanCandidate{block: b, idx: idx})
			if h.Serial > e.serial {
				e.serial = h.Serial
			}
		} else {
			e.table.Waste(b, length)
		}
		offset += length
	}
	return false
}

// verifyCandidates selects the live node of each inode. Node with the highest version is live, ties are resolved by
// the serial number. All the other nodes are dirty. It returns the number of live inodes.
func (e *Engine) verifyCandidates(candidates map[types.Ino][]scanCandidate) int {
	var nInodes int
	for ino, list := range candidates {
		sort.Slice(list, func(i, j int) bool {
			ri := list[i].block.Nodes[list[i].idx]
			rj := list[j].block.Nodes[list[j].idx]
			if ri.Version != rj.Version {
				return ri.Version > rj.Version
			}
			return ri.Serial > rj.Serial
		})

		var found bool
		for _, c := range list {
			if found {
				e.table.Verify(c.block, c.idx, false)
				continue
			}

			loc := c.block.Location(c.idx)
			if err := e.verifyNode(c.block, c.idx); err != nil {
				e.log.Warn("Corrupted node found", zap.Stringer("location", loc), zap.Error(err))
				e.table.Verify(c.block, c.idx, false)
				continue
			}

			e.table.Verify(c.block, c.idx, true)
			e.cache.Observe(ino, inocache.Entry{
				Location: loc,
				Version:  c.block.Nodes[c.idx].Version,
			})
			found = true
			nInodes++
		}
	}
	return nInodes
}

func (e *Engine) verifyNode(b *eraseblock.Block, idx int) error {
	ref := b.Nodes[idx]
	buf := make([]byte, ref.Length)
	if err := e.dev.Read(b.Offset+int64(ref.Offset), buf); err != nil {
		return errors.WithStack(err)
	}
	_, _, err := node.Decode(buf)
	return err
}

// zeroFill returns the length of zero bytes written by the write buffer to pad the page, or 0 if there are none.
func zeroFill(p []byte, offset, pageSize uint32) uint32 {
	if pageSize <= 1 {
		return 0
	}
	n := pageSize - offset%pageSize
	if n >= node.HeaderSize || int(n) > len(p) {
		return 0
	}
	for _, b := range p[:n] {
		if b != 0 {
			return 0
		}
	}
	return n
}

func isErased(p []byte) bool {
	for _, b := range p {
		if b != 0xff {
			return false
		}
	}
	return true
}
