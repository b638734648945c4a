package flashlog

import (
	"github.com/pkg/errors"

	"github.com/outofforest/flashlog/inocache"
)

var (
	// ErrOutOfSpace is returned if no free block can be obtained for the write.
	ErrOutOfSpace = errors.New("out of space")

	// ErrMediumProgram is returned if device failed to program the data.
	ErrMediumProgram = errors.New("medium program error")

	// ErrMediumErase is reported if device failed to erase the block.
	ErrMediumErase = errors.New("medium erase error")

	// ErrCorruptNode is returned if node read from the device is corrupted.
	ErrCorruptNode = errors.New("corrupted node")

	// ErrNodeNotFound is returned if there is no live node at the location.
	ErrNodeNotFound = errors.New("node not found")

	// ErrNodeTooLarge is returned if node does not fit into the erase block.
	ErrNodeTooLarge = errors.New("node too large")

	// ErrStaleVersion is returned if version of the appended node is not higher than the existing one.
	ErrStaleVersion = inocache.ErrStaleVersion

	// ErrClosed is returned if engine has been closed.
	ErrClosed = errors.New("engine closed")

	// errNoSpace is returned internally if there is no block to write to.
	errNoSpace = errors.New("no space")
)
