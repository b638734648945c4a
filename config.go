package flashlog

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/flashlog/compress"
)

// Config stores engine configuration.
type Config struct {
	// Compression is the compression applied to appended payloads.
	Compression compress.Mode

	// ReservedBlocks is the number of free blocks which may be taken only by the garbage collector.
	ReservedBlocks int

	// GCTriggerBlocks is the number of free and erasing blocks below which garbage collector starts reclaiming
	// dirty blocks.
	GCTriggerBlocks int

	// MaxSpaceWaits is the maximum number of waits for space taken by single append.
	MaxSpaceWaits int

	// SpaceWaitTimeout is the maximum duration of single wait for space.
	SpaceWaitTimeout time.Duration

	// MaxProgramRetries is the number of times append is retried on another block after program failure.
	MaxProgramRetries int

	// Logger receives engine logs. Nothing is logged if it is nil.
	Logger *zap.Logger
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Compression:       compress.ModeRTime,
		ReservedBlocks:    2,
		GCTriggerBlocks:   4,
		MaxSpaceWaits:     10,
		SpaceWaitTimeout:  100 * time.Millisecond,
		MaxProgramRetries: 3,
	}
}

func (c Config) validate(nBlocks uint32) error {
	switch {
	case c.ReservedBlocks < 0:
		return errors.Errorf("number of reserved blocks must not be negative, provided: %d", c.ReservedBlocks)
	case c.ReservedBlocks >= int(nBlocks):
		return errors.Errorf("number of reserved blocks %d must be lower than number of blocks %d",
			c.ReservedBlocks, nBlocks)
	case c.GCTriggerBlocks < 0:
		return errors.Errorf("gc trigger must not be negative, provided: %d", c.GCTriggerBlocks)
	case c.MaxSpaceWaits < 0:
		return errors.Errorf("maximum number of space waits must not be negative, provided: %d", c.MaxSpaceWaits)
	case c.SpaceWaitTimeout <= 0:
		return errors.Errorf("space wait timeout must be positive, provided: %s", c.SpaceWaitTimeout)
	case c.MaxProgramRetries < 0:
		return errors.Errorf("maximum number of program retries must not be negative, provided: %d",
			c.MaxProgramRetries)
	}
	return nil
}
