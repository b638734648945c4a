package persistence

import (
	"github.com/pkg/errors"
)

// minBlocks specifies the minimum amount of erase blocks which must fit into device.
// Log needs one block being written, one being collected and the reserve for the garbage collector.
const minBlocks = 4

// Dev is the interface required from the flash device.
type Dev interface {
	// Size returns the byte size of the device.
	Size() int64

	// EraseSize returns the size of the erase block.
	EraseSize() int64

	// PageSize returns the minimum programming unit. Programs must be page-aligned if it is greater than 1.
	PageSize() int64

	// Read reads len(p) bytes starting at offset.
	Read(offset int64, p []byte) error

	// Program writes p at offset. Programmed bytes must be in the erased state.
	Program(offset int64, p []byte) error

	// Erase starts erasing the block at offset. Done is called, possibly from another goroutine, once the
	// operation completes.
	Erase(offset int64, done func(err error))

	// IsBad reports if the block at offset is marked as bad.
	IsBad(offset int64) (bool, error)

	// Sync forces data to be written to the device.
	Sync() error
}

// ErrAlreadyFormatted is returned if during formatting, existing log is detected on the device.
var ErrAlreadyFormatted = errors.New("log has been already formatted on the provided device")

// Geometry describes the layout of the device.
type Geometry struct {
	NBlocks    uint32
	EraseSize  int64
	PageSize   int64
	DataStart  int64
	SectorSize int64
}

// ValidateGeometry verifies that device parameters can host the log and returns its geometry.
func ValidateGeometry(dev Dev) (Geometry, error) {
	eraseSize := dev.EraseSize()
	pageSize := dev.PageSize()

	if pageSize < 1 {
		return Geometry{}, errors.Errorf("invalid page size: %d", pageSize)
	}
	if eraseSize < pageSize || eraseSize%pageSize != 0 {
		return Geometry{}, errors.Errorf("erase size %d is not a multiple of page size %d", eraseSize, pageSize)
	}

	dataStart := DataStart(pageSize)
	if dataStart >= eraseSize {
		return Geometry{}, errors.Errorf("erase size %d is too small to store the clean marker", eraseSize)
	}

	nBlocks := dev.Size() / eraseSize
	if nBlocks < minBlocks {
		return Geometry{}, errors.Errorf("device is too small, minimum size is: %d bytes, provided: %d",
			minBlocks*eraseSize, dev.Size())
	}
	if nBlocks > int64(^uint32(0)) {
		return Geometry{}, errors.Errorf("device contains too many blocks: %d", nBlocks)
	}

	return Geometry{
		NBlocks:    uint32(nBlocks),
		EraseSize:  eraseSize,
		PageSize:   pageSize,
		DataStart:  dataStart,
		SectorSize: eraseSize - dataStart,
	}, nil
}

// Format erases the device and writes clean marker to every good block.
func Format(dev Dev, overwrite bool) error {
	geometry, err := ValidateGeometry(dev)
	if err != nil {
		return err
	}

	if !overwrite {
		formatted, err := isFormatted(dev, geometry)
		if err != nil {
			return err
		}
		if formatted {
			return errors.WithStack(ErrAlreadyFormatted)
		}
	}

	for i := int64(0); i < int64(geometry.NBlocks); i++ {
		offset := i * geometry.EraseSize
		bad, err := dev.IsBad(offset)
		if err != nil {
			return errors.WithStack(err)
		}
		if bad {
			continue
		}

		// Block which can't be erased is left without the marker. It is retried and retired when mounted.
		if err := EraseSync(dev, offset); err != nil {
			continue
		}
		if err := WriteMarker(dev, offset, Marker{EraseCount: 1}); err != nil {
			return err
		}
	}

	return errors.WithStack(dev.Sync())
}

// EraseSync erases the block and waits for the operation to complete.
func EraseSync(dev Dev, offset int64) error {
	errCh := make(chan error, 1)
	dev.Erase(offset, func(err error) {
		errCh <- err
	})
	if err := <-errCh; err != nil {
		return errors.Wrapf(err, "erasing block at offset %#x failed", offset)
	}
	return nil
}

func isFormatted(dev Dev, geometry Geometry) (bool, error) {
	for i := int64(0); i < int64(geometry.NBlocks); i++ {
		offset := i * geometry.EraseSize
		bad, err := dev.IsBad(offset)
		if err != nil {
			return false, errors.WithStack(err)
		}
		if bad {
			continue
		}

		_, err = ReadMarker(dev, offset)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, ErrNoMarker):
		default:
			return false, err
		}
	}
	return false, nil
}
