package main

import (
	"bytes"
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/flashlog"
	"github.com/outofforest/flashlog/types"
)

type workloadConfig struct {
	Operations    int
	Inodes        int
	MaxPayload    int
	DeletePercent int
	Writers       int
	Seed          int64
}

func (c workloadConfig) validate() error {
	switch {
	case c.Writers < 1:
		return errors.Errorf("at least one writer is required, provided: %d", c.Writers)
	case c.Inodes < c.Writers:
		return errors.Errorf("number of inodes %d must not be lower than number of writers %d", c.Inodes, c.Writers)
	case c.MaxPayload < 0:
		return errors.Errorf("maximum payload size must not be negative, provided: %d", c.MaxPayload)
	case c.DeletePercent < 0 || c.DeletePercent > 100:
		return errors.Errorf("delete percentage must be between 0 and 100, provided: %d", c.DeletePercent)
	}
	return nil
}

// run executes random writes, reads and deletions of inodes. Each writer owns its own subset of inodes, so it
// always knows what should be read back.
func run(ctx context.Context, e *flashlog.Engine, config workloadConfig, log *zap.Logger) error {
	if err := config.validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := e.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Garbage collector failed", zap.Error(err))
		}
	}()

	start := time.Now()
	errCh := make(chan error, config.Writers)
	var writers sync.WaitGroup
	for w := 0; w < config.Writers; w++ {
		w := w
		writers.Add(1)
		go func() {
			defer writers.Done()

			wr := &writer{
				engine:   e,
				config:   config,
				rnd:      rand.New(rand.NewSource(config.Seed + int64(w))),
				id:       w,
				versions: map[types.Ino]types.Version{},
				expected: map[types.Ino][]byte{},
			}
			if err := wr.run(ctx, config.Operations/config.Writers); err != nil {
				errCh <- errors.Wrapf(err, "writer %d failed", w)
				cancel()
			}
		}()
	}
	writers.Wait()
	cancel()
	wg.Wait()
	close(errCh)

	log.Info("Workload finished", zap.Int("operations", config.Operations), zap.Duration("duration",
		time.Since(start)))

	return <-errCh
}

type writer struct {
	engine   *flashlog.Engine
	config   workloadConfig
	rnd      *rand.Rand
	id       int
	versions map[types.Ino]types.Version
	expected map[types.Ino][]byte
}

func (w *writer) run(ctx context.Context, operations int) error {
	for i := 0; i < operations; i++ {
		if ctx.Err() != nil {
			return nil
		}

		ino := w.inode()
		switch r := w.rnd.Intn(100); {
		case r < w.config.DeletePercent:
			if err := w.delete(ino); err != nil {
				return err
			}
		case r < w.config.DeletePercent+20:
			if err := w.verify(ino); err != nil {
				return err
			}
		default:
			if err := w.write(ino); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *writer) inode() types.Ino {
	perWriter := w.config.Inodes / w.config.Writers
	return types.Ino(w.rnd.Intn(perWriter)*w.config.Writers + w.id + 1)
}

func (w *writer) write(ino types.Ino) error {
	payload := make([]byte, w.rnd.Intn(w.config.MaxPayload+1))
	if w.rnd.Intn(2) == 0 {
		_, _ = w.rnd.Read(payload)
	} else {
		// Compressible payload.
		for i := range payload {
			payload[i] = byte(i / 32)
		}
	}

	w.versions[ino]++
	if _, err := w.engine.AppendNode(ino, w.versions[ino], payload); err != nil {
		return err
	}
	w.expected[ino] = payload
	return nil
}

func (w *writer) verify(ino types.Ino) error {
	data, err := w.engine.ReadInode(ino)
	expected, exists := w.expected[ino]
	switch {
	case !exists:
		if !errors.Is(err, flashlog.ErrNodeNotFound) {
			return errors.Errorf("inode %d should not exist, error: %v", ino, err)
		}
		return nil
	case err != nil:
		return err
	case !bytes.Equal(data, expected):
		return errors.Errorf("inode %d contains unexpected data", ino)
	}
	return nil
}

func (w *writer) delete(ino types.Ino) error {
	delete(w.expected, ino)
	for {
		loc, exists := w.engine.Lookup(ino)
		if !exists {
			return nil
		}
		// Node might be moved by the garbage collector in the meantime.
		if err := w.engine.ObsoleteNode(loc); !errors.Is(err, flashlog.ErrNodeNotFound) {
			return err
		}
	}
}
