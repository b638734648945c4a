package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/outofforest/flashlog"
	"github.com/outofforest/flashlog/compress"
	"github.com/outofforest/flashlog/persistence"
	"github.com/outofforest/flashlog/pkg/filedev"
	"github.com/outofforest/flashlog/pkg/memdev"
	"github.com/outofforest/flashlog/types"
)

type deviceFlags struct {
	file      string
	size      int64
	eraseSize int64
	pageSize  int64
}

type engineFlags struct {
	compression    string
	reservedBlocks int
	gcTrigger      int
}

func main() {
	var verbose bool
	var log *zap.Logger

	rootCmd := &cobra.Command{
		Use:          "flashsim",
		Short:        "Runs the flash log on simulated or file-backed flash",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if verbose {
				log, err = zap.NewDevelopment()
			} else {
				log, err = zap.NewProduction()
			}
			return errors.WithStack(err)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = log.Sync()
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enables development logging")

	var dev deviceFlags
	addDeviceFlags := func(cmd *cobra.Command) {
		cmd.Flags().StringVar(&dev.file, "file", "", "Path to the device image, in-memory device is used if empty")
		cmd.Flags().Int64Var(&dev.size, "size", 16*1024*1024, "Size of the device in bytes")
		cmd.Flags().Int64Var(&dev.eraseSize, "erase-size", 128*1024, "Size of the erase block")
		cmd.Flags().Int64Var(&dev.pageSize, "page-size", 2048, "Size of the page, 1 means directly programmable medium")
	}

	var engine engineFlags
	addEngineFlags := func(cmd *cobra.Command) {
		defaults := flashlog.DefaultConfig()
		cmd.Flags().StringVar(&engine.compression, "compression", defaults.Compression.String(),
			"Compression of stored payloads: none or rtime")
		cmd.Flags().IntVar(&engine.reservedBlocks, "reserved-blocks", defaults.ReservedBlocks,
			"Number of blocks reserved for the garbage collector")
		cmd.Flags().IntVar(&engine.gcTrigger, "gc-trigger", defaults.GCTriggerBlocks,
			"Number of free blocks below which garbage collector starts reclaiming dirty blocks")
	}

	var overwrite bool
	formatCmd := &cobra.Command{
		Use:   "format",
		Short: "Formats the device image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dev.file == "" {
				return errors.New("device image must be provided")
			}
			d, closeDev, err := openDevice(dev, true)
			if err != nil {
				return err
			}
			defer closeDev()

			if err := persistence.Format(d, overwrite); err != nil {
				return err
			}
			log.Info("Device formatted", zap.String("file", dev.file), zap.Int64("size", d.Size()))
			return nil
		},
	}
	addDeviceFlags(formatCmd)
	formatCmd.Flags().BoolVar(&overwrite, "overwrite", false, "Formats the device even if it is formatted already")

	var wl workloadConfig
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the random workload and prints space usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, closeDev, err := openDevice(dev, dev.file == "")
			if err != nil {
				return err
			}
			defer closeDev()

			if dev.file == "" {
				if err := persistence.Format(d, false); err != nil {
					return err
				}
			}

			e, err := openEngine(d, engine, log)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			runErr := run(ctx, e, wl, log)
			if err := e.Close(); err != nil && runErr == nil {
				runErr = err
			}
			printStats(e.Stats())
			return runErr
		},
	}
	addDeviceFlags(runCmd)
	addEngineFlags(runCmd)
	runCmd.Flags().IntVar(&wl.Operations, "operations", 100000, "Number of operations to execute")
	runCmd.Flags().IntVar(&wl.Inodes, "inodes", 1024, "Number of inodes written by the workload")
	runCmd.Flags().IntVar(&wl.MaxPayload, "max-payload", 4096, "Maximum payload size")
	runCmd.Flags().IntVar(&wl.DeletePercent, "delete-percent", 5, "Percentage of operations deleting an inode")
	runCmd.Flags().IntVar(&wl.Writers, "writers", 4, "Number of concurrent writers")
	runCmd.Flags().Int64Var(&wl.Seed, "seed", 1, "Seed of the random generator")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Mounts the device image and prints space usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dev.file == "" {
				return errors.New("device image must be provided")
			}
			d, closeDev, err := openDevice(dev, false)
			if err != nil {
				return err
			}
			defer closeDev()

			e, err := openEngine(d, engine, log)
			if err != nil {
				return err
			}
			printStats(e.Stats())
			return e.Close()
		},
	}
	addDeviceFlags(statsCmd)
	addEngineFlags(statsCmd)

	rootCmd.AddCommand(formatCmd, runCmd, statsCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// openDevice opens the device. File is created and resized if create is set.
func openDevice(flags deviceFlags, create bool) (persistence.Dev, func(), error) {
	if flags.file == "" {
		return memdev.New(flags.size, flags.eraseSize, flags.pageSize), func() {}, nil
	}

	mode := os.O_RDWR
	if create {
		mode |= os.O_CREATE
	}
	file, err := os.OpenFile(flags.file, mode, 0o600)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	if create {
		if err := file.Truncate(flags.size); err != nil {
			_ = file.Close()
			return nil, nil, errors.WithStack(err)
		}
	}

	dev := filedev.New(file, flags.eraseSize, flags.pageSize)
	return dev, func() {
		_ = dev.Sync()
		_ = file.Close()
	}, nil
}

func openEngine(dev persistence.Dev, flags engineFlags, log *zap.Logger) (*flashlog.Engine, error) {
	mode, err := compress.ParseMode(flags.compression)
	if err != nil {
		return nil, err
	}

	config := flashlog.DefaultConfig()
	config.Compression = mode
	config.ReservedBlocks = flags.reservedBlocks
	config.GCTriggerBlocks = flags.gcTrigger
	config.Logger = log

	return flashlog.Open(dev, config)
}

func printStats(stats types.Stats) {
	fmt.Printf("flash:    %d bytes in %d blocks of %d bytes\n", stats.FlashSize, stats.NrBlocks, stats.SectorSize)
	fmt.Printf("used:     %d\n", stats.UsedSize)
	fmt.Printf("dirty:    %d\n", stats.DirtySize)
	fmt.Printf("free:     %d (%d blocks)\n", stats.FreeSize, stats.NrFreeBlocks)
	fmt.Printf("erasing:  %d (%d blocks)\n", stats.ErasingSize, stats.NrErasingBlocks)
	fmt.Printf("bad:      %d\n", stats.BadSize)
}
