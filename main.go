// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// gospd is a userspace daemon emulating a block storage unit. It serves
// transact requests arriving over a pipe style endpoint and routes them to
// one of the pluggable backends. It is designed for easy extension of all
// the important parts; any type implementing the storage unit interface
// can serve as a backend.
//
// Project structure is following:
//
// - scsi, transact, transport, stgunit and firsterr are the library
// packages. stgunit owns the dispatcher which bridges the transport to the
// backend; the other packages are its leaves.
//
// - internal/backend contains the backends shipped with the daemon: ram,
// file, null and s3. The null implementation does nothing but correctly
// and can be used for benchmarking the dispatcher and the transport. Since
// backends share configuration with the daemon they live in internal.
//
// - internal/config contains the configuration package which is common for
// all backends.
package main

import (
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gospd/gospd/internal/backend/file"
	"github.com/gospd/gospd/internal/backend/null"
	"github.com/gospd/gospd/internal/backend/ram"
	"github.com/gospd/gospd/internal/backend/s3"
	"github.com/gospd/gospd/internal/config"
	"github.com/gospd/gospd/stgunit"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "gospd",
		Short: "Userspace block storage unit daemon",
		Long: "gospd emulates a block storage unit in user space and serves transact\n" +
			"requests from a peer over a pipe style endpoint.\n\n" +
			"Configuration environment variables:\n\n" + config.Usage(),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c",
		config.DefaultPath, "path to configuration file")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// Parse configuration from file and environment variables, build the
// selected backend and create a storage unit with it. The dispatcher is
// ran until it is signaled by SIGINT or SIGTERM to gracefully finish.
func run(configPath string) error {
	if err := config.Configure(configPath); err != nil {
		return err
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	backend, closer, err := buildBackend()
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	unit, err := stgunit.Create(config.Cfg.Endpoint, storageUnitParams(), backend)
	if err != nil {
		return err
	}
	unit.SetLogger(log.Logger)
	unit.SetDebugLog(config.Cfg.DebugLog)

	if err := unit.StartDispatcher(config.Cfg.Threads); err != nil {
		return err
	}

	log.Info().Str("backend", config.Cfg.Backend).Msg("storage unit registered!")

	registerSigHandlers(unit)

	unit.WaitDispatcher()

	if err := unit.DispatcherError(); err != nil {
		log.Error().Err(err).Msg("dispatcher stopped on a transport fault")
	}

	log.Info().Msg("removing storage unit")
	return unit.Delete()
}

func storageUnitParams() stgunit.StorageUnitParams {
	return stgunit.StorageUnitParams{
		BlockCount:      uint64(config.Cfg.Size) / uint64(config.Cfg.BlockSize),
		BlockLength:     config.Cfg.BlockSize,
		ProductID:       config.Cfg.ProductID,
		ProductRevision: config.Cfg.ProductRev,
		WriteProtected:  config.Cfg.WriteProtect,
		CacheSupported:  config.Cfg.Cache,
		UnmapSupported:  config.Cfg.Unmap,
	}
}

// Return the backend the user asked for, which is ram by default. The
// second return value, if not nil, must be closed after the dispatcher
// has stopped.
func buildBackend() (stgunit.StorageUnitInterface, io.Closer, error) {
	switch config.Cfg.Backend {
	case "ram":
		return ram.New(config.Cfg.BlockSize), nil, nil

	case "null":
		return null.New(), nil, nil

	case "file":
		disk, err := file.New(file.Options{
			Path:        config.Cfg.File.Path,
			BlockCount:  uint64(config.Cfg.Size) / uint64(config.Cfg.BlockSize),
			BlockLength: config.Cfg.BlockSize,
			Direct:      config.Cfg.File.Direct,
		})
		if err != nil {
			return nil, nil, err
		}
		return disk, disk, nil

	case "s3":
		disk, err := s3.New(s3.Options{
			Remote:      config.Cfg.S3.Remote,
			Region:      config.Cfg.S3.Region,
			Bucket:      config.Cfg.S3.Bucket,
			AccessKey:   config.Cfg.S3.AccessKey,
			SecretKey:   config.Cfg.S3.SecretKey,
			BlockLength: config.Cfg.BlockSize,
			ChunkBlocks: config.Cfg.S3.ChunkBlocks,
		})
		if err != nil {
			return nil, nil, err
		}
		return disk, nil, nil
	}

	return nil, nil, fmt.Errorf("unknown backend %q", config.Cfg.Backend)
}

// Register handler for graceful stop when SIGINT or SIGTERM came in.
func registerSigHandlers(unit *stgunit.StorageUnit) {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	go func() {
		<-stopChan
		log.Info().Msg("Received interrupt, stopping the storage unit!")
		unit.ShutdownDispatcher()
	}()
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for perfomance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
